package proxies

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/RecoveryAshes/shelfscout/internal/models"
)

// LoadCandidatesFile 读取代理候选列表
// 支持 JSON 数组或 {"proxies": [...]} 两种格式
func LoadCandidatesFile(path string) ([]models.ProxyCandidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取代理文件失败: %w", err)
	}
	return ParseCandidates(data)
}

// ParseCandidates 解析代理候选JSON
func ParseCandidates(data []byte) ([]models.ProxyCandidate, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, models.ErrNoCandidates
	}

	var list []models.ProxyCandidate
	if data[0] == '[' {
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("解析代理列表失败: %w", err)
		}
	} else {
		var wrapped struct {
			Proxies []models.ProxyCandidate `json:"proxies"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("解析代理列表失败: %w", err)
		}
		list = wrapped.Proxies
	}

	if len(list) == 0 {
		return nil, models.ErrNoCandidates
	}
	return list, nil
}
