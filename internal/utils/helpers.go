package utils

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/RecoveryAshes/shelfscout/internal/models"
)

// ReadStoresFile 读取门店种子文件(每行一个JSON对象)
func ReadStoresFile(path string) ([]models.Store, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开门店文件失败: %w", err)
	}
	defer file.Close()

	stores := make([]models.Store, 0)
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// 跳过空行和注释行
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var s models.Store
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			Warnf("跳过无效门店 (行 %d): %v", lineNum, err)
			continue
		}
		if s.ID == "" {
			Warnf("跳过缺少store_id的门店 (行 %d)", lineNum)
			continue
		}
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		stores = append(stores, s)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取门店文件失败: %w", err)
	}
	if len(stores) == 0 {
		return nil, fmt.Errorf("门店文件中没有有效的门店")
	}

	Infof("从文件加载了 %d 个门店", len(stores))
	return stores, nil
}

// ReadCategoriesFile 读取分类文件(JSON数组)
func ReadCategoriesFile(path string) ([]models.Category, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取分类文件失败: %w", err)
	}

	var raw []models.Category
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("解析分类文件失败: %w", err)
	}

	categories := make([]models.Category, 0, len(raw))
	for i, c := range raw {
		if c.Name == "" || !strings.HasPrefix(c.Path, "/") {
			Warnf("跳过无效分类 (第 %d 项): name=%q path=%q", i+1, c.Name, c.Path)
			continue
		}
		categories = append(categories, c)
	}
	if len(categories) == 0 {
		return nil, fmt.Errorf("分类文件中没有有效的分类")
	}

	Infof("从文件加载了 %d 个分类", len(categories))
	return categories, nil
}

// ValidateURL 验证URL格式
func ValidateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("URL格式无效: %w", err)
	}

	if parsed.Scheme == "" {
		return fmt.Errorf("URL缺少协议(http/https)")
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("URL协议必须是http或https")
	}

	if parsed.Host == "" {
		return fmt.Errorf("URL缺少主机名")
	}

	return nil
}
