package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/RecoveryAshes/shelfscout/internal/models"
)

// JSONL 每条记录一行JSON,追加写入
type JSONL struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	enc  *json.Encoder
	n    int
}

// NewJSONL 打开(或创建)JSONL文件
func NewJSONL(path string) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("打开输出文件失败: %w", err)
	}
	w := bufio.NewWriter(f)
	return &JSONL{file: f, w: w, enc: json.NewEncoder(w)}, nil
}

// Write 实现Sink,每批写完即刷盘
func (j *JSONL) Write(ctx context.Context, records []models.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	for i := range records {
		if err := j.enc.Encode(&records[i]); err != nil {
			return fmt.Errorf("写入记录失败: %w", err)
		}
		j.n++
	}
	return j.w.Flush()
}

// Count 已写入的记录数
func (j *JSONL) Count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.n
}

// Close 实现Sink
func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}
