// Package sink 持久化提取出的商品记录
package sink

import (
	"context"
	"errors"

	"github.com/RecoveryAshes/shelfscout/internal/models"
)

// Sink 记录输出目标,实现需并发安全
type Sink interface {
	Write(ctx context.Context, records []models.Record) error
	Close() error
}

// Multi 依次写入多个输出目标
type Multi []Sink

// Write 实现Sink,所有目标都会尝试写入,错误合并返回
func (m Multi) Write(ctx context.Context, records []models.Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close 实现Sink
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard 丢弃所有记录
type Discard struct{}

// Write 实现Sink
func (Discard) Write(context.Context, []models.Record) error { return nil }

// Close 实现Sink
func (Discard) Close() error { return nil }
