package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNoProxyAvailable 没有可选代理(紧急重置后仍为空)
	ErrNoProxyAvailable = errors.New("没有可用代理")
	// ErrNoCandidates 代理列表过滤后为空
	ErrNoCandidates = errors.New("代理列表为空")
	// ErrPoolExhausted 获取会话超时
	ErrPoolExhausted = errors.New("会话池已耗尽")
	// ErrPoolClosed 会话池已关闭
	ErrPoolClosed = errors.New("会话池已关闭")
	// ErrPoolFull 创建会话时已达到池上限
	ErrPoolFull = errors.New("会话池已满")
	// ErrNoSessions 启动时没有任何会话创建成功
	ErrNoSessions = errors.New("没有会话创建成功")
	// ErrUnknownProxy 代理不在注册表中
	ErrUnknownProxy = errors.New("未知代理")
)

// SessionCreationError 会话创建失败(浏览器启动或代理握手失败)
type SessionCreationError struct {
	Proxy string
	Cause error
}

func (e *SessionCreationError) Error() string {
	return fmt.Sprintf("会话创建失败 [%s]: %v", e.Proxy, e.Cause)
}

// Unwrap 支持errors.Unwrap
func (e *SessionCreationError) Unwrap() error {
	return e.Cause
}

// BotDetectedError 页面被识别为反爬挑战
type BotDetectedError struct {
	Signal string
}

func (e *BotDetectedError) Error() string {
	return fmt.Sprintf("检测到反爬挑战: %s", e.Signal)
}

// StoreAdmissionError 门店准入失败(门店绑定请求失败)
type StoreAdmissionError struct {
	StoreID string
	Cause   error
}

func (e *StoreAdmissionError) Error() string {
	return fmt.Sprintf("门店准入失败 [%s]: %v", e.StoreID, e.Cause)
}

// Unwrap 支持errors.Unwrap
func (e *StoreAdmissionError) Unwrap() error {
	return e.Cause
}

// ConfigError 配置文件错误
type ConfigError struct {
	// FilePath 配置文件路径
	FilePath string

	// Cause 底层错误 (如viper.ConfigParseError)
	Cause error
}

// Error 实现error接口
func (e *ConfigError) Error() string {
	return fmt.Sprintf("配置文件错误 [%s]: %v", e.FilePath, e.Cause)
}

// Unwrap 支持errors.Unwrap
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// IsTerminal 判断错误是否不应在执行器内继续重试
func IsTerminal(err error) bool {
	return errors.Is(err, ErrNoProxyAvailable) ||
		errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, ErrPoolClosed)
}
