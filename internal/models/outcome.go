package models

import (
	"time"
)

// OutcomeKind 抓取结果分类
type OutcomeKind string

const (
	OutcomeSuccess     OutcomeKind = "success"      // 成功
	OutcomeBotDetected OutcomeKind = "bot_detected" // 触发反爬挑战
	OutcomeTransient   OutcomeKind = "transient"    // 超时/网络等可重试错误
	OutcomeAborted     OutcomeKind = "aborted"      // 无可用代理/池耗尽/关闭等,不再重试
)

// Outcome 单次抓取的结果
type Outcome struct {
	Kind    OutcomeKind
	Content string // 仅 Success 时有效
	URL     string // 最终URL(可能被重定向)
	Title   string
	Proxy   string
	Latency time.Duration
	Signal  string // 触发反爬判定的信号
	Err     error  // Transient/Aborted 的原因
	// DriverBroken 表示浏览器句柄已不可用,释放时应直接替换
	DriverBroken bool
}

// Success 构造成功结果
func Success(content string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Content: content}
}

// Transient 构造可重试失败结果
func Transient(err error) Outcome {
	return Outcome{Kind: OutcomeTransient, Err: err}
}

// BotDetected 构造反爬结果
func BotDetected(signal string) Outcome {
	return Outcome{Kind: OutcomeBotDetected, Signal: signal, Err: &BotDetectedError{Signal: signal}}
}

// Aborted 构造不可重试的终止结果
func Aborted(err error) Outcome {
	return Outcome{Kind: OutcomeAborted, Err: err}
}

// OK 是否成功
func (o Outcome) OK() bool {
	return o.Kind == OutcomeSuccess
}

// TaskResult 经过重试后的任务最终结果
type TaskResult struct {
	Task     CrawlTask
	Outcome  Outcome
	Attempts int
}
