package crawlers

import (
	"time"

	"github.com/RecoveryAshes/shelfscout/internal/models"
)

// SessionState 会话状态
type SessionState string

const (
	SessionCreating    SessionState = "creating"
	SessionWarmingUp   SessionState = "warming_up"
	SessionReady       SessionState = "ready"
	SessionInUse       SessionState = "in_use"
	SessionQuarantined SessionState = "quarantined"
	SessionDestroying  SessionState = "destroying"
)

// countsTowardBound 是否计入池上限
func (s SessionState) countsTowardBound() bool {
	switch s {
	case SessionCreating, SessionWarmingUp, SessionReady, SessionInUse:
		return true
	}
	return false
}

// Session 绑定单个代理的浏览器会话
// 职责: 在被取出期间由调用方独占;更换代理只能通过销毁并重建驱动(代际+1)
type Session struct {
	ID        string
	CreatedAt time.Time

	proxy          models.ProxySnapshot
	driver         Driver
	warmedUp       bool
	requestsServed int
	botDetections  int
	generation     int

	// state 只在池锁内读写
	state SessionState
}

// Proxy 当前绑定的代理
func (s *Session) Proxy() models.ProxySnapshot { return s.proxy }

// Driver 当前代际的浏览器句柄
func (s *Session) Driver() Driver { return s.driver }

// WarmedUp 是否已预热
func (s *Session) WarmedUp() bool { return s.warmedUp }

// MarkWarmedUp 标记预热完成
func (s *Session) MarkWarmedUp() { s.warmedUp = true }

// RequestsServed 当前代际已处理的请求数
func (s *Session) RequestsServed() int { return s.requestsServed }

// CountRequest 记录一次请求
func (s *Session) CountRequest() { s.requestsServed++ }

// Generation 代理代际
func (s *Session) Generation() int { return s.generation }

// BotDetections 当前代际的反爬次数
func (s *Session) BotDetections() int { return s.botDetections }
