package model

import "strings"

// SessionStatus 会话状态
type SessionStatus int8

const (
	SessionStatusPending SessionStatus = 0 // 等待用户审批
	SessionStatusActive  SessionStatus = 1 // 已授权
	SessionStatusDenied  SessionStatus = 2 // 用户拒绝或取消
	SessionStatusRevoked SessionStatus = 3 // 已断开
	SessionStatusExpired SessionStatus = 4 // 已过期
)

func (s SessionStatus) String() string {
	switch s {
	case SessionStatusPending:
		return "PENDING"
	case SessionStatusActive:
		return "ACTIVE"
	case SessionStatusDenied:
		return "DENIED"
	case SessionStatusRevoked:
		return "REVOKED"
	case SessionStatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// ParseSessionStatus 按名称解析状态，不区分大小写
func ParseSessionStatus(name string) (SessionStatus, bool) {
	for st := SessionStatusPending; st <= SessionStatusExpired; st++ {
		if strings.EqualFold(st.String(), name) {
			return st, true
		}
	}
	return 0, false
}

// IsTerminal 判断是否为终态
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusDenied || s == SessionStatusRevoked || s == SessionStatusExpired
}

// CanTransitionTo 状态机
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case SessionStatusPending:
		return next == SessionStatusActive || next == SessionStatusDenied || next == SessionStatusExpired
	case SessionStatusActive:
		return next == SessionStatusRevoked || next == SessionStatusExpired
	}
	return false
}

// NonTerminalSessionStatuses 非终态集合
var NonTerminalSessionStatuses = []SessionStatus{SessionStatusPending, SessionStatusActive}

// Session dApp 连接会话
type Session struct {
	ID              string        `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	Origin          string        `gorm:"column:origin;type:varchar(255);index:idx_dapp_session_origin_account;not null" json:"origin"`
	Name            string        `gorm:"column:name;type:varchar(128)" json:"name"`
	AccountID       string        `gorm:"column:account_id;type:varchar(128);index:idx_dapp_session_origin_account;not null" json:"account_id"`
	RequestedScopes ScopeSet      `gorm:"column:requested_scopes;type:varchar(255);not null" json:"requested_scopes"`
	GrantedScopes   ScopeSet      `gorm:"column:granted_scopes;type:varchar(255)" json:"granted_scopes"`
	Status          SessionStatus `gorm:"column:status;type:smallint;index;not null" json:"status"`
	Reason          string        `gorm:"column:reason;type:varchar(255)" json:"reason,omitempty"`
	ExpiresAt       int64         `gorm:"column:expires_at;type:bigint;not null" json:"expires_at"` // 0 表示不过期
	DecidedAt       int64         `gorm:"column:decided_at;type:bigint" json:"decided_at"`
	CreatedAt       int64         `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt       int64         `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Session) TableName() string {
	return "dapp_sessions"
}

// IsExpiredAt 已授权会话在 now 时刻是否过期
func (s *Session) IsExpiredAt(nowMs int64) bool {
	return s.ExpiresAt > 0 && nowMs > s.ExpiresAt
}

// Clone 深拷贝，对外返回的都是副本
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.RequestedScopes = s.RequestedScopes.Clone()
	c.GrantedScopes = s.GrantedScopes.Clone()
	return &c
}
