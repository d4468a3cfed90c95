package model

import "strings"

// SigningStatus 签名请求状态
type SigningStatus int8

const (
	SigningStatusPending    SigningStatus = 0 // 等待用户审批
	SigningStatusApproved   SigningStatus = 1 // 已批准，在账户队列中等待提交
	SigningStatusSubmitting SigningStatus = 2 // 签名并广播中
	SigningStatusSubmitted  SigningStatus = 3 // 已上链受理，Result 为交易 ID
	SigningStatusFailed     SigningStatus = 4 // 提交失败
	SigningStatusRejected   SigningStatus = 5 // 用户拒绝、取消或会话失效
	SigningStatusExpired    SigningStatus = 6 // 审批超时
)

func (s SigningStatus) String() string {
	switch s {
	case SigningStatusPending:
		return "PENDING"
	case SigningStatusApproved:
		return "APPROVED"
	case SigningStatusSubmitting:
		return "SUBMITTING"
	case SigningStatusSubmitted:
		return "SUBMITTED"
	case SigningStatusFailed:
		return "FAILED"
	case SigningStatusRejected:
		return "REJECTED"
	case SigningStatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// ParseSigningStatus 按名称解析状态，不区分大小写
func ParseSigningStatus(name string) (SigningStatus, bool) {
	for st := SigningStatusPending; st <= SigningStatusExpired; st++ {
		if strings.EqualFold(st.String(), name) {
			return st, true
		}
	}
	return 0, false
}

// IsTerminal 判断是否为终态
func (s SigningStatus) IsTerminal() bool {
	switch s {
	case SigningStatusSubmitted, SigningStatusFailed, SigningStatusRejected, SigningStatusExpired:
		return true
	}
	return false
}

// CanTransitionTo 状态机，只允许单向流转
func (s SigningStatus) CanTransitionTo(next SigningStatus) bool {
	switch s {
	case SigningStatusPending:
		return next == SigningStatusApproved || next == SigningStatusRejected || next == SigningStatusExpired
	case SigningStatusApproved:
		return next == SigningStatusSubmitting
	case SigningStatusSubmitting:
		return next == SigningStatusSubmitted || next == SigningStatusFailed
	}
	return false
}

// NonTerminalSigningStatuses 非终态集合
var NonTerminalSigningStatuses = []SigningStatus{SigningStatusPending, SigningStatusApproved, SigningStatusSubmitting}

// SigningRequest 签名请求
type SigningRequest struct {
	ID           string        `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	SessionID    string        `gorm:"column:session_id;type:varchar(36);index;not null" json:"session_id"`
	AccountID    string        `gorm:"column:account_id;type:varchar(128);index;not null" json:"account_id"`
	Origin       string        `gorm:"column:origin;type:varchar(255);not null" json:"origin"`
	Payload      Payload       `gorm:"column:payload;type:jsonb;not null" json:"payload"`
	Status       SigningStatus `gorm:"column:status;type:smallint;index;not null" json:"status"`
	Result       string        `gorm:"column:result;type:varchar(128)" json:"result,omitempty"` // 交易 ID
	ErrorCode    string        `gorm:"column:error_code;type:varchar(64)" json:"error_code,omitempty"`
	ErrorMessage string        `gorm:"column:error_message;type:varchar(500)" json:"error_message,omitempty"`
	CreatedAt    int64         `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	DecidedAt    int64         `gorm:"column:decided_at;type:bigint" json:"decided_at"`
	SubmittedAt  int64         `gorm:"column:submitted_at;type:bigint" json:"submitted_at"`
	CompletedAt  int64         `gorm:"column:completed_at;type:bigint" json:"completed_at"`
	UpdatedAt    int64         `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (SigningRequest) TableName() string {
	return "dapp_signing_requests"
}

// IdempotencyToken 广播去重令牌，由请求 ID 派生
func (r *SigningRequest) IdempotencyToken() string {
	return "signing:" + r.ID
}

// Clone 深拷贝
func (r *SigningRequest) Clone() *SigningRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = r.Payload.Clone()
	return &c
}

// SignedTx 签名器产出的交易
type SignedTx struct {
	TxID string `json:"tx_id"`
	Raw  string `json:"raw"`
}
