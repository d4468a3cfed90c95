package model

// EventKind 事件来源
type EventKind string

const (
	EventKindConnection EventKind = "connection"
	EventKindSigning    EventKind = "signing"
)

// StatusEvent 状态变更通知，推送给订阅者并导出到 Kafka
type StatusEvent struct {
	Kind      EventKind `json:"kind"`
	Handle    string    `json:"handle"`     // 会话 ID 或签名请求 ID
	SessionID string    `json:"session_id"` // 签名事件同时投递给所属会话的订阅者
	Origin    string    `json:"origin"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// SessionEvent 由会话生成事件
func SessionEvent(s *Session, nowMs int64) StatusEvent {
	return StatusEvent{
		Kind:      EventKindConnection,
		Handle:    s.ID,
		SessionID: s.ID,
		Origin:    s.Origin,
		Status:    s.Status.String(),
		Detail:    s.Reason,
		Timestamp: nowMs,
	}
}

// SigningEvent 由签名请求生成事件
func SigningEvent(r *SigningRequest, nowMs int64) StatusEvent {
	detail := r.Result
	if r.ErrorMessage != "" {
		detail = r.ErrorMessage
	}
	return StatusEvent{
		Kind:      EventKindSigning,
		Handle:    r.ID,
		SessionID: r.SessionID,
		Origin:    r.Origin,
		Status:    r.Status.String(),
		Detail:    detail,
		Timestamp: nowMs,
	}
}

// AuthorizationOutcome 返回给 dApp 的结果，不包含任何密钥材料
type AuthorizationOutcome struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}
