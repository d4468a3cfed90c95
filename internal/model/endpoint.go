package model

// EndpointHealth 节点健康状态
type EndpointHealth int8

const (
	EndpointHealthUnknown   EndpointHealth = 0 // 未探测或冷却结束待重试
	EndpointHealthHealthy   EndpointHealth = 1 // 健康
	EndpointHealthUnhealthy EndpointHealth = 2 // 连续失败，冷却中
)

func (h EndpointHealth) String() string {
	switch h {
	case EndpointHealthUnknown:
		return "UNKNOWN"
	case EndpointHealthHealthy:
		return "HEALTHY"
	case EndpointHealthUnhealthy:
		return "UNHEALTHY"
	default:
		return "INVALID"
	}
}

// Endpoint RPC 节点
type Endpoint struct {
	ID                  string         `json:"id"`
	URL                 string         `json:"url"`
	Priority            int            `json:"priority"` // 越小越优先
	Health              EndpointHealth `json:"health"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	CooldownLevel       int            `json:"cooldown_level"`
	RetryAt             int64          `json:"retry_at"` // 冷却结束时间 (毫秒)
	LastCheckedAt       int64          `json:"last_checked_at"`
}
