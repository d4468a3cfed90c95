// Package metrics 提供 eidos-dapp 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/eidos-exchange/eidos/eidos-dapp/internal/model"
)

const namespace = "eidos_dapp"

// RPC 指标
var (
	// RPCCallsTotal RPC 调用总数
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "RPC 调用总数",
		},
		[]string{"method", "result"}, // result: ok/timeout/transport/remote/no_endpoint
	)

	// RPCCallDuration 单次 RPC 尝试耗时
	RPCCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_call_duration_seconds",
			Help:      "单次 RPC 尝试耗时(秒)",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"method"},
	)

	// RPCRetriesTotal 网关重试次数
	RPCRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_retries_total",
			Help:      "网关重试次数",
		},
		[]string{"method"},
	)

	// SubmitDedupTotal 广播去重命中次数
	SubmitDedupTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submit_dedup_total",
			Help:      "重复提交被幂等令牌拦截的次数",
		},
		[]string{"source"}, // cache/lookup
	)

	// EndpointHealth 节点健康状态
	EndpointHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoint_health",
			Help:      "节点健康状态 (0=unknown, 1=healthy, 2=unhealthy)",
		},
		[]string{"url"},
	)
)

// 授权指标
var (
	// SessionTransitionsTotal 会话状态流转次数
	SessionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "会话状态流转次数",
		},
		[]string{"status"},
	)

	// SigningTransitionsTotal 签名请求状态流转次数
	SigningTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signing_transitions_total",
			Help:      "签名请求状态流转次数",
		},
		[]string{"status"},
	)

	// AuthorizationVerdictsTotal 授权判定次数
	AuthorizationVerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_verdicts_total",
			Help:      "授权判定次数",
		},
		[]string{"scope", "reason"}, // reason 为空表示放行
	)

	// InvariantViolationsTotal 终态记录被再次流转的次数
	InvariantViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "非法状态流转被拒绝的次数",
		},
		[]string{"record"},
	)

	// SubmissionDuration 签名到广播完成耗时
	SubmissionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submission_duration_seconds",
			Help:      "签名并广播耗时(秒)",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)
)

// 事件指标
var (
	// EventsPublishedTotal 发布事件数
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "发布的状态事件数",
		},
		[]string{"kind"},
	)

	// EventsDroppedTotal 慢订阅者被丢弃的事件数
	EventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "慢订阅者缓冲区满时丢弃的事件数",
		},
	)

	// SubscribersGauge 当前订阅者数量
	SubscribersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "当前订阅者数量",
		},
	)

	// KafkaMessagesTotal 导出到 Kafka 的消息数
	KafkaMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_total",
			Help:      "导出到 Kafka 的消息数",
		},
		[]string{"topic", "status"},
	)

	// RateLimitedTotal 被限流的请求数
	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "被限流的请求数",
		},
		[]string{"operation"},
	)
)

// 调度指标
var (
	// JobExecutionsTotal 周期任务执行次数
	JobExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_executions_total",
			Help:      "周期任务执行次数",
		},
		[]string{"job", "status"}, // status: success/failed/skipped
	)

	// JobDuration 周期任务耗时
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "周期任务耗时(秒)",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"job"},
	)
)

// ObserveEndpoint 记录节点健康状态
func ObserveEndpoint(ep model.Endpoint) {
	EndpointHealth.WithLabelValues(ep.URL).Set(float64(ep.Health))
}

// ForgetEndpoint 删除已移除节点的指标
func ForgetEndpoint(ep model.Endpoint) {
	EndpointHealth.DeleteLabelValues(ep.URL)
}
