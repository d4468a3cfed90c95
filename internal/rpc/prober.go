package rpc

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-dapp/internal/model"
	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/logger"
)

// ProbeTarget 探活需要的节点池能力
type ProbeTarget interface {
	ProbeCandidates() []model.Endpoint
	ReportOutcome(endpointID string, success bool)
}

// Prober 探测节点，使恢复的节点无需等待业务流量即可回到健康状态，由调度器周期触发
type Prober struct {
	pool      ProbeTarget
	transport Transport
	method    string
	timeout   time.Duration
}

// NewProber 创建探活器
func NewProber(pool ProbeTarget, transport Transport, method string, timeout time.Duration) *Prober {
	if method == "" {
		method = MethodLatestHeight
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		pool:      pool,
		transport: transport,
		method:    method,
		timeout:   timeout,
	}
}

// ProbeOnce 探测所有不在冷却期的节点，返回成功数量
func (p *Prober) ProbeOnce(ctx context.Context) int {
	healthy := 0
	for _, ep := range p.pool.ProbeCandidates() {
		if ctx.Err() != nil {
			return healthy
		}

		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		_, err := p.transport.Call(callCtx, ep.URL, p.method, nil)
		cancel()

		// 远端错误说明节点在线
		var remote *RemoteError
		ok := err == nil || errors.As(err, &remote)
		if ctx.Err() != nil {
			return healthy
		}
		p.pool.ReportOutcome(ep.ID, ok)
		if ok {
			healthy++
			continue
		}
		logger.Debug("endpoint probe failed",
			zap.String("endpoint_id", ep.ID),
			zap.String("url", ep.URL),
			zap.Error(err))
	}
	return healthy
}
