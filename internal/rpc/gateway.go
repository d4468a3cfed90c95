package rpc

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-dapp/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/model"
	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/logger"
)

// 远端方法名
const (
	MethodLatestHeight = "latest/height"
	MethodTransaction  = "transaction"
	MethodBroadcast    = "transaction/broadcast"
)

// EndpointSelector 节点选择与结果上报
type EndpointSelector interface {
	SelectActive() (*model.Endpoint, error)
	ReportOutcome(endpointID string, success bool)
}

// GatewayConfig 网关配置
type GatewayConfig struct {
	MaxRetries     int
	DefaultTimeout time.Duration
}

// Gateway RPC 网关
type Gateway struct {
	pool       EndpointSelector
	transport  Transport
	store      IdempotencyStore
	maxRetries int
	timeout    time.Duration
}

// NewGateway 创建网关
func NewGateway(pool EndpointSelector, transport Transport, store IdempotencyStore, cfg GatewayConfig) *Gateway {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if store == nil {
		store = NewMemoryIdempotencyStore()
	}
	return &Gateway{
		pool:       pool,
		transport:  transport,
		store:      store,
		maxRetries: cfg.MaxRetries,
		timeout:    cfg.DefaultTimeout,
	}
}

// Call 只读调用，连接类失败换节点重试，远端错误立即返回
func (g *Gateway) Call(ctx context.Context, method string, params []any, timeout time.Duration) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.RPCRetriesTotal.WithLabelValues(method).Inc()
		}
		raw, err := g.attempt(ctx, method, params, timeout)
		if err == nil {
			return raw, nil
		}
		if !errors.IsRetryable(err) || errors.Is(err, errors.ErrNoHealthyEndpoint) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Submit 广播已签名交易。同一令牌只会广播成功一次：
// 令牌已完成时直接返回记录的交易 ID；重试或恢复前先按交易 ID 查询，已上链视为成功
func (g *Gateway) Submit(ctx context.Context, token string, tx *model.SignedTx) (string, error) {
	if tx == nil || tx.Raw == "" {
		return "", errors.ErrInvalidRequest.WithMessage("signed transaction is empty")
	}

	rec, created, err := g.store.Reserve(ctx, token, tx.TxID)
	if err != nil {
		return "", errors.Wrapf(errors.ErrInternal, err, "reserve idempotency token %s", token)
	}
	if !created && rec.Done {
		metrics.SubmitDedupTotal.WithLabelValues("cache").Inc()
		logger.Info("submission already completed",
			zap.String("token", token),
			zap.String("tx_id", rec.TxID))
		return rec.TxID, nil
	}

	// 恢复的提交：先确认之前的交易是否已上链
	if !created {
		if txID, ok := g.alreadyKnown(ctx, token, rec.TxID); ok {
			return txID, nil
		}
		if rec.TxID != tx.TxID {
			if err := g.store.Retarget(ctx, token, tx.TxID); err != nil {
				return "", errors.Wrapf(errors.ErrInternal, err, "retarget idempotency token %s", token)
			}
		}
	}

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.RPCRetriesTotal.WithLabelValues(MethodBroadcast).Inc()
			if txID, ok := g.alreadyKnown(ctx, token, tx.TxID); ok {
				return txID, nil
			}
		}

		raw, err := g.attempt(ctx, MethodBroadcast, []any{tx.Raw}, g.timeout)
		if err == nil {
			txID := decodeTxID(raw, tx.TxID)
			if err := g.store.Complete(ctx, token, txID); err != nil {
				logger.Error("failed to record completed submission",
					zap.String("token", token),
					zap.String("tx_id", txID),
					zap.Error(err))
			}
			return txID, nil
		}

		if errors.KindOf(err) == errors.KindRemote {
			if relErr := g.store.Release(ctx, token); relErr != nil {
				logger.Warn("failed to release idempotency token", zap.String("token", token), zap.Error(relErr))
			}
			return "", err
		}
		if errors.Is(err, errors.ErrNoHealthyEndpoint) || ctx.Err() != nil {
			return "", err
		}
		lastErr = err
	}

	// 结果未知，保留 pending 记录供下次提交时查询
	return "", lastErr
}

// alreadyKnown 按交易 ID 查询，已上链则标记完成
func (g *Gateway) alreadyKnown(ctx context.Context, token, txID string) (string, bool) {
	if txID == "" {
		return "", false
	}
	raw, err := g.attempt(ctx, MethodTransaction, []any{txID}, g.timeout)
	if err != nil || isNull(raw) {
		return "", false
	}

	metrics.SubmitDedupTotal.WithLabelValues("lookup").Inc()
	logger.Info("transaction already known, skipping broadcast",
		zap.String("token", token),
		zap.String("tx_id", txID))
	if err := g.store.Complete(ctx, token, txID); err != nil {
		logger.Warn("failed to record completed submission", zap.String("token", token), zap.Error(err))
	}
	return txID, true
}

// attempt 选择节点执行一次调用并上报结果
func (g *Gateway) attempt(ctx context.Context, method string, params []any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = g.timeout
	}

	ep, err := g.pool.SelectActive()
	if err != nil {
		metrics.RPCCallsTotal.WithLabelValues(method, "no_endpoint").Inc()
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	raw, err := g.transport.Call(callCtx, ep.URL, method, params)
	metrics.RPCCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	if err == nil {
		g.pool.ReportOutcome(ep.ID, true)
		metrics.RPCCallsTotal.WithLabelValues(method, "ok").Inc()
		return raw, nil
	}

	var remote *RemoteError
	if errors.As(err, &remote) {
		// 节点正常响应，只是请求本身被拒绝
		g.pool.ReportOutcome(ep.ID, true)
		metrics.RPCCallsTotal.WithLabelValues(method, "remote").Inc()
		return nil, errors.Wrap(errors.ErrRemote, remote).
			WithMessage(remote.Message).
			WithDetail("remote_code", strconv.Itoa(remote.Code))
	}

	// 调用方取消不归咎于节点
	if ctx.Err() != nil {
		metrics.RPCCallsTotal.WithLabelValues(method, "cancelled").Inc()
		return nil, errors.Wrap(errors.ErrRPCTimeout, ctx.Err())
	}

	g.pool.ReportOutcome(ep.ID, false)
	classified := classify(err, callCtx)
	if errors.Is(classified, errors.ErrRPCTimeout) {
		metrics.RPCCallsTotal.WithLabelValues(method, "timeout").Inc()
	} else {
		metrics.RPCCallsTotal.WithLabelValues(method, "transport").Inc()
	}

	logger.Warn("rpc call failed",
		zap.String("method", method),
		zap.String("endpoint_id", ep.ID),
		zap.String("url", ep.URL),
		zap.Error(err))
	return nil, classified.WithDetail("endpoint", ep.URL)
}

func classify(err error, callCtx context.Context) *errors.Error {
	if callCtx.Err() == context.DeadlineExceeded {
		return errors.Wrap(errors.ErrRPCTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(errors.ErrRPCTimeout, err)
	}
	return errors.Wrap(errors.ErrRPCTransport, err)
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// decodeTxID 广播返回交易 ID 字符串，无法解析时沿用签名器给出的 ID
func decodeTxID(raw json.RawMessage, fallback string) string {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil && id != "" {
		return id
	}
	return fallback
}
