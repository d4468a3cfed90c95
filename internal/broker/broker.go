// Package broker 编排 dApp 调用：权限判定、只读调用转发、签名请求入队和用户决策入口
package broker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/eidos-exchange/eidos/eidos-dapp/internal/event"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/model"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/permission"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/rpc"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/session"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/signing"
	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/logger"
)

// 限流的操作
const (
	opConnect          = "connect"
	opRequestSignature = "request_signature"
)

// ViewCaller 只读 RPC 调用
type ViewCaller interface {
	Call(ctx context.Context, method string, params []any, timeout time.Duration) (json.RawMessage, error)
}

// viewMethod 只读方法所需权限及对应的远端方法，local 表示本地直接应答。
// arity 为按地址查询的完整参数个数，调用方省略首个地址参数时补为会话账户
type viewMethod struct {
	scope     model.Scope
	rpcMethod string
	local     bool
	arity     int
}

var viewMethods = map[string]viewMethod{
	"getAccounts":                      {scope: model.ScopeViewAccounts, local: true},
	"getBalance":                       {scope: model.ScopeViewBalance, rpcMethod: "balance", arity: 1},
	"getPublicTransactionsForAddress":  {scope: model.ScopeViewBalance, rpcMethod: "getPublicTransactionsForAddress", arity: 3},
	"getPublicNFTsForAddress":          {scope: model.ScopeViewBalance, rpcMethod: "getPublicNFTsForAddress", arity: 1},
	"getPublicTokenProgramsForAddress": {scope: model.ScopeViewBalance, rpcMethod: "getPublicTokenProgramsForAddress", arity: 1},
	"getLatestHeight":                  {scope: model.ScopeCallContractView, rpcMethod: rpc.MethodLatestHeight},
	"getLatestBlock":                   {scope: model.ScopeCallContractView, rpcMethod: "latest/block"},
	"getTransaction":                   {scope: model.ScopeCallContractView, rpcMethod: rpc.MethodTransaction},
	"getProgram":                       {scope: model.ScopeCallContractView, rpcMethod: "program"},
	"getMappingValue":                  {scope: model.ScopeCallContractView, rpcMethod: "mapping/value"},
}

// Config broker 配置
type Config struct {
	DefaultAccount string
	RateLimit      float64 // 每个 origin 每秒可发起的连接/签名请求数，0 表示不限
	RateBurst      int
	LimiterIdle    time.Duration // 限流器闲置多久后在维护时回收
	ViewTimeout    time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ConnectRequest 连接请求
type ConnectRequest struct {
	Origin    string
	Name      string
	AccountID string
	Scopes    []string
}

// Broker 授权编排器
type Broker struct {
	cfg       Config
	sessions  *session.Store
	evaluator *permission.Evaluator
	queue     *signing.Queue
	gateway   ViewCaller
	events    *event.Hub

	limiterMu sync.Mutex
	limiters  map[string]*limiterEntry

	now func() time.Time
}

// NewBroker 创建 broker
func NewBroker(cfg Config, sessions *session.Store, evaluator *permission.Evaluator, queue *signing.Queue, gateway ViewCaller, events *event.Hub) *Broker {
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.LimiterIdle <= 0 {
		cfg.LimiterIdle = 10 * time.Minute
	}
	return &Broker{
		cfg:       cfg,
		sessions:  sessions,
		evaluator: evaluator,
		queue:     queue,
		gateway:   gateway,
		events:    events,
		limiters:  make(map[string]*limiterEntry),
		now:       time.Now,
	}
}

// SetClock 替换时钟，测试用
func (b *Broker) SetClock(now func() time.Time) {
	b.limiterMu.Lock()
	b.now = now
	b.limiterMu.Unlock()
}

// Connect 发起连接请求，返回会话句柄，等待用户决策
func (b *Broker) Connect(ctx context.Context, req ConnectRequest) (model.AuthorizationOutcome, error) {
	origin := normalizeOrigin(req.Origin)
	if err := b.allow(origin, opConnect); err != nil {
		return model.AuthorizationOutcome{}, err
	}

	scopes, err := model.ParseScopes(req.Scopes)
	if err != nil {
		return model.AuthorizationOutcome{}, errors.Wrap(errors.ErrInvalidRequest, err).WithMessage(err.Error())
	}
	account := req.AccountID
	if account == "" {
		account = b.cfg.DefaultAccount
	}

	s, err := b.sessions.RequestConnection(ctx, origin, req.Name, account, scopes)
	if err != nil {
		return model.AuthorizationOutcome{}, err
	}
	return sessionOutcome(s), nil
}

// RequestSignature 校验 sign_transactions 权限后创建待审批的签名请求
func (b *Broker) RequestSignature(ctx context.Context, origin, sessionID string, payload model.Payload) (model.AuthorizationOutcome, error) {
	origin = normalizeOrigin(origin)
	if err := b.allow(origin, opRequestSignature); err != nil {
		return model.AuthorizationOutcome{}, err
	}

	s, err := b.authorize(ctx, origin, sessionID, model.ScopeSignTransactions)
	if err != nil {
		return model.AuthorizationOutcome{}, err
	}

	req, err := b.queue.Enqueue(ctx, s.ID, s.AccountID, payload)
	if err != nil {
		return model.AuthorizationOutcome{}, err
	}
	return requestOutcome(req), nil
}

// CallView 只读调用，按方法表确定所需权限
func (b *Broker) CallView(ctx context.Context, origin, sessionID, method string, params []any) (json.RawMessage, error) {
	vm, ok := viewMethods[method]
	if !ok {
		return nil, errors.ErrInvalidRequest.WithMessagef("unsupported method %q", method)
	}

	s, err := b.authorize(ctx, normalizeOrigin(origin), sessionID, vm.scope)
	if err != nil {
		return nil, err
	}

	if vm.local {
		return json.Marshal([]string{s.AccountID})
	}
	if vm.arity > 0 && len(params) == vm.arity-1 {
		params = append([]any{s.AccountID}, params...)
	}
	return b.gateway.Call(ctx, vm.rpcMethod, params, b.cfg.ViewTimeout)
}

// Disconnect dApp 断开会话：待审批的取消，已授权的撤销，已终结的为空操作。
// 会话下待审批的签名请求一并拒绝，已批准的请求继续提交
func (b *Broker) Disconnect(ctx context.Context, origin, sessionID string) (model.AuthorizationOutcome, error) {
	s, err := b.ownedSession(ctx, normalizeOrigin(origin), sessionID)
	if err != nil {
		return model.AuthorizationOutcome{}, err
	}
	return b.closeSession(ctx, s)
}

// Subscribe 订阅会话或签名请求的状态事件，handle 必须属于 origin。
// 第一条事件为订阅时的当前状态；只在仓储中的记录已终结，只推送这一条
func (b *Broker) Subscribe(ctx context.Context, origin, handle string) (<-chan model.StatusEvent, func(), error) {
	origin = normalizeOrigin(origin)

	var (
		ch     <-chan model.StatusEvent
		cancel func()
	)
	subscribe := func(current model.StatusEvent) {
		ch, cancel = b.events.Subscribe(ctx, handle, current)
	}

	s, err := b.ownedSession(ctx, origin, handle)
	switch {
	case err == nil:
		err = b.sessions.Watch(ctx, handle, subscribe)
		if errors.Is(err, errors.ErrNotFound) {
			subscribe(model.SessionEvent(s, s.UpdatedAt))
			err = nil
		}
	case errors.Is(err, errors.ErrNotFound):
		req, reqErr := b.Request(ctx, origin, handle)
		if reqErr != nil {
			return nil, nil, reqErr
		}
		err = b.queue.Watch(ctx, handle, subscribe)
		if errors.Is(err, errors.ErrNotFound) {
			subscribe(model.SigningEvent(req, req.UpdatedAt))
			err = nil
		}
	}
	if err != nil {
		return nil, nil, err
	}
	return ch, cancel, nil
}

// Session 查询会话状态
func (b *Broker) Session(ctx context.Context, origin, sessionID string) (*model.Session, error) {
	return b.ownedSession(ctx, normalizeOrigin(origin), sessionID)
}

// Request 查询签名请求状态
func (b *Broker) Request(ctx context.Context, origin, requestID string) (*model.SigningRequest, error) {
	req, err := b.queue.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Origin != normalizeOrigin(origin) {
		// 不向其他 origin 暴露请求是否存在
		return nil, errors.ErrNotFound.WithMessagef("signing request %s not found", requestID)
	}
	return req, nil
}

// CancelSignature dApp 撤回待审批的签名请求
func (b *Broker) CancelSignature(ctx context.Context, origin, requestID string) (model.AuthorizationOutcome, error) {
	if _, err := b.Request(ctx, origin, requestID); err != nil {
		return model.AuthorizationOutcome{}, err
	}
	req, err := b.queue.Cancel(ctx, requestID)
	if err != nil {
		return model.AuthorizationOutcome{}, err
	}
	return requestOutcome(req), nil
}

// DecideConnection 用户对连接请求的决策，批准时未指定权限则授予全部申请的权限
func (b *Broker) DecideConnection(ctx context.Context, sessionID string, approve bool, scopes []string) (model.AuthorizationOutcome, error) {
	var granted model.ScopeSet
	if approve {
		parsed, err := model.ParseScopes(scopes)
		if err != nil {
			return model.AuthorizationOutcome{}, errors.Wrap(errors.ErrInvalidRequest, err).WithMessage(err.Error())
		}
		granted = parsed
		if len(granted) == 0 {
			s, err := b.sessions.Get(ctx, sessionID)
			if err != nil {
				return model.AuthorizationOutcome{}, err
			}
			granted = s.RequestedScopes
		}
	}

	s, err := b.sessions.Decide(ctx, sessionID, approve, granted)
	if err != nil {
		return model.AuthorizationOutcome{}, err
	}
	return sessionOutcome(s), nil
}

// DecideSigning 用户对签名请求的决策
func (b *Broker) DecideSigning(ctx context.Context, requestID string, approve bool) (model.AuthorizationOutcome, error) {
	req, err := b.queue.Decide(ctx, requestID, approve)
	if err != nil {
		return model.AuthorizationOutcome{}, err
	}
	return requestOutcome(req), nil
}

// Maintain 执行一次过期清理并回收闲置的限流器
func (b *Broker) Maintain(ctx context.Context) (sessions, requests int) {
	sessions, requests = b.sessions.SweepExpired(ctx), b.queue.ExpireStale(ctx)
	if n := b.evictIdleLimiters(); n > 0 {
		logger.Debug("idle rate limiters evicted", zap.Int("count", n))
	}
	return sessions, requests
}

// Sessions 列出会话，status 为空时返回全部
func (b *Broker) Sessions(ctx context.Context, status string) ([]*model.Session, error) {
	if status == "" {
		return b.sessions.List(ctx, nil), nil
	}
	st, ok := model.ParseSessionStatus(status)
	if !ok {
		return nil, errors.ErrInvalidRequest.WithMessagef("unknown session status %q", status)
	}
	return b.sessions.List(ctx, &st), nil
}

// SessionByID 按 ID 查询会话，不校验 origin
func (b *Broker) SessionByID(ctx context.Context, sessionID string) (*model.Session, error) {
	return b.sessions.Get(ctx, sessionID)
}

// SessionHistory 分页查询 origin 的历史会话
func (b *Broker) SessionHistory(ctx context.Context, origin string, page *repository.Pagination) ([]*model.Session, error) {
	origin = normalizeOrigin(origin)
	if origin == "" {
		return nil, errors.ErrInvalidRequest.WithMessage("origin is required")
	}
	return b.sessions.History(ctx, origin, page)
}

// RevokeSession 用户主动断开会话，规则与 dApp 断开相同
func (b *Broker) RevokeSession(ctx context.Context, sessionID string) (model.AuthorizationOutcome, error) {
	s, err := b.sessions.Get(ctx, sessionID)
	if err != nil {
		return model.AuthorizationOutcome{}, err
	}
	return b.closeSession(ctx, s)
}

// NarrowSession 收窄已授权会话的权限
func (b *Broker) NarrowSession(ctx context.Context, sessionID string, scopes []string) (model.AuthorizationOutcome, error) {
	parsed, err := model.ParseScopes(scopes)
	if err != nil {
		return model.AuthorizationOutcome{}, errors.Wrap(errors.ErrInvalidRequest, err).WithMessage(err.Error())
	}
	s, err := b.sessions.NarrowScopes(ctx, sessionID, parsed)
	if err != nil {
		return model.AuthorizationOutcome{}, err
	}
	if !s.GrantedScopes.Contains(model.ScopeSignTransactions) {
		if n := b.queue.CancelBySession(ctx, sessionID); n > 0 {
			logger.Info("pending signing requests cancelled after scope narrowed",
				zap.String("session_id", sessionID),
				zap.Int("count", n))
		}
	}
	out := sessionOutcome(s)
	out.Detail = strings.Join(s.GrantedScopes.Strings(), ",")
	return out, nil
}

// Requests 列出签名请求，status 为空时返回全部
func (b *Broker) Requests(ctx context.Context, status string) ([]*model.SigningRequest, error) {
	if status == "" {
		return b.queue.List(ctx, nil), nil
	}
	st, ok := model.ParseSigningStatus(status)
	if !ok {
		return nil, errors.ErrInvalidRequest.WithMessagef("unknown signing status %q", status)
	}
	return b.queue.List(ctx, &st), nil
}

// RequestByID 按 ID 查询签名请求，不校验 origin
func (b *Broker) RequestByID(ctx context.Context, requestID string) (*model.SigningRequest, error) {
	return b.queue.Get(ctx, requestID)
}

// RequestHistory 分页查询会话下的签名请求
func (b *Broker) RequestHistory(ctx context.Context, sessionID string, page *repository.Pagination) ([]*model.SigningRequest, error) {
	return b.queue.History(ctx, sessionID, page)
}

// Lane 账户提交队列状态
func (b *Broker) Lane(accountID string) signing.Lane {
	return b.queue.Lane(accountID)
}

// WatchAll 订阅全部状态事件，供用户决策界面发现待审批请求
func (b *Broker) WatchAll(ctx context.Context) (<-chan model.StatusEvent, func()) {
	return b.events.Subscribe(ctx, event.AllEvents)
}

// closeSession 待审批的取消，已授权的撤销，已终结的为空操作；会话下待审批的签名请求一并拒绝
func (b *Broker) closeSession(ctx context.Context, s *model.Session) (model.AuthorizationOutcome, error) {
	var err error
	switch s.Status {
	case model.SessionStatusPending:
		s, err = b.sessions.Cancel(ctx, s.ID)
	case model.SessionStatusActive:
		s, err = b.sessions.Revoke(ctx, s.ID)
	}
	if err != nil {
		return model.AuthorizationOutcome{}, err
	}

	if n := b.queue.CancelBySession(ctx, s.ID); n > 0 {
		logger.Info("pending signing requests cancelled on disconnect",
			zap.String("session_id", s.ID),
			zap.Int("count", n))
	}
	return sessionOutcome(s), nil
}

// authorize 会话必须属于 origin，且是该 (origin, account) 当前有效的会话
func (b *Broker) authorize(ctx context.Context, origin, sessionID string, scope model.Scope) (*model.Session, error) {
	s, err := b.ownedSession(ctx, origin, sessionID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.ErrNoActiveSession.WithDetail("session_id", sessionID)
		}
		return nil, err
	}

	v := b.evaluator.Authorize(ctx, origin, s.AccountID, scope)
	if err := v.Err(); err != nil {
		return nil, err
	}
	if v.SessionID != s.ID {
		return nil, errors.ErrNoActiveSession.WithDetail("session_id", sessionID)
	}
	return s, nil
}

func (b *Broker) ownedSession(ctx context.Context, origin, sessionID string) (*model.Session, error) {
	s, err := b.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Origin != origin {
		logger.Warn("origin mismatch",
			zap.String("session_id", sessionID),
			zap.String("origin", origin))
		return nil, errors.ErrOriginMismatch.WithDetail("session_id", sessionID)
	}
	return s, nil
}

// allow 按 origin 和操作限流
func (b *Broker) allow(origin, op string) error {
	if b.cfg.RateLimit <= 0 {
		return nil
	}
	key := op + "|" + origin

	b.limiterMu.Lock()
	entry, ok := b.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(b.cfg.RateLimit), b.cfg.RateBurst)}
		b.limiters[key] = entry
	}
	now := b.now()
	entry.lastSeen = now
	allowed := entry.limiter.AllowN(now, 1)
	b.limiterMu.Unlock()

	if !allowed {
		metrics.RateLimitedTotal.WithLabelValues(op).Inc()
		return errors.ErrRateLimited.WithDetail("origin", origin)
	}
	return nil
}

// evictIdleLimiters 回收闲置超过 LimiterIdle 的限流器，回收后令牌桶重新以满额开始
func (b *Broker) evictIdleLimiters() int {
	b.limiterMu.Lock()
	defer b.limiterMu.Unlock()

	cutoff := b.now().Add(-b.cfg.LimiterIdle)
	evicted := 0
	for key, entry := range b.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(b.limiters, key)
			evicted++
		}
	}
	return evicted
}

func normalizeOrigin(origin string) string {
	return strings.TrimRight(strings.TrimSpace(origin), "/")
}

func sessionOutcome(s *model.Session) model.AuthorizationOutcome {
	return model.AuthorizationOutcome{
		RequestID: s.ID,
		Status:    s.Status.String(),
		Detail:    s.Reason,
	}
}

func requestOutcome(r *model.SigningRequest) model.AuthorizationOutcome {
	detail := r.Result
	if r.ErrorMessage != "" {
		detail = r.ErrorMessage
	}
	return model.AuthorizationOutcome{
		RequestID: r.ID,
		Status:    r.Status.String(),
		Detail:    detail,
	}
}
