// Package signing 管理签名请求的审批与按账户串行提交
//
// 状态流转:
//
//	Pending -> Approved -> Submitting -> Submitted | Failed
//	Pending -> Rejected | Expired
//
// 同一账户任意时刻最多一个 Submitting 请求，其余 Approved 请求按批准顺序排队；
// 不同账户互不阻塞
package signing

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-dapp/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/model"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/logger"
)

// 拒绝原因
const (
	ReasonRejected         = "rejected by user"
	ReasonCancelled        = "cancelled"
	ReasonSessionClosed    = "session disconnected"
	ReasonSessionNotActive = "session no longer active"
	ReasonExpired          = "approval timed out"
)

const maxErrorMessageLen = 500

// Signer 签名能力，密钥不离开签名器
type Signer interface {
	Sign(ctx context.Context, accountID string, req *model.SigningRequest) (*model.SignedTx, error)
}

// Submitter 广播已签名交易，token 用于去重
type Submitter interface {
	Submit(ctx context.Context, token string, tx *model.SignedTx) (string, error)
}

// SessionChecker 查询所属会话状态
type SessionChecker interface {
	Get(ctx context.Context, sessionID string) (*model.Session, error)
}

// Publisher 状态事件发布
type Publisher interface {
	Publish(event model.StatusEvent)
}

// Config 队列配置
type Config struct {
	RequestTTL    time.Duration // 待审批请求有效期
	SubmitTimeout time.Duration // 单次签名加广播的时限
}

// outcome 已完成但尚未落库的提交结果，由 ExpireStale 重试
type outcome struct {
	txID string
	err  error
}

// Queue 签名请求队列
type Queue struct {
	cfg       Config
	repo      repository.SigningRepository
	sessions  SessionChecker
	signer    Signer
	submitter Submitter
	publisher Publisher

	mu        sync.Mutex
	requests  map[string]*model.SigningRequest
	lanes     map[string][]string // account -> 按批准顺序排队的请求
	inFlight  map[string]string   // account -> Submitting 请求
	unsettled map[string]outcome
	closed    bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// NewQueue 创建队列，repo 为 nil 时仅保存在内存
func NewQueue(cfg Config, repo repository.SigningRepository, sessions SessionChecker, signer Signer, submitter Submitter, publisher Publisher) *Queue {
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = 2 * time.Minute
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:       cfg,
		repo:      repo,
		sessions:  sessions,
		signer:    signer,
		submitter: submitter,
		publisher: publisher,
		requests:  make(map[string]*model.SigningRequest),
		lanes:     make(map[string][]string),
		inFlight:  make(map[string]string),
		unsettled: make(map[string]outcome),
		baseCtx:   ctx,
		cancel:    cancel,
		now:       time.Now,
	}
}

// SetClock 替换时钟，测试用
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// Enqueue 创建待审批请求，会话必须处于 Active
func (q *Queue) Enqueue(ctx context.Context, sessionID, accountID string, payload model.Payload) (*model.SigningRequest, error) {
	if err := payload.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidRequest, err).WithMessage(err.Error())
	}

	// 会话检查和入队在同一把锁内，断开会话时的 CancelBySession 一定能看到本请求
	q.mu.Lock()
	defer q.mu.Unlock()

	s, err := q.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.ErrSessionNotActive.WithDetail("session_id", sessionID)
		}
		return nil, err
	}
	if s.Status != model.SessionStatusActive {
		return nil, errors.ErrSessionNotActive.
			WithDetail("session_id", sessionID).
			WithDetail("status", s.Status.String())
	}
	if accountID == "" {
		accountID = s.AccountID
	}
	if accountID != s.AccountID {
		return nil, errors.ErrInvalidRequest.WithMessage("account does not belong to session")
	}

	now := q.now().UnixMilli()
	req := &model.SigningRequest{
		ID:        uuid.New().String(),
		SessionID: s.ID,
		AccountID: accountID,
		Origin:    s.Origin,
		Payload:   payload.Clone(),
		Status:    model.SigningStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if q.repo != nil {
		if err := q.repo.Create(ctx, req); err != nil {
			logger.Error("failed to persist signing request",
				zap.String("session_id", s.ID),
				zap.Error(err))
			return nil, errors.Wrap(errors.ErrInternal, err)
		}
	}

	q.requests[req.ID] = req
	q.emit(req, now)

	logger.Info("signing request queued",
		zap.String("request_id", req.ID),
		zap.String("session_id", req.SessionID),
		zap.String("account_id", accountID),
		zap.String("amount", payload.TotalAmount().String()))
	return req.Clone(), nil
}

// Decide 用户审批。批准时重新确认会话仍为 Active，否则转为 Rejected
func (q *Queue) Decide(ctx context.Context, requestID string, approve bool) (*model.SigningRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, err := q.getLocked(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if cur.Status == model.SigningStatusExpired {
		return cur.Clone(), errors.ErrRequestDone.WithDetail("request_id", requestID)
	}

	now := q.now().UnixMilli()
	next := cur.Clone()
	next.DecidedAt = now
	next.UpdatedAt = now

	switch {
	case !approve:
		next.Status = model.SigningStatusRejected
		next.ErrorMessage = ReasonRejected
	case !q.sessionActive(ctx, cur.SessionID):
		next.Status = model.SigningStatusRejected
		next.ErrorCode = errors.ErrSessionNotActive.Code
		next.ErrorMessage = ReasonSessionNotActive
	default:
		next.Status = model.SigningStatusApproved
	}

	if err := q.commitLocked(ctx, cur, next); err != nil {
		return nil, err
	}
	// 返回决策结果本身，派发会继续推进状态
	decided := cur.Clone()
	if cur.Status == model.SigningStatusApproved {
		q.lanes[cur.AccountID] = append(q.lanes[cur.AccountID], cur.ID)
		q.dispatchLocked(ctx, cur.AccountID)
	}
	return decided, nil
}

// Cancel 取消待审批请求；已终结为空操作，已批准的请求不可取消
func (q *Queue) Cancel(ctx context.Context, requestID string) (*model.SigningRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, err := q.getLocked(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if cur.Status.IsTerminal() {
		return cur.Clone(), nil
	}
	if cur.Status != model.SigningStatusPending {
		return nil, errors.ErrNotCancellable.
			WithDetail("request_id", requestID).
			WithDetail("status", cur.Status.String())
	}
	if err := q.rejectLocked(ctx, cur, ReasonCancelled); err != nil {
		return nil, err
	}
	return cur.Clone(), nil
}

// CancelBySession 会话断开时拒绝其全部待审批请求，已批准的请求继续提交
func (q *Queue) CancelBySession(ctx context.Context, sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cancelled := 0
	for _, req := range q.sortedLocked() {
		if req.SessionID != sessionID || req.Status != model.SigningStatusPending {
			continue
		}
		if err := q.rejectLocked(ctx, req, ReasonSessionClosed); err != nil {
			logger.Warn("failed to cancel signing request",
				zap.String("request_id", req.ID),
				zap.Error(err))
			continue
		}
		cancelled++
	}
	return cancelled
}

// ExpireStale 将超时未审批的请求转为 Expired，并重试未落库的提交结果，重复执行结果不变
func (q *Queue) ExpireStale(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, out := range q.unsettled {
		if req, ok := q.requests[id]; ok {
			q.settleLocked(ctx, req, out)
		}
	}

	expired := 0
	for _, req := range q.sortedLocked() {
		if req.Status != model.SigningStatusPending {
			continue
		}
		if err := q.expireIfDueLocked(ctx, req); err != nil {
			logger.Warn("failed to expire signing request", zap.String("request_id", req.ID), zap.Error(err))
			continue
		}
		if req.Status == model.SigningStatusExpired {
			expired++
		}
	}

	for account := range q.lanes {
		q.dispatchLocked(ctx, account)
	}
	if expired > 0 {
		logger.Info("stale signing requests expired", zap.Int("count", expired))
	}
	return expired
}

// Get 按 ID 查询，读取时检查审批超时；重启前已终结的请求从仓储读取
func (q *Queue) Get(ctx context.Context, requestID string) (*model.SigningRequest, error) {
	q.mu.Lock()
	cur, err := q.getLocked(ctx, requestID)
	if err == nil {
		cur = cur.Clone()
	}
	q.mu.Unlock()
	if err == nil {
		return cur, nil
	}

	if q.repo == nil || !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}
	req, repoErr := q.repo.GetByID(ctx, requestID)
	if repoErr != nil {
		if stderrors.Is(repoErr, repository.ErrRecordNotFound) {
			return nil, err
		}
		return nil, errors.Wrapf(errors.ErrInternal, repoErr, "get signing request %s", requestID)
	}
	return req, nil
}

// Watch 在队列锁内以当前状态调用 subscribe，订阅与状态变更不会交错
func (q *Queue) Watch(ctx context.Context, requestID string, subscribe func(current model.StatusEvent)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, err := q.getLocked(ctx, requestID)
	if err != nil {
		return err
	}
	subscribe(model.SigningEvent(cur, cur.UpdatedAt))
	return nil
}

// List 返回内存中的请求，status 为 nil 时返回全部，按创建时间排序
func (q *Queue) List(ctx context.Context, status *model.SigningStatus) []*model.SigningRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*model.SigningRequest
	for _, req := range q.sortedLocked() {
		if err := q.expireIfDueLocked(ctx, req); err != nil {
			logger.Warn("failed to expire signing request", zap.String("request_id", req.ID), zap.Error(err))
		}
		if status != nil && req.Status != *status {
			continue
		}
		out = append(out, req.Clone())
	}
	return out
}

// ListBySession 返回会话下的请求，按创建时间排序
func (q *Queue) ListBySession(sessionID string) []*model.SigningRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*model.SigningRequest
	for _, req := range q.sortedLocked() {
		if req.SessionID == sessionID {
			out = append(out, req.Clone())
		}
	}
	return out
}

// History 分页查询会话下的请求，包括已终结的记录；未配置仓储时查询内存
func (q *Queue) History(ctx context.Context, sessionID string, page *repository.Pagination) ([]*model.SigningRequest, error) {
	if q.repo != nil {
		reqs, err := q.repo.ListBySession(ctx, sessionID, page)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrInternal, err, "list signing requests of %s", sessionID)
		}
		return reqs, nil
	}

	reqs := q.ListBySession(sessionID)
	// 与仓储一致，按创建时间倒序
	for i, j := 0, len(reqs)-1; i < j; i, j = i+1, j-1 {
		reqs[i], reqs[j] = reqs[j], reqs[i]
	}
	return repository.Paginate(reqs, page), nil
}

// Lane 账户提交队列的状态
type Lane struct {
	AccountID string   `json:"account_id"`
	InFlight  string   `json:"in_flight,omitempty"` // 正在提交的请求
	Queued    []string `json:"queued"`              // 已批准、等待提交的请求
}

// Lane 返回账户的提交队列状态
func (q *Queue) Lane(accountID string) Lane {
	q.mu.Lock()
	defer q.mu.Unlock()

	lane := Lane{AccountID: accountID, InFlight: q.inFlight[accountID], Queued: []string{}}
	for _, id := range q.lanes[accountID] {
		if req, ok := q.requests[id]; ok && req.Status == model.SigningStatusApproved {
			lane.Queued = append(lane.Queued, id)
		}
	}
	return lane
}

// Load 启动时恢复未终结请求；Submitting 的请求使用相同令牌重新进入网关
func (q *Queue) Load(ctx context.Context) (int, error) {
	if q.repo == nil {
		return 0, nil
	}
	requests, err := q.repo.ListNonTerminal(ctx)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrInternal, err, "load signing requests")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, req := range requests {
		q.requests[req.ID] = req
	}
	var approved []*model.SigningRequest
	resumed := 0
	for _, req := range q.sortedLocked() {
		switch req.Status {
		case model.SigningStatusApproved:
			approved = append(approved, req)
		case model.SigningStatusSubmitting:
			if other, busy := q.inFlight[req.AccountID]; busy {
				logger.Error("multiple submitting requests for account",
					zap.String("account_id", req.AccountID),
					zap.String("request_id", req.ID),
					zap.String("in_flight", other))
			}
			q.inFlight[req.AccountID] = req.ID
			q.launchLocked(req)
			resumed++
		}
	}
	// 账户队列按批准顺序恢复
	sort.SliceStable(approved, func(i, j int) bool { return approved[i].DecidedAt < approved[j].DecidedAt })
	for _, req := range approved {
		q.lanes[req.AccountID] = append(q.lanes[req.AccountID], req.ID)
	}
	for account := range q.lanes {
		q.dispatchLocked(ctx, account)
	}

	logger.Info("signing requests restored",
		zap.Int("count", len(requests)),
		zap.Int("resumed", resumed))
	return len(requests), nil
}

// Close 停止派发并等待进行中的提交；ctx 到期后取消提交，未完成的请求保持 Submitting 以便重启后恢复
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

// dispatchLocked 账户空闲时取出队首的 Approved 请求开始提交
func (q *Queue) dispatchLocked(ctx context.Context, account string) {
	if q.closed {
		return
	}
	if _, busy := q.inFlight[account]; busy {
		return
	}

	lane := q.lanes[account]
	for len(lane) > 0 {
		req, ok := q.requests[lane[0]]
		if !ok || req.Status != model.SigningStatusApproved {
			lane = lane[1:]
			continue
		}

		now := q.now().UnixMilli()
		next := req.Clone()
		next.Status = model.SigningStatusSubmitting
		next.SubmittedAt = now
		next.UpdatedAt = now
		if err := q.commitLocked(ctx, req, next); err != nil {
			// 保持在队首，下次维护时重试
			break
		}
		lane = lane[1:]
		q.inFlight[account] = req.ID
		q.launchLocked(req)
		break
	}

	if len(lane) == 0 {
		delete(q.lanes, account)
	} else {
		q.lanes[account] = lane
	}
}

func (q *Queue) launchLocked(req *model.SigningRequest) {
	snapshot := req.Clone()
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.submit(snapshot)
	}()
}

// submit 签名并广播，受 SubmitTimeout 约束
func (q *Queue) submit(req *model.SigningRequest) {
	ctx, cancel := context.WithTimeout(q.baseCtx, q.cfg.SubmitTimeout)
	defer cancel()
	ctx = logger.NewContext(ctx,
		zap.String("request_id", req.ID),
		zap.String("account_id", req.AccountID))

	start := time.Now()
	var out outcome
	signed, err := q.signer.Sign(ctx, req.AccountID, req)
	if err != nil {
		out.err = errors.Wrap(errors.ErrSigner, err).WithMessage(err.Error())
	} else {
		out.txID, out.err = q.submitter.Submit(ctx, req.IdempotencyToken(), signed)
	}
	metrics.SubmissionDuration.Observe(time.Since(start).Seconds())

	if out.err != nil && q.baseCtx.Err() != nil {
		logger.WithContext(ctx).Warn("submission interrupted by shutdown, left for resume", zap.Error(out.err))
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	cur, ok := q.requests[req.ID]
	if !ok {
		return
	}
	q.settleLocked(context.WithoutCancel(ctx), cur, out)
}

// settleLocked 记录提交结果并放行账户队列的下一个请求
func (q *Queue) settleLocked(ctx context.Context, cur *model.SigningRequest, out outcome) {
	now := q.now().UnixMilli()
	next := cur.Clone()
	next.CompletedAt = now
	next.UpdatedAt = now
	if out.err == nil {
		next.Status = model.SigningStatusSubmitted
		next.Result = out.txID
	} else {
		e := errors.FromError(out.err)
		next.Status = model.SigningStatusFailed
		next.ErrorCode = e.Code
		next.ErrorMessage = truncate(e.Message, maxErrorMessageLen)
	}

	if err := q.commitLocked(ctx, cur, next); err != nil {
		q.unsettled[cur.ID] = out
		return
	}
	delete(q.unsettled, cur.ID)
	if q.inFlight[cur.AccountID] == cur.ID {
		delete(q.inFlight, cur.AccountID)
	}
	q.dispatchLocked(ctx, cur.AccountID)
}

func (q *Queue) rejectLocked(ctx context.Context, cur *model.SigningRequest, reason string) error {
	now := q.now().UnixMilli()
	next := cur.Clone()
	next.Status = model.SigningStatusRejected
	next.ErrorMessage = reason
	next.DecidedAt = now
	next.UpdatedAt = now
	return q.commitLocked(ctx, cur, next)
}

func (q *Queue) sessionActive(ctx context.Context, sessionID string) bool {
	s, err := q.sessions.Get(ctx, sessionID)
	return err == nil && s.Status == model.SessionStatusActive
}

func (q *Queue) getLocked(ctx context.Context, requestID string) (*model.SigningRequest, error) {
	cur, ok := q.requests[requestID]
	if !ok {
		return nil, errors.ErrNotFound.WithMessagef("signing request %s not found", requestID)
	}
	if err := q.expireIfDueLocked(ctx, cur); err != nil {
		return nil, err
	}
	return cur, nil
}

func (q *Queue) expireIfDueLocked(ctx context.Context, cur *model.SigningRequest) error {
	if cur.Status != model.SigningStatusPending {
		return nil
	}
	now := q.now()
	if now.Sub(time.UnixMilli(cur.CreatedAt)) <= q.cfg.RequestTTL {
		return nil
	}
	next := cur.Clone()
	next.Status = model.SigningStatusExpired
	next.ErrorMessage = ReasonExpired
	next.UpdatedAt = now.UnixMilli()
	return q.commitLocked(ctx, cur, next)
}

// commitLocked 校验状态机，先持久化再修改内存
func (q *Queue) commitLocked(ctx context.Context, cur, next *model.SigningRequest) error {
	if !cur.Status.CanTransitionTo(next.Status) {
		metrics.InvariantViolationsTotal.WithLabelValues("signing").Inc()
		logger.Error("invalid signing transition rejected",
			zap.String("request_id", cur.ID),
			zap.String("from", cur.Status.String()),
			zap.String("to", next.Status.String()))
		return errors.ErrInvalidTransition.
			WithDetail("request_id", cur.ID).
			WithDetail("from", cur.Status.String()).
			WithDetail("to", next.Status.String())
	}

	if q.repo != nil {
		if err := q.repo.UpdateStatus(ctx, next, cur.Status); err != nil {
			logger.Error("failed to persist signing transition",
				zap.String("request_id", cur.ID),
				zap.String("from", cur.Status.String()),
				zap.String("to", next.Status.String()),
				zap.Error(err))
			return errors.Wrap(errors.ErrInternal, err).WithDetail("request_id", cur.ID)
		}
	}

	from := cur.Status
	*cur = *next
	metrics.SigningTransitionsTotal.WithLabelValues(cur.Status.String()).Inc()
	logger.Info("signing request transitioned",
		zap.String("request_id", cur.ID),
		zap.String("account_id", cur.AccountID),
		zap.String("from", from.String()),
		zap.String("to", cur.Status.String()),
		zap.String("result", cur.Result),
		zap.String("error_code", cur.ErrorCode))
	q.emit(cur, next.UpdatedAt)
	return nil
}

func (q *Queue) sortedLocked() []*model.SigningRequest {
	out := make([]*model.SigningRequest, 0, len(q.requests))
	for _, req := range q.requests {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (q *Queue) emit(req *model.SigningRequest, nowMs int64) {
	if q.publisher != nil {
		q.publisher.Publish(model.SigningEvent(req, nowMs))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
