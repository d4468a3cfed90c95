// Package session 管理 dApp 连接会话，是会话状态的唯一写入方
package session

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"
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

// 状态变更原因
const (
	ReasonDenied       = "denied by user"
	ReasonCancelled    = "cancelled"
	ReasonRevoked      = "disconnected"
	ReasonExpired      = "session expired"
	ReasonRequestStale = "connection request expired"
)

// Publisher 状态事件发布
type Publisher interface {
	Publish(event model.StatusEvent)
}

// Config 会话配置
type Config struct {
	SessionTTL time.Duration // 授权有效期，0 表示不过期
	RequestTTL time.Duration // 待审批连接请求有效期
}

type accountKey struct {
	origin    string
	accountID string
}

// Store 会话存储
type Store struct {
	cfg       Config
	repo      repository.SessionRepository
	publisher Publisher

	mu       sync.Mutex
	sessions map[string]*model.Session
	latest   map[accountKey]string // (origin, account) 最近一次会话

	now func() time.Time
}

// NewStore 创建会话存储，repo 为 nil 时仅保存在内存
func NewStore(cfg Config, repo repository.SessionRepository, publisher Publisher) *Store {
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = 5 * time.Minute
	}
	return &Store{
		cfg:       cfg,
		repo:      repo,
		publisher: publisher,
		sessions:  make(map[string]*model.Session),
		latest:    make(map[accountKey]string),
		now:       time.Now,
	}
}

// SetClock 替换时钟，测试用
func (st *Store) SetClock(now func() time.Time) {
	st.mu.Lock()
	st.now = now
	st.mu.Unlock()
}

// Load 启动时从仓储恢复未终结的会话
func (st *Store) Load(ctx context.Context) (int, error) {
	if st.repo == nil {
		return 0, nil
	}
	sessions, err := st.repo.ListNonTerminal(ctx)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrInternal, err, "load sessions")
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for _, s := range sessions {
		st.sessions[s.ID] = s
		st.latest[accountKey{s.Origin, s.AccountID}] = s.ID
	}
	logger.Info("sessions restored", zap.Int("count", len(sessions)))
	return len(sessions), nil
}

// RequestConnection 创建待审批会话；同一 (origin, account) 已有未终结会话时拒绝
func (st *Store) RequestConnection(ctx context.Context, origin, name, accountID string, scopes model.ScopeSet) (*model.Session, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" || accountID == "" {
		return nil, errors.ErrInvalidRequest.WithMessage("origin and account are required")
	}
	if len(scopes) == 0 {
		return nil, errors.ErrInvalidRequest.WithMessage("at least one scope must be requested")
	}
	for _, sc := range scopes {
		if !sc.IsValid() {
			return nil, errors.ErrInvalidRequest.WithMessagef("unknown scope %q", sc)
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	key := accountKey{origin, accountID}
	if existing, ok := st.sessions[st.latest[key]]; ok {
		if err := st.expireIfDueLocked(ctx, existing); err != nil {
			return nil, err
		}
		if !existing.Status.IsTerminal() {
			return nil, errors.ErrDuplicateRequest.
				WithDetail("session_id", existing.ID).
				WithDetail("status", existing.Status.String())
		}
	}

	now := st.now().UnixMilli()
	s := &model.Session{
		ID:              uuid.New().String(),
		Origin:          origin,
		Name:            name,
		AccountID:       accountID,
		RequestedScopes: model.NewScopeSet(scopes...),
		Status:          model.SessionStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if st.repo != nil {
		if err := st.repo.Create(ctx, s); err != nil {
			logger.Error("failed to persist session", zap.String("origin", origin), zap.Error(err))
			return nil, errors.Wrap(errors.ErrInternal, err)
		}
	}

	st.sessions[s.ID] = s
	st.latest[key] = s.ID
	st.emit(s, now)

	logger.Info("connection requested",
		zap.String("session_id", s.ID),
		zap.String("origin", origin),
		zap.String("account_id", accountID),
		zap.Strings("scopes", s.RequestedScopes.Strings()))
	return s.Clone(), nil
}

// Decide 用户审批连接请求，批准的权限必须是申请权限的非空子集
func (st *Store) Decide(ctx context.Context, sessionID string, approve bool, granted model.ScopeSet) (*model.Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	cur, err := st.getLocked(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cur.Status == model.SessionStatusExpired && cur.DecidedAt == 0 {
		return cur.Clone(), errors.ErrRequestDone.WithDetail("session_id", sessionID)
	}

	now := st.now()
	next := cur.Clone()
	next.DecidedAt = now.UnixMilli()
	next.UpdatedAt = now.UnixMilli()

	if approve {
		granted = model.NewScopeSet(granted...)
		if len(granted) == 0 {
			return nil, errors.ErrInvalidRequest.WithMessage("approval must grant at least one scope")
		}
		if !granted.SubsetOf(cur.RequestedScopes) {
			return nil, errors.ErrInvalidRequest.WithMessage("granted scopes exceed requested scopes")
		}
		next.Status = model.SessionStatusActive
		next.GrantedScopes = granted
		if st.cfg.SessionTTL > 0 {
			next.ExpiresAt = now.Add(st.cfg.SessionTTL).UnixMilli()
		}
	} else {
		next.Status = model.SessionStatusDenied
		next.Reason = ReasonDenied
	}

	if err := st.commitLocked(ctx, cur, next); err != nil {
		return nil, err
	}
	return cur.Clone(), nil
}

// Revoke 断开已授权会话
func (st *Store) Revoke(ctx context.Context, sessionID string) (*model.Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	cur, err := st.getLocked(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := st.now().UnixMilli()
	next := cur.Clone()
	next.Status = model.SessionStatusRevoked
	next.Reason = ReasonRevoked
	next.UpdatedAt = now
	if err := st.commitLocked(ctx, cur, next); err != nil {
		return nil, err
	}
	return cur.Clone(), nil
}

// Cancel 取消待审批的连接请求；已终结的会话为空操作
func (st *Store) Cancel(ctx context.Context, sessionID string) (*model.Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	cur, err := st.getLocked(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cur.Status.IsTerminal() {
		return cur.Clone(), nil
	}
	if cur.Status != model.SessionStatusPending {
		return nil, errors.ErrNotCancellable.WithDetail("status", cur.Status.String())
	}

	now := st.now().UnixMilli()
	next := cur.Clone()
	next.Status = model.SessionStatusDenied
	next.Reason = ReasonCancelled
	next.DecidedAt = now
	next.UpdatedAt = now
	if err := st.commitLocked(ctx, cur, next); err != nil {
		return nil, err
	}
	return cur.Clone(), nil
}

// NarrowScopes 收窄已授权会话的权限，只能减少不能扩大
func (st *Store) NarrowScopes(ctx context.Context, sessionID string, scopes model.ScopeSet) (*model.Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	cur, err := st.getLocked(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cur.Status != model.SessionStatusActive {
		return nil, errors.ErrSessionNotActive.WithDetail("status", cur.Status.String())
	}
	scopes = model.NewScopeSet(scopes...)
	if len(scopes) == 0 || !scopes.SubsetOf(cur.GrantedScopes) {
		return nil, errors.ErrInvalidRequest.WithMessage("scopes can only be narrowed")
	}

	next := cur.Clone()
	next.GrantedScopes = scopes
	next.UpdatedAt = st.now().UnixMilli()
	if st.repo != nil {
		if err := st.repo.UpdateStatus(ctx, next, cur.Status); err != nil {
			return nil, st.persistFailed(cur, err)
		}
	}
	*cur = *next
	st.emit(cur, next.UpdatedAt)

	logger.Info("session scopes narrowed",
		zap.String("session_id", cur.ID),
		zap.Strings("scopes", scopes.Strings()))
	return cur.Clone(), nil
}

// Get 按 ID 查询，读取时检查过期；内存中没有时查仓储
func (st *Store) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	st.mu.Lock()
	cur, err := st.getLocked(ctx, sessionID)
	if err == nil {
		cur = cur.Clone()
	}
	st.mu.Unlock()
	if err == nil {
		return cur, nil
	}

	// 重启前已终结的会话只在仓储中
	if st.repo == nil || !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}
	s, repoErr := st.repo.GetByID(ctx, sessionID)
	if repoErr != nil {
		if stderrors.Is(repoErr, repository.ErrRecordNotFound) {
			return nil, err
		}
		return nil, errors.Wrapf(errors.ErrInternal, repoErr, "get session %s", sessionID)
	}
	return s, nil
}

// Watch 在会话锁内以当前状态调用 subscribe，订阅与状态变更不会交错
func (st *Store) Watch(ctx context.Context, sessionID string, subscribe func(current model.StatusEvent)) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	cur, err := st.getLocked(ctx, sessionID)
	if err != nil {
		return err
	}
	subscribe(model.SessionEvent(cur, cur.UpdatedAt))
	return nil
}

// GetActive 返回 (origin, account) 的有效会话，没有时返回 nil
func (st *Store) GetActive(ctx context.Context, origin, accountID string) *model.Session {
	s := st.Snapshot(ctx, origin, accountID)
	if s == nil || s.Status != model.SessionStatusActive {
		return nil
	}
	return s
}

// Snapshot 返回 (origin, account) 最近一次会话的一致快照，已到期的先转为 Expired
func (st *Store) Snapshot(ctx context.Context, origin, accountID string) *model.Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	cur, ok := st.sessions[st.latest[accountKey{origin, accountID}]]
	if !ok {
		return nil
	}
	return st.snapshotLocked(ctx, cur)
}

// ExpireIfDue 若会话已到期则转为 Expired
func (st *Store) ExpireIfDue(ctx context.Context, sessionID string) (*model.Session, error) {
	return st.Get(ctx, sessionID)
}

// List 返回内存中的会话，status 为 nil 时返回全部，按创建时间倒序
func (st *Store) List(ctx context.Context, status *model.SessionStatus) []*model.Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]*model.Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		snap := st.snapshotLocked(ctx, s)
		if status != nil && snap.Status != *status {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// History 按 origin 分页查询历史会话，包括已终结的记录；未配置仓储时查询内存
func (st *Store) History(ctx context.Context, origin string, page *repository.Pagination) ([]*model.Session, error) {
	if st.repo != nil {
		sessions, err := st.repo.ListByOrigin(ctx, origin, page)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrInternal, err, "list sessions of %s", origin)
		}
		return sessions, nil
	}

	var matched []*model.Session
	for _, s := range st.List(ctx, nil) {
		if s.Origin == origin {
			matched = append(matched, s)
		}
	}
	return repository.Paginate(matched, page), nil
}

// SweepExpired 将到期的会话和超时的连接请求转为 Expired，重复执行结果不变
func (st *Store) SweepExpired(ctx context.Context) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	expired := 0
	for _, s := range st.sessions {
		if s.Status.IsTerminal() {
			continue
		}
		before := s.Status
		if err := st.expireIfDueLocked(ctx, s); err != nil {
			logger.Warn("failed to expire session", zap.String("session_id", s.ID), zap.Error(err))
			continue
		}
		if s.Status != before {
			expired++
		}
	}
	if expired > 0 {
		logger.Info("expired sessions swept", zap.Int("count", expired))
	}
	return expired
}

func (st *Store) getLocked(ctx context.Context, sessionID string) (*model.Session, error) {
	cur, ok := st.sessions[sessionID]
	if !ok {
		return nil, errors.ErrNotFound.WithMessagef("session %s not found", sessionID)
	}
	if err := st.expireIfDueLocked(ctx, cur); err != nil {
		return nil, err
	}
	return cur, nil
}

// snapshotLocked 到期检查后复制；到期但落库失败时记录保持原状，快照仍按 Expired 返回，由下次清理重试
func (st *Store) snapshotLocked(ctx context.Context, cur *model.Session) *model.Session {
	if err := st.expireIfDueLocked(ctx, cur); err != nil {
		logger.Warn("lazy expiry failed", zap.String("session_id", cur.ID), zap.Error(err))
		snap := cur.Clone()
		snap.Status = model.SessionStatusExpired
		snap.Reason = ReasonExpired
		if cur.Status == model.SessionStatusPending {
			snap.Reason = ReasonRequestStale
		}
		return snap
	}
	return cur.Clone()
}

func (st *Store) expireIfDueLocked(ctx context.Context, cur *model.Session) error {
	now := st.now()
	nowMs := now.UnixMilli()

	var reason string
	switch cur.Status {
	case model.SessionStatusPending:
		if now.Sub(time.UnixMilli(cur.CreatedAt)) <= st.cfg.RequestTTL {
			return nil
		}
		reason = ReasonRequestStale
	case model.SessionStatusActive:
		if !cur.IsExpiredAt(nowMs) {
			return nil
		}
		reason = ReasonExpired
	default:
		return nil
	}

	next := cur.Clone()
	next.Status = model.SessionStatusExpired
	next.Reason = reason
	next.UpdatedAt = nowMs
	return st.commitLocked(ctx, cur, next)
}

// commitLocked 校验状态机，先持久化再修改内存；失败时记录保持不变
func (st *Store) commitLocked(ctx context.Context, cur, next *model.Session) error {
	if !cur.Status.CanTransitionTo(next.Status) {
		metrics.InvariantViolationsTotal.WithLabelValues("session").Inc()
		logger.Error("invalid session transition rejected",
			zap.String("session_id", cur.ID),
			zap.String("from", cur.Status.String()),
			zap.String("to", next.Status.String()))
		return errors.ErrInvalidTransition.
			WithDetail("session_id", cur.ID).
			WithDetail("from", cur.Status.String()).
			WithDetail("to", next.Status.String())
	}

	if st.repo != nil {
		if err := st.repo.UpdateStatus(ctx, next, cur.Status); err != nil {
			return st.persistFailed(cur, err)
		}
	}

	from := cur.Status
	*cur = *next
	metrics.SessionTransitionsTotal.WithLabelValues(cur.Status.String()).Inc()
	logger.Info("session transitioned",
		zap.String("session_id", cur.ID),
		zap.String("origin", cur.Origin),
		zap.String("from", from.String()),
		zap.String("to", cur.Status.String()))
	st.emit(cur, next.UpdatedAt)
	return nil
}

func (st *Store) persistFailed(cur *model.Session, err error) error {
	logger.Error("failed to persist session transition",
		zap.String("session_id", cur.ID),
		zap.String("status", cur.Status.String()),
		zap.Error(err))
	return errors.Wrap(errors.ErrInternal, err).WithDetail("session_id", cur.ID)
}

func (st *Store) emit(s *model.Session, nowMs int64) {
	if st.publisher != nil {
		st.publisher.Publish(model.SessionEvent(s, nowMs))
	}
}
