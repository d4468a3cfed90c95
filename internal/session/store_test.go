package session

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos/eidos-dapp/internal/model"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/errors"
)

const (
	testOrigin  = "https://x.test"
	testAccount = "acct-1"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.StatusEvent
}

func (p *recordingPublisher) Publish(event model.StatusEvent) {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
}

func (p *recordingPublisher) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Status)
	}
	return out
}

// fakeRepo 内存仓储，failUpdates 置位时更新失败
type fakeRepo struct {
	mu          sync.Mutex
	rows        map[string]*model.Session
	failUpdates bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: make(map[string]*model.Session)}
}

func (r *fakeRepo) Create(_ context.Context, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[s.ID] = s.Clone()
	return nil
}

func (r *fakeRepo) GetByID(_ context.Context, id string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return nil, repository.ErrRecordNotFound
	}
	return s.Clone(), nil
}

func (r *fakeRepo) UpdateStatus(_ context.Context, s *model.Session, from model.SessionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpdates {
		return stderrors.New("connection reset")
	}
	row, ok := r.rows[s.ID]
	if !ok || row.Status != from {
		return repository.ErrStaleStatus
	}
	r.rows[s.ID] = s.Clone()
	return nil
}

func (r *fakeRepo) ListNonTerminal(_ context.Context) ([]*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Session
	for _, s := range r.rows {
		if !s.Status.IsTerminal() {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (r *fakeRepo) ListByOrigin(_ context.Context, origin string, _ *repository.Pagination) ([]*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Session
	for _, s := range r.rows {
		if s.Origin == origin {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func createTestStore(t *testing.T, cfg Config, repo repository.SessionRepository) (*Store, *fakeClock, *recordingPublisher) {
	t.Helper()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	pub := &recordingPublisher{}
	st := NewStore(cfg, repo, pub)
	st.SetClock(clock.Now)
	return st, clock, pub
}

func requestAndApprove(t *testing.T, st *Store, scopes ...model.Scope) *model.Session {
	t.Helper()
	ctx := context.Background()
	s, err := st.RequestConnection(ctx, testOrigin, "X", testAccount, model.NewScopeSet(scopes...))
	require.NoError(t, err)
	s, err = st.Decide(ctx, s.ID, true, model.NewScopeSet(scopes...))
	require.NoError(t, err)
	return s
}

func TestStore_RequestConnection(t *testing.T) {
	st, _, pub := createTestStore(t, Config{}, nil)
	ctx := context.Background()

	s, err := st.RequestConnection(ctx, testOrigin, "X", testAccount,
		model.NewScopeSet(model.ScopeViewBalance, model.ScopeViewAccounts))
	require.NoError(t, err)

	assert.Equal(t, model.SessionStatusPending, s.Status)
	assert.Equal(t, model.ScopeSet{model.ScopeViewAccounts, model.ScopeViewBalance}, s.RequestedScopes)
	assert.Empty(t, s.GrantedScopes)
	assert.Equal(t, []string{"PENDING"}, pub.statuses())

	t.Run("rejects invalid input", func(t *testing.T) {
		_, err := st.RequestConnection(ctx, "", "X", testAccount, model.NewScopeSet(model.ScopeViewBalance))
		assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

		_, err = st.RequestConnection(ctx, "https://y.test", "Y", testAccount, nil)
		assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

		_, err = st.RequestConnection(ctx, "https://y.test", "Y", testAccount, model.ScopeSet{"admin"})
		assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	})
}

func TestStore_DuplicateRequest(t *testing.T) {
	st, _, _ := createTestStore(t, Config{}, nil)
	ctx := context.Background()
	scopes := model.NewScopeSet(model.ScopeViewBalance)

	first, err := st.RequestConnection(ctx, testOrigin, "X", testAccount, scopes)
	require.NoError(t, err)

	_, err = st.RequestConnection(ctx, testOrigin, "X", testAccount, scopes)
	assert.True(t, errors.Is(err, errors.ErrDuplicateRequest))

	// 不同账户不冲突
	_, err = st.RequestConnection(ctx, testOrigin, "X", "acct-2", scopes)
	assert.NoError(t, err)

	_, err = st.Decide(ctx, first.ID, true, scopes)
	require.NoError(t, err)
	_, err = st.RequestConnection(ctx, testOrigin, "X", testAccount, scopes)
	assert.True(t, errors.Is(err, errors.ErrDuplicateRequest))

	_, err = st.Revoke(ctx, first.ID)
	require.NoError(t, err)
	_, err = st.RequestConnection(ctx, testOrigin, "X", testAccount, scopes)
	assert.NoError(t, err)
}

func TestStore_Decide(t *testing.T) {
	ctx := context.Background()

	t.Run("approve with subset", func(t *testing.T) {
		st, _, pub := createTestStore(t, Config{SessionTTL: time.Hour}, nil)
		s, err := st.RequestConnection(ctx, testOrigin, "X", testAccount,
			model.NewScopeSet(model.ScopeViewBalance, model.ScopeSignTransactions))
		require.NoError(t, err)

		s, err = st.Decide(ctx, s.ID, true, model.NewScopeSet(model.ScopeViewBalance))
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusActive, s.Status)
		assert.Equal(t, model.ScopeSet{model.ScopeViewBalance}, s.GrantedScopes)
		assert.Equal(t, s.DecidedAt+time.Hour.Milliseconds(), s.ExpiresAt)
		assert.Equal(t, []string{"PENDING", "ACTIVE"}, pub.statuses())

		active := st.GetActive(ctx, testOrigin, testAccount)
		require.NotNil(t, active)
		assert.Equal(t, s.ID, active.ID)
	})

	t.Run("granted must be subset of requested", func(t *testing.T) {
		st, _, _ := createTestStore(t, Config{}, nil)
		s, err := st.RequestConnection(ctx, testOrigin, "X", testAccount, model.NewScopeSet(model.ScopeViewBalance))
		require.NoError(t, err)

		_, err = st.Decide(ctx, s.ID, true, model.NewScopeSet(model.ScopeViewBalance, model.ScopeSignTransactions))
		assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

		_, err = st.Decide(ctx, s.ID, true, nil)
		assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

		got, err := st.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusPending, got.Status)
	})

	t.Run("denied never becomes active", func(t *testing.T) {
		st, _, _ := createTestStore(t, Config{}, nil)
		s, err := st.RequestConnection(ctx, testOrigin, "X", testAccount, model.NewScopeSet(model.ScopeViewBalance))
		require.NoError(t, err)

		s, err = st.Decide(ctx, s.ID, false, nil)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusDenied, s.Status)
		assert.Equal(t, ReasonDenied, s.Reason)

		_, err = st.Decide(ctx, s.ID, true, model.NewScopeSet(model.ScopeViewBalance))
		assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
		assert.Equal(t, errors.KindInternal, errors.KindOf(err))

		got, err := st.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusDenied, got.Status)
		assert.Nil(t, st.GetActive(ctx, testOrigin, testAccount))
	})

	t.Run("unknown session", func(t *testing.T) {
		st, _, _ := createTestStore(t, Config{}, nil)
		_, err := st.Decide(ctx, "missing", true, nil)
		assert.True(t, errors.Is(err, errors.ErrNotFound))
	})

	t.Run("stale connection request", func(t *testing.T) {
		st, clock, _ := createTestStore(t, Config{RequestTTL: 5 * time.Minute}, nil)
		s, err := st.RequestConnection(ctx, testOrigin, "X", testAccount, model.NewScopeSet(model.ScopeViewBalance))
		require.NoError(t, err)

		clock.Advance(6 * time.Minute)
		got, err := st.Decide(ctx, s.ID, true, model.NewScopeSet(model.ScopeViewBalance))
		assert.True(t, errors.Is(err, errors.ErrRequestDone))
		require.NotNil(t, got)
		assert.Equal(t, model.SessionStatusExpired, got.Status)
	})
}

func TestStore_Expiry(t *testing.T) {
	ctx := context.Background()

	t.Run("lazy expiry on read", func(t *testing.T) {
		st, clock, pub := createTestStore(t, Config{SessionTTL: time.Hour}, nil)
		s := requestAndApprove(t, st, model.ScopeViewBalance)

		clock.Advance(59 * time.Minute)
		assert.NotNil(t, st.GetActive(ctx, testOrigin, testAccount))

		clock.Advance(2 * time.Minute)
		assert.Nil(t, st.GetActive(ctx, testOrigin, testAccount))

		got := st.Snapshot(ctx, testOrigin, testAccount)
		require.NotNil(t, got)
		assert.Equal(t, s.ID, got.ID)
		assert.Equal(t, model.SessionStatusExpired, got.Status)
		assert.Equal(t, []string{"PENDING", "ACTIVE", "EXPIRED"}, pub.statuses())
	})

	t.Run("zero ttl never expires", func(t *testing.T) {
		st, clock, _ := createTestStore(t, Config{}, nil)
		requestAndApprove(t, st, model.ScopeViewBalance)
		clock.Advance(24 * 365 * time.Hour)
		assert.NotNil(t, st.GetActive(ctx, testOrigin, testAccount))
	})

	t.Run("sweep is idempotent", func(t *testing.T) {
		st, clock, pub := createTestStore(t, Config{SessionTTL: time.Hour, RequestTTL: 5 * time.Minute}, nil)
		requestAndApprove(t, st, model.ScopeViewBalance)
		_, err := st.RequestConnection(ctx, "https://y.test", "Y", testAccount, model.NewScopeSet(model.ScopeViewBalance))
		require.NoError(t, err)

		assert.Equal(t, 0, st.SweepExpired(ctx))

		clock.Advance(2 * time.Hour)
		assert.Equal(t, 2, st.SweepExpired(ctx))
		events := len(pub.statuses())
		assert.Equal(t, 0, st.SweepExpired(ctx))
		assert.Len(t, pub.statuses(), events)
	})
}

func TestStore_CancelAndRevoke(t *testing.T) {
	ctx := context.Background()
	st, _, _ := createTestStore(t, Config{}, nil)

	pending, err := st.RequestConnection(ctx, testOrigin, "X", testAccount, model.NewScopeSet(model.ScopeViewBalance))
	require.NoError(t, err)

	cancelled, err := st.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusDenied, cancelled.Status)
	assert.Equal(t, ReasonCancelled, cancelled.Reason)

	// 已终结的记录取消为空操作
	again, err := st.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusDenied, again.Status)

	active := requestAndApprove(t, st, model.ScopeViewBalance)
	_, err = st.Cancel(ctx, active.ID)
	assert.True(t, errors.Is(err, errors.ErrNotCancellable))

	revoked, err := st.Revoke(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusRevoked, revoked.Status)
	assert.Nil(t, st.GetActive(ctx, testOrigin, testAccount))

	_, err = st.Revoke(ctx, active.ID)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
}

func TestStore_NarrowScopes(t *testing.T) {
	ctx := context.Background()
	st, _, _ := createTestStore(t, Config{}, nil)
	s := requestAndApprove(t, st, model.ScopeViewBalance, model.ScopeSignTransactions)

	_, err := st.NarrowScopes(ctx, s.ID, model.NewScopeSet(model.ScopeCallContractView))
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	s, err = st.NarrowScopes(ctx, s.ID, model.NewScopeSet(model.ScopeViewBalance))
	require.NoError(t, err)
	assert.Equal(t, model.ScopeSet{model.ScopeViewBalance}, s.GrantedScopes)

	// 不能扩大
	_, err = st.NarrowScopes(ctx, s.ID, model.NewScopeSet(model.ScopeViewBalance, model.ScopeSignTransactions))
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestStore_Persistence(t *testing.T) {
	ctx := context.Background()

	t.Run("failed write leaves record unchanged", func(t *testing.T) {
		repo := newFakeRepo()
		st, _, pub := createTestStore(t, Config{}, repo)

		s, err := st.RequestConnection(ctx, testOrigin, "X", testAccount, model.NewScopeSet(model.ScopeViewBalance))
		require.NoError(t, err)

		repo.failUpdates = true
		_, err = st.Decide(ctx, s.ID, true, model.NewScopeSet(model.ScopeViewBalance))
		assert.True(t, errors.Is(err, errors.ErrInternal))

		got, err := st.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusPending, got.Status)
		assert.Equal(t, []string{"PENDING"}, pub.statuses())
	})

	t.Run("load restores non-terminal sessions", func(t *testing.T) {
		repo := newFakeRepo()
		st, _, _ := createTestStore(t, Config{}, repo)
		active := requestAndApprove(t, st, model.ScopeViewBalance)

		denied, err := st.RequestConnection(ctx, "https://y.test", "Y", testAccount, model.NewScopeSet(model.ScopeViewBalance))
		require.NoError(t, err)
		_, err = st.Decide(ctx, denied.ID, false, nil)
		require.NoError(t, err)

		restored, _, _ := createTestStore(t, Config{}, repo)
		n, err := restored.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got := restored.GetActive(ctx, testOrigin, testAccount)
		require.NotNil(t, got)
		assert.Equal(t, active.ID, got.ID)
	})
}

func TestStore_ExpiryFailsClosed(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	st, clock, pub := createTestStore(t, Config{SessionTTL: time.Hour}, repo)
	s := requestAndApprove(t, st, model.ScopeSignTransactions)

	clock.Advance(2 * time.Hour)
	repo.failUpdates = true

	assert.Nil(t, st.GetActive(ctx, testOrigin, testAccount))
	snap := st.Snapshot(ctx, testOrigin, testAccount)
	require.NotNil(t, snap)
	assert.Equal(t, s.ID, snap.ID)
	assert.Equal(t, model.SessionStatusExpired, snap.Status)
	assert.Equal(t, ReasonExpired, snap.Reason)
	assert.Equal(t, []string{"PENDING", "ACTIVE"}, pub.statuses())

	_, err := st.Get(ctx, s.ID)
	assert.True(t, errors.Is(err, errors.ErrInternal))

	// 仓储恢复后清理补齐状态
	repo.failUpdates = false
	assert.Equal(t, 1, st.SweepExpired(ctx))
	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusExpired, got.Status)
	assert.Equal(t, []string{"PENDING", "ACTIVE", "EXPIRED"}, pub.statuses())
}

func TestStore_ConcurrentRequestConnection(t *testing.T) {
	st, _, pub := createTestStore(t, Config{}, newFakeRepo())
	ctx := context.Background()

	const workers = 32
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		created    []string
		duplicates int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			s, err := st.RequestConnection(ctx, testOrigin, "X", testAccount, model.NewScopeSet(model.ScopeViewBalance))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.True(t, errors.Is(err, errors.ErrDuplicateRequest))
				duplicates++
				return
			}
			created = append(created, s.ID)
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, created, 1)
	assert.Equal(t, workers-1, duplicates)
	assert.Equal(t, []string{"PENDING"}, pub.statuses())

	pending := model.SessionStatusPending
	list := st.List(ctx, &pending)
	require.Len(t, list, 1)
	assert.Equal(t, created[0], list[0].ID)
}

func TestStore_ListAndHistory(t *testing.T) {
	ctx := context.Background()

	for name, repo := range map[string]repository.SessionRepository{
		"memory":     nil,
		"repository": newFakeRepo(),
	} {
		t.Run(name, func(t *testing.T) {
			st, clock, _ := createTestStore(t, Config{}, repo)
			active := requestAndApprove(t, st, model.ScopeViewBalance)

			clock.Advance(time.Second)
			other, err := st.RequestConnection(ctx, "https://y.test", "Y", testAccount, model.NewScopeSet(model.ScopeViewBalance))
			require.NoError(t, err)

			all := st.List(ctx, nil)
			require.Len(t, all, 2)
			assert.Equal(t, other.ID, all[0].ID)

			status := model.SessionStatusActive
			onlyActive := st.List(ctx, &status)
			require.Len(t, onlyActive, 1)
			assert.Equal(t, active.ID, onlyActive[0].ID)

			_, err = st.Revoke(ctx, active.ID)
			require.NoError(t, err)

			page := &repository.Pagination{Page: 1, PageSize: 10}
			history, err := st.History(ctx, testOrigin, page)
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, active.ID, history[0].ID)
			assert.Equal(t, model.SessionStatusRevoked, history[0].Status)
		})
	}
}

func TestStore_GetFallsBackToRepository(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	st, _, _ := createTestStore(t, Config{}, repo)

	s := requestAndApprove(t, st, model.ScopeViewBalance)
	_, err := st.Revoke(ctx, s.ID)
	require.NoError(t, err)

	// 重启后只恢复未终结的会话
	restarted, _, _ := createTestStore(t, Config{}, repo)
	n, err := restarted.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := restarted.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusRevoked, got.Status)

	_, err = restarted.Get(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	var watched []model.StatusEvent
	err = restarted.Watch(ctx, s.ID, func(e model.StatusEvent) { watched = append(watched, e) })
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.Empty(t, watched)
}
