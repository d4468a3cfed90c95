package permission

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
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/session"
	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/errors"
)

const (
	testOrigin  = "https://x.test"
	testAccount = "acct-1"
)

func createTestEvaluator(t *testing.T, cfg session.Config) (*Evaluator, *session.Store, *time.Time) {
	t.Helper()
	now := time.UnixMilli(1_700_000_000_000)
	st := session.NewStore(cfg, nil, nil)
	st.SetClock(func() time.Time { return now })
	return NewEvaluator(st), st, &now
}

func TestAuthorize_Scenarios(t *testing.T) {
	ctx := context.Background()
	ev, st, _ := createTestEvaluator(t, session.Config{})

	v := ev.Authorize(ctx, testOrigin, testAccount, model.ScopeViewBalance)
	assert.Equal(t, Verdict{Reason: ReasonNoActiveSession}, v)
	assert.True(t, errors.Is(v.Err(), errors.ErrNoActiveSession))

	s, err := st.RequestConnection(ctx, testOrigin, "X", testAccount, model.NewScopeSet(model.ScopeViewBalance))
	require.NoError(t, err)

	v = ev.Authorize(ctx, testOrigin, testAccount, model.ScopeViewBalance)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonSessionPending, v.Reason)
	assert.Equal(t, s.ID, v.SessionID)

	_, err = st.Decide(ctx, s.ID, true, model.NewScopeSet(model.ScopeViewBalance))
	require.NoError(t, err)

	v = ev.Authorize(ctx, testOrigin, testAccount, model.ScopeViewBalance)
	assert.True(t, v.Allowed)
	assert.NoError(t, v.Err())

	// 仅授予 view_balance 的会话请求签名
	v = ev.Authorize(ctx, testOrigin, testAccount, model.ScopeSignTransactions)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonInsufficientScope, v.Reason)
	assert.True(t, errors.Is(v.Err(), errors.ErrInsufficientScope))

	// 其他 origin 看不到这个会话
	v = ev.Authorize(ctx, "https://evil.test", testAccount, model.ScopeViewBalance)
	assert.Equal(t, ReasonNoActiveSession, v.Reason)

	v = ev.Authorize(ctx, testOrigin, testAccount, model.Scope("admin"))
	assert.Equal(t, ReasonInvalidScope, v.Reason)
	assert.True(t, errors.Is(v.Err(), errors.ErrInvalidRequest))

	_, err = st.Revoke(ctx, s.ID)
	require.NoError(t, err)
	v = ev.Authorize(ctx, testOrigin, testAccount, model.ScopeViewBalance)
	assert.Equal(t, ReasonNoActiveSession, v.Reason)
}

func TestAuthorize_Repeatable(t *testing.T) {
	ctx := context.Background()
	ev, st, now := createTestEvaluator(t, session.Config{SessionTTL: time.Hour})

	s, err := st.RequestConnection(ctx, testOrigin, "X", testAccount, model.NewScopeSet(model.ScopeViewBalance))
	require.NoError(t, err)
	_, err = st.Decide(ctx, s.ID, true, model.NewScopeSet(model.ScopeViewBalance))
	require.NoError(t, err)

	first := ev.Authorize(ctx, testOrigin, testAccount, model.ScopeViewBalance)
	second := ev.Authorize(ctx, testOrigin, testAccount, model.ScopeViewBalance)
	assert.Equal(t, first, second)

	*now = now.Add(2 * time.Hour)

	// 到期后判定一致为 session_expired
	first = ev.Authorize(ctx, testOrigin, testAccount, model.ScopeViewBalance)
	second = ev.Authorize(ctx, testOrigin, testAccount, model.ScopeViewBalance)
	assert.Equal(t, ReasonSessionExpired, first.Reason)
	assert.Equal(t, first, second)
	assert.True(t, errors.Is(first.Err(), errors.ErrSessionExpired))

	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusExpired, got.Status)
}

// flakyRepo 只接受创建和首次审批，之后的状态写入全部失败
type flakyRepo struct {
	mu      sync.Mutex
	updates int
}

func (r *flakyRepo) Create(context.Context, *model.Session) error { return nil }

func (r *flakyRepo) GetByID(context.Context, string) (*model.Session, error) {
	return nil, repository.ErrRecordNotFound
}

func (r *flakyRepo) UpdateStatus(context.Context, *model.Session, model.SessionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	if r.updates > 1 {
		return stderrors.New("connection reset")
	}
	return nil
}

func (r *flakyRepo) ListNonTerminal(context.Context) ([]*model.Session, error) { return nil, nil }

func (r *flakyRepo) ListByOrigin(context.Context, string, *repository.Pagination) ([]*model.Session, error) {
	return nil, nil
}

func TestAuthorize_ExpiredWhilePersistFails(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	st := session.NewStore(session.Config{SessionTTL: time.Hour}, &flakyRepo{}, nil)
	st.SetClock(func() time.Time { return now })
	ev := NewEvaluator(st)

	s, err := st.RequestConnection(ctx, testOrigin, "X", testAccount, model.NewScopeSet(model.ScopeSignTransactions))
	require.NoError(t, err)
	_, err = st.Decide(ctx, s.ID, true, model.NewScopeSet(model.ScopeSignTransactions))
	require.NoError(t, err)
	require.True(t, ev.Authorize(ctx, testOrigin, testAccount, model.ScopeSignTransactions).Allowed)

	now = now.Add(2 * time.Hour)

	v := ev.Authorize(ctx, testOrigin, testAccount, model.ScopeSignTransactions)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonSessionExpired, v.Reason)
	assert.Equal(t, s.ID, v.SessionID)
	assert.Nil(t, st.GetActive(ctx, testOrigin, testAccount))
}

func TestAuthorize_Concurrent(t *testing.T) {
	ctx := context.Background()
	ev, st, _ := createTestEvaluator(t, session.Config{})

	s, err := st.RequestConnection(ctx, testOrigin, "X", testAccount, model.NewScopeSet(model.ScopeViewBalance))
	require.NoError(t, err)
	_, err = st.Decide(ctx, s.ID, true, model.NewScopeSet(model.ScopeViewBalance))
	require.NoError(t, err)

	const workers = 32
	verdicts := make([][2]Verdict, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			verdicts[i][0] = ev.Authorize(ctx, testOrigin, testAccount, model.ScopeViewBalance)
			verdicts[i][1] = ev.Authorize(ctx, testOrigin, testAccount, model.ScopeSignTransactions)
		}(i)
	}
	wg.Wait()

	for _, v := range verdicts {
		assert.Equal(t, Verdict{Allowed: true, SessionID: s.ID}, v[0])
		assert.Equal(t, Verdict{Reason: ReasonInsufficientScope, SessionID: s.ID}, v[1])
	}
}
