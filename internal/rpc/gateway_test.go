package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos/eidos-dapp/internal/endpoint"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/model"
	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/errors"
)

type call struct {
	URL    string
	Method string
	Params []any
}

// scriptedTransport 按脚本返回结果的传输层
type scriptedTransport struct {
	mu      sync.Mutex
	calls   []call
	handler func(ctx context.Context, c call) (json.RawMessage, error)
}

func (s *scriptedTransport) Call(ctx context.Context, endpointURL, method string, params []any) (json.RawMessage, error) {
	c := call{URL: endpointURL, Method: method, Params: params}
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
	return s.handler(ctx, c)
}

func (s *scriptedTransport) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (s *scriptedTransport) urls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.URL
	}
	return out
}

var errConnRefused = fmt.Errorf("dial tcp: connection refused")

func createTestGateway(t *testing.T, maxRetries int, handler func(ctx context.Context, c call) (json.RawMessage, error)) (*Gateway, *endpoint.Pool, *scriptedTransport, map[string]string) {
	pool := endpoint.NewPool(endpoint.DefaultConfig())
	ids := make(map[string]string)
	for i, u := range []string{"http://a.test", "http://b.test"} {
		id, err := pool.AddEndpoint(u, i+1)
		require.NoError(t, err)
		ids[u] = id
	}
	tr := &scriptedTransport{handler: handler}
	gw := NewGateway(pool, tr, NewMemoryIdempotencyStore(), GatewayConfig{
		MaxRetries:     maxRetries,
		DefaultTimeout: time.Second,
	})
	return gw, pool, tr, ids
}

func TestGateway_CallSuccess(t *testing.T) {
	gw, pool, tr, ids := createTestGateway(t, 2, func(_ context.Context, c call) (json.RawMessage, error) {
		return json.RawMessage(`12345`), nil
	})

	raw, err := gw.Call(context.Background(), MethodLatestHeight, nil, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `12345`, string(raw))
	assert.Equal(t, 1, tr.count(MethodLatestHeight))
	assert.Equal(t, ids["http://a.test"], pool.Active().ID)
	assert.Equal(t, model.EndpointHealthHealthy, pool.Active().Health)
}

func TestGateway_TransportFailuresMarkEndpointUnhealthy(t *testing.T) {
	gw, pool, tr, ids := createTestGateway(t, 2, func(_ context.Context, c call) (json.RawMessage, error) {
		if c.URL == "http://a.test" {
			return nil, errConnRefused
		}
		return json.RawMessage(`1`), nil
	})

	_, err := gw.Call(context.Background(), MethodLatestHeight, nil, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRPCTransport))
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, []string{"http://a.test", "http://a.test", "http://a.test"}, tr.urls())

	ep, err := pool.SelectActive()
	require.NoError(t, err)
	assert.Equal(t, ids["http://b.test"], ep.ID)

	raw, err := gw.Call(context.Background(), MethodLatestHeight, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "1", string(raw))
}

func TestGateway_RetryFailsOverWithinCall(t *testing.T) {
	gw, _, tr, _ := createTestGateway(t, 3, func(_ context.Context, c call) (json.RawMessage, error) {
		if c.URL == "http://a.test" {
			return nil, errConnRefused
		}
		return json.RawMessage(`"ok"`), nil
	})

	raw, err := gw.Call(context.Background(), "program", []any{"credits.aleo"}, 0)
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(raw))
	assert.Equal(t, "http://b.test", tr.urls()[3])
}

func TestGateway_RemoteErrorNotRetried(t *testing.T) {
	gw, pool, tr, _ := createTestGateway(t, 2, func(_ context.Context, c call) (json.RawMessage, error) {
		return nil, &RemoteError{Code: -32602, Message: "invalid transaction"}
	})

	_, err := gw.Call(context.Background(), MethodTransaction, []any{"at1"}, 0)
	require.Error(t, err)
	assert.Equal(t, errors.KindRemote, errors.KindOf(err))
	assert.False(t, errors.IsRetryable(err))

	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, -32602, remote.Code)
	assert.Equal(t, 1, tr.count(MethodTransaction))
	assert.Equal(t, model.EndpointHealthHealthy, pool.Active().Health)
}

func TestGateway_Timeout(t *testing.T) {
	gw, _, tr, _ := createTestGateway(t, 1, func(ctx context.Context, c call) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := gw.Call(context.Background(), MethodLatestHeight, nil, 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRPCTimeout))
	assert.Equal(t, 2, tr.count(MethodLatestHeight))
}

func TestGateway_CallerCancellationDoesNotPenalizeEndpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gw, pool, tr, _ := createTestGateway(t, 2, func(c context.Context, _ call) (json.RawMessage, error) {
		cancel()
		<-c.Done()
		return nil, c.Err()
	})

	_, err := gw.Call(ctx, MethodLatestHeight, nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, 1, tr.count(MethodLatestHeight))
	for _, ep := range pool.Snapshot() {
		assert.Equal(t, 0, ep.ConsecutiveFailures)
	}
}

func TestGateway_NoHealthyEndpointFailsFast(t *testing.T) {
	gw, pool, tr, ids := createTestGateway(t, 2, nil)
	for _, id := range ids {
		for i := 0; i < 3; i++ {
			pool.ReportOutcome(id, false)
		}
	}

	_, err := gw.Call(context.Background(), MethodLatestHeight, nil, 0)
	assert.True(t, errors.Is(err, errors.ErrNoHealthyEndpoint))
	assert.Empty(t, tr.urls())
}

func TestGateway_SubmitCachesCompletedToken(t *testing.T) {
	gw, _, tr, _ := createTestGateway(t, 2, func(_ context.Context, c call) (json.RawMessage, error) {
		return json.RawMessage(`"at1abc"`), nil
	})
	tx := &model.SignedTx{TxID: "at1abc", Raw: "0xdeadbeef"}

	txID, err := gw.Submit(context.Background(), "signing:r1", tx)
	require.NoError(t, err)
	assert.Equal(t, "at1abc", txID)

	txID, err = gw.Submit(context.Background(), "signing:r1", tx)
	require.NoError(t, err)
	assert.Equal(t, "at1abc", txID)
	assert.Equal(t, 1, tr.count(MethodBroadcast))
	assert.Equal(t, 0, tr.count(MethodTransaction))
}

func TestGateway_SubmitRetryDoesNotDoubleBroadcast(t *testing.T) {
	var mu sync.Mutex
	broadcasted := false
	gw, _, tr, _ := createTestGateway(t, 2, func(_ context.Context, c call) (json.RawMessage, error) {
		mu.Lock()
		defer mu.Unlock()
		switch c.Method {
		case MethodBroadcast:
			// 交易已到达节点，但响应丢失
			broadcasted = true
			return nil, errConnRefused
		case MethodTransaction:
			if broadcasted {
				return json.RawMessage(`{"id":"at1abc"}`), nil
			}
			return json.RawMessage(`null`), nil
		}
		return nil, errConnRefused
	})

	txID, err := gw.Submit(context.Background(), "signing:r2", &model.SignedTx{TxID: "at1abc", Raw: "0x01"})
	require.NoError(t, err)
	assert.Equal(t, "at1abc", txID)
	assert.Equal(t, 1, tr.count(MethodBroadcast))
	assert.Equal(t, 1, tr.count(MethodTransaction))
}

func TestGateway_SubmitExhaustsRetries(t *testing.T) {
	gw, _, tr, _ := createTestGateway(t, 2, func(_ context.Context, c call) (json.RawMessage, error) {
		if c.Method == MethodTransaction {
			return json.RawMessage(`null`), nil
		}
		return nil, errConnRefused
	})

	_, err := gw.Submit(context.Background(), "signing:r3", &model.SignedTx{TxID: "at1x", Raw: "0x01"})
	require.Error(t, err)
	assert.Equal(t, errors.KindConnectivity, errors.KindOf(err))
	assert.Equal(t, 3, tr.count(MethodBroadcast))

	rec, created, err := gw.store.Reserve(context.Background(), "signing:r3", "at1x")
	require.NoError(t, err)
	assert.False(t, created)
	assert.False(t, rec.Done)
}

func TestGateway_SubmitRemoteRejectionReleasesToken(t *testing.T) {
	gw, _, tr, _ := createTestGateway(t, 2, func(_ context.Context, c call) (json.RawMessage, error) {
		return nil, &RemoteError{Code: 400, Message: "fee too low"}
	})

	_, err := gw.Submit(context.Background(), "signing:r4", &model.SignedTx{TxID: "at1y", Raw: "0x01"})
	require.Error(t, err)
	assert.Equal(t, errors.KindRemote, errors.KindOf(err))
	assert.Equal(t, 1, tr.count(MethodBroadcast))

	_, created, err := gw.store.Reserve(context.Background(), "signing:r4", "at1y")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestGateway_ResumedSubmission(t *testing.T) {
	t.Run("previous broadcast landed", func(t *testing.T) {
		gw, _, tr, _ := createTestGateway(t, 2, func(_ context.Context, c call) (json.RawMessage, error) {
			if c.Method == MethodTransaction && c.Params[0] == "at1old" {
				return json.RawMessage(`{"id":"at1old"}`), nil
			}
			return json.RawMessage(`"at1new"`), nil
		})
		_, _, err := gw.store.Reserve(context.Background(), "signing:r5", "at1old")
		require.NoError(t, err)

		txID, err := gw.Submit(context.Background(), "signing:r5", &model.SignedTx{TxID: "at1new", Raw: "0x02"})
		require.NoError(t, err)
		assert.Equal(t, "at1old", txID)
		assert.Equal(t, 0, tr.count(MethodBroadcast))
	})

	t.Run("previous broadcast lost", func(t *testing.T) {
		gw, _, tr, _ := createTestGateway(t, 2, func(_ context.Context, c call) (json.RawMessage, error) {
			if c.Method == MethodTransaction {
				return nil, &RemoteError{Code: 404, Message: "transaction not found"}
			}
			return json.RawMessage(`"at1new"`), nil
		})
		_, _, err := gw.store.Reserve(context.Background(), "signing:r6", "at1old")
		require.NoError(t, err)

		txID, err := gw.Submit(context.Background(), "signing:r6", &model.SignedTx{TxID: "at1new", Raw: "0x02"})
		require.NoError(t, err)
		assert.Equal(t, "at1new", txID)
		assert.Equal(t, 1, tr.count(MethodBroadcast))

		rec, _, _ := gw.store.Reserve(context.Background(), "signing:r6", "")
		assert.True(t, rec.Done)
		assert.Equal(t, "at1new", rec.TxID)
	})
}

func TestGateway_SubmitRejectsEmptyTx(t *testing.T) {
	gw, _, _, _ := createTestGateway(t, 2, nil)
	_, err := gw.Submit(context.Background(), "t", &model.SignedTx{})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}
