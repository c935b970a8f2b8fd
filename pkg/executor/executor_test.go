package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/message"
)

func testAction() *Action {
	return &Action{
		TargetChain:   message.ChainCasper,
		TargetChainID: "casper-test",
		Kind:          ActionMint,
		Direction:     message.DirectionEthToCspr,
		Recipient:     "account-hash-01",
		Asset:         "ETH",
		Amount:        "1000000000000000000",
		SourceRef:     "0xabc",
	}
}

type recordedRequest struct {
	Path           string
	IdempotencyKey string
	Authorization  string
	Action         Action
}

type fakeService struct {
	mu       sync.Mutex
	requests []recordedRequest
	handle   func(w http.ResponseWriter)
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var a Action
	_ = json.NewDecoder(r.Body).Decode(&a)

	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Path:           r.URL.Path,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Authorization:  r.Header.Get("Authorization"),
		Action:         a,
	})
	handle := f.handle
	f.mu.Unlock()

	handle(w)
}

func newHTTPExecutor(t *testing.T, handle func(w http.ResponseWriter)) (*HTTPExecutor, *fakeService) {
	t.Helper()
	svc := &fakeService{handle: handle}
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)

	e, err := NewHTTPExecutor(HTTPConfig{URL: srv.URL + "/executor", AuthToken: "secret", Timeout: time.Second}, zap.NewNop())
	require.NoError(t, err)
	return e, svc
}

func TestHTTPExecutor_Success(t *testing.T) {
	e, svc := newHTTPExecutor(t, func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"reference":"deploy-123"}`))
	})

	res, err := e.Execute(context.Background(), testAction())
	require.NoError(t, err)
	assert.Equal(t, "deploy-123", res.Reference)
	assert.False(t, res.Duplicate)

	require.Len(t, svc.requests, 1)
	req := svc.requests[0]
	assert.Equal(t, "/executor/v1/actions", req.Path)
	assert.Equal(t, "0xabc", req.IdempotencyKey)
	assert.Equal(t, "Bearer secret", req.Authorization)
	assert.Equal(t, *testAction(), req.Action)
}

func TestHTTPExecutor_ConflictIsDuplicate(t *testing.T) {
	e, _ := newHTTPExecutor(t, func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"reference":"deploy-123"}`))
	})

	res, err := e.Execute(context.Background(), testAction())
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "deploy-123", res.Reference)
}

func TestHTTPExecutor_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnprocessableEntity, false},
		{http.StatusUnauthorized, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			e, _ := newHTTPExecutor(t, func(w http.ResponseWriter) {
				http.Error(w, "nope", tt.status)
			})

			_, err := e.Execute(context.Background(), testAction())
			require.Error(t, err)

			var execErr *Error
			require.True(t, errors.As(err, &execErr))
			assert.Equal(t, tt.status, execErr.StatusCode)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestHTTPExecutor_TransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	e, err := NewHTTPExecutor(HTTPConfig{URL: url}, zap.NewNop())
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), testAction())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestNewHTTPExecutor_InvalidURL(t *testing.T) {
	_, err := NewHTTPExecutor(HTTPConfig{URL: "not a url"}, zap.NewNop())
	require.Error(t, err)
}

func TestDryRun_IdempotentPerSourceRef(t *testing.T) {
	d := NewDryRun(zap.NewNop())

	first, err := d.Execute(context.Background(), testAction())
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	again, err := d.Execute(context.Background(), testAction())
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Reference, again.Reference)

	other := testAction()
	other.SourceRef = "0xdef"
	_, err = d.Execute(context.Background(), other)
	require.NoError(t, err)

	assert.Equal(t, 3, d.Calls())
	actions := d.Actions()
	require.Len(t, actions, 2)
	assert.Equal(t, "0xabc", actions[0].SourceRef)
	assert.Equal(t, "0xdef", actions[1].SourceRef)
}

func TestDryRun_CancelledContext(t *testing.T) {
	d := NewDryRun(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Execute(ctx, testAction())
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsRetryable(err))
	assert.Empty(t, d.Actions())
}

func TestIsRetryable_UnknownError(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("boom")))
	assert.False(t, IsRetryable(&Error{StatusCode: 400}))
}
