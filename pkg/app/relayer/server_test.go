package relayer

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/config"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/executor"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/message"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("ETH_RPC", "http://localhost:8545")
	t.Setenv("CSPR_NODE", "127.0.0.1")
	t.Setenv("CSPR_CHAIN_ID", "casper-test")

	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestRouter_Health(t *testing.T) {
	s := NewServer(testConfig(t))
	router := s.newRouter(nil, zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouter_Metrics(t *testing.T) {
	cfg := testConfig(t)

	rec := httptest.NewRecorder()
	NewServer(cfg).newRouter(nil, zap.NewNop()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	cfg.Monitoring.Enabled = false
	rec = httptest.NewRecorder()
	NewServer(cfg).newRouter(nil, zap.NewNop()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_OperatorAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admin.JWKSURL = "http://127.0.0.1:1/jwks"
	router := NewServer(cfg).newRouter(nil, zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ready", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRun_NilConfig(t *testing.T) {
	require.Error(t, NewServer(nil).Run())
}

func TestNewExecutor(t *testing.T) {
	cfg := testConfig(t)

	exec, err := newExecutor(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &executor.DryRun{}, exec)

	cfg.Executor.URL = "http://executor:8080"
	exec, err = newExecutor(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &executor.HTTPExecutor{}, exec)
}

func TestNewWatchers(t *testing.T) {
	cfg := testConfig(t)

	watchers, err := newWatchers(cfg, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, watchers, 1, "evm watcher needs a contract address")
	assert.Equal(t, message.ChainCasper, watchers[0].Chain())
	assert.Equal(t, "casper-test", watchers[0].ChainID())

	cfg.Ethereum.VaultAddress = "0x1111111111111111111111111111111111111111"
	watchers, err = newWatchers(cfg, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, watchers, 2)
	assert.Equal(t, message.ChainEthereum, watchers[0].Chain())
	assert.Equal(t, "1", watchers[0].ChainID())
}
