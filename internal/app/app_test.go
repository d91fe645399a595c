package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func loadConfig(t *testing.T, yaml string) (*config.Config, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "research.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	cfg, _, err := config.Load(path)
	require.NoError(t, err)
	return cfg, path
}

func TestNew_MemoryStore(t *testing.T) {
	cfg, _ := loadConfig(t, "logging:\n  level: debug\n")
	a, err := New(context.Background(), cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	assert.Empty(t, a.Registry.IDs())
	assert.Nil(t, a.Auth)
	assert.False(t, a.Policy.Enabled())

	admin := httptest.NewServer(a.AdminHandler())
	defer admin.Close()

	resp, err := http.Get(admin.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	// no providers registered: degraded but still serving
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(admin.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "go_goroutines")

	api := httptest.NewServer(a.APIHandler())
	defer api.Close()
	resp, err = http.Post(api.URL+"/v1/workflows", "application/json",
		strings.NewReader(`{"query":"solid state batteries","methodology":"hybrid","time_ceiling":"5s"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestNew_SQLiteStoreWithLedger(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "research.db")
	cfg, _ := loadConfig(t, `
store:
  driver: sqlite
  dsn: `+dsn+`
budget:
  ledger_enabled: true
`)
	a, err := New(context.Background(), cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close(context.Background())

	report := a.Health.Check(context.Background())
	assert.True(t, report.Ready)
	assert.Contains(t, report.Components, "database")
}

func TestNew_RejectsBrokenPolicyWhenFailClosed(t *testing.T) {
	cfg, _ := loadConfig(t, `
policy:
  enabled: true
  fail_closed: true
  path: `+filepath.Join(t.TempDir(), "missing")+`
`)
	_, err := New(context.Background(), cfg, nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestApplyConfig_ReloadsOrchestratorSettings(t *testing.T) {
	cfg, _ := loadConfig(t, "orchestrator:\n  worker_pool_size: 2\n")
	a, err := New(context.Background(), cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close(context.Background())

	next := *cfg
	next.Orchestrator.WorkerPoolSize = 8
	next.Orchestrator.MaxRetries = 5
	require.NoError(t, a.applyConfig(&next))

	next.Pricing.File = filepath.Join(t.TempDir(), "missing.yaml")
	assert.Error(t, a.applyConfig(&next))
}

func TestServe_StopsOnContextCancel(t *testing.T) {
	cfg, _ := loadConfig(t, "server:\n  http_addr: 127.0.0.1:0\n  admin_addr: 127.0.0.1:0\n  shutdown_timeout: 2s\n")
	a, err := New(context.Background(), cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
