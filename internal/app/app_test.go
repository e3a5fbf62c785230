package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"formline/internal/config"
)

func TestLoadConfigAppliesOverrides(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(ws), []byte("forms:\n  ttl: 7d\n"), 0o644))

	v := viper.New()
	v.Set("poll_interval", "5m")
	v.Set("jwt_secret", "s3cret")
	cfg, err := LoadConfig(ws, v)
	require.NoError(t, err)
	require.Equal(t, 7*24*time.Hour, cfg.Forms.TTL.Duration)
	require.Equal(t, 5*time.Minute, cfg.Reconcile.PollInterval.Duration)
	require.Equal(t, "s3cret", cfg.HTTP.JWTSecret)
	require.Equal(t, ws, cfg.Storage.Workspace)
}

func TestLoadConfigRejectsBadOverride(t *testing.T) {
	v := viper.New()
	v.Set("sla_window", "soon")
	_, err := LoadConfig(t.TempDir(), v)
	require.ErrorContains(t, err, "sla_window")
}

func TestBootstrapWiresHandler(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Workspace = t.TempDir()
	a, err := Bootstrap(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	_, err = os.Stat(filepath.Join(cfg.Storage.Workspace, ".formline"))
	require.NoError(t, err, "sqlite workspace directory")

	rec := httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/forms", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rep, err := a.Scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, rep.Forms)
}

func TestBootstrapRejectsBadMasterKey(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Workspace = t.TempDir()
	cfg.Vault.MasterKey = "short"
	_, err := Bootstrap(context.Background(), cfg)
	require.ErrorContains(t, err, "master key")
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Workspace = t.TempDir()
	cfg.Reconcile.Enabled = false
	a, err := Bootstrap(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
