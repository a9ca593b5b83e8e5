package app

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/quantarax/dtp/internal/config"
	"github.com/quantarax/dtp/internal/observability"
)

func TestResolveUDPUnmaps(t *testing.T) {
	ap, err := resolveUDP("[::ffff:127.0.0.1]:4433")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4433", ap.String())
}

func TestLoadDescriptorsOptional(t *testing.T) {
	cfgs, err := loadDescriptors("")
	require.NoError(t, err)
	assert.Nil(t, cfgs)

	path := filepath.Join(t.TempDir(), "trace.txt")
	require.NoError(t, os.WriteFile(path, []byte("0 200 1000 1\n0.01 200 500 2\n"), 0o600))
	cfgs, err = loadDescriptors(path)
	require.NoError(t, err)
	assert.Len(t, cfgs, 2)
}

func TestObservabilityServerRoutes(t *testing.T) {
	srv := NewObservabilityServer("127.0.0.1:0", observability.NewMetrics(nil), observability.NewHealthChecker(Version))

	for _, path := range []string{"/metrics", "/health", "/debug/pprof/"} {
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRunServerRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultServer()
	cfg.Descriptors = filepath.Join(t.TempDir(), "missing.toml")
	err := RunServer(t.Context(), cfg, observability.Nop())
	assert.ErrorContains(t, err, "invalid server config")
}

func TestRunClientRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultClient()
	cfg.Peer = "not an address"
	_, err := RunClient(t.Context(), cfg, observability.Nop())
	assert.ErrorContains(t, err, "invalid client config")
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dtp.toml")
	require.NoError(t, os.WriteFile(path, []byte("listen = \"127.0.0.1:5000\"\nlinger = true\nlog_level = \"warn\"\n"), 0o600))

	var got *config.Config
	a := &cli.App{
		Flags: append(CommonFlags(), &cli.BoolFlag{Name: "linger"}),
		Action: func(c *cli.Context) error {
			var err error
			got, err = LoadConfig(c, config.DefaultServer())
			return err
		},
	}
	require.NoError(t, a.Run([]string{"dtp-server", "--config", path, "--log-level", "debug", "--idle-timeout", "2s"}))

	assert.Equal(t, "127.0.0.1:5000", got.Listen)
	assert.True(t, got.Linger)
	assert.Equal(t, "debug", got.LogLevel)
	assert.Equal(t, 2*time.Second, got.IdleTimeout.Duration)
	assert.Equal(t, "fifo", got.Scheduler)
}
