package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarax/dtp/internal/block"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad_Overlay(t *testing.T) {
	p := writeFile(t, "server.toml", `
listen = "127.0.0.1:5000"
idle_timeout = "750ms"
scheduler = "priority"
alpn = ["dtp/1", "dtp/0"]
linger = true
`)
	cfg, err := Load(p, DefaultServer())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5000", cfg.Listen)
	assert.Equal(t, 750*time.Millisecond, cfg.IdleTimeout.Duration)
	assert.Equal(t, "priority", cfg.Scheduler)
	assert.Equal(t, []string{"dtp/1", "dtp/0"}, cfg.ALPN)
	assert.True(t, cfg.Linger)
	assert.Equal(t, 20, cfg.ConnIDLen, "defaults survive the overlay")
}

func TestLoad_UnknownKey(t *testing.T) {
	p := writeFile(t, "bad.toml", `listne = "x"`)
	_, err := Load(p, DefaultServer())
	assert.ErrorContains(t, err, "listne")
}

func TestValidateServer_CollectsEveryProblem(t *testing.T) {
	cfg := DefaultServer()
	cfg.Listen = ""
	cfg.ConnIDLen = 40
	cfg.Scheduler = "edf"
	cfg.CertFile = "cert.pem"

	err := cfg.ValidateServer()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"listen", "conn_id_len", "scheduler", "descriptors", "cert and key"} {
		assert.Contains(t, msg, want)
	}
	assert.True(t, errors.Is(err, ErrOutOfRange))
}

func TestValidateClient(t *testing.T) {
	cfg := DefaultClient()
	require.NoError(t, cfg.ValidateClient())

	cfg.Peer = "nowhere"
	assert.ErrorIs(t, cfg.ValidateClient(), ErrInvalidAddr)
}

func TestParseTrace(t *testing.T) {
	in := `# gap deadline size priority
0     200  1000 1
0.5   100  2048 0

0.001 300  0    2
`
	cfgs, err := ParseTrace(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []block.Config{
		{SendTimeGap: 0, Deadline: 200, BlockSize: 1000, Priority: 1},
		{SendTimeGap: 0.5, Deadline: 100, BlockSize: 2048, Priority: 0},
		{SendTimeGap: 0.001, Deadline: 300, BlockSize: 0, Priority: 2},
	}, cfgs)
}

func TestParseTrace_Errors(t *testing.T) {
	_, err := ParseTrace(strings.NewReader("0 1 2\nx 1 2 3\n0 1 2 3\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
	assert.Contains(t, err.Error(), "line 2")
	assert.NotContains(t, err.Error(), "line 3")

	_, err = ParseTrace(strings.NewReader("# nothing\n"))
	assert.ErrorIs(t, err, block.ErrConfigEmpty)

	_, err = ParseTrace(strings.NewReader("-1 1 1 1\n"))
	assert.ErrorIs(t, err, block.ErrInvalidConfig)
}

func TestParseTrace_RejectsUnsendableValues(t *testing.T) {
	for _, line := range []string{
		"0 10 16 4611686018427387904",
		"0 4611686018427387904 16 1",
		"NaN 10 16 1",
		"+Inf 10 16 1",
	} {
		_, err := ParseTrace(strings.NewReader(line + "\n"))
		assert.ErrorIs(t, err, block.ErrInvalidConfig, line)
	}
}

func TestLoadDescriptors_TOML(t *testing.T) {
	p := writeFile(t, "blocks.toml", `
[[block]]
size = 4096
priority = 1
deadline = 150
gap = 0

[[block]]
size = 10
priority = 2
deadline = 50
gap = 0.25
`)
	cfgs, err := LoadDescriptors(p)
	require.NoError(t, err)
	require.Len(t, cfgs, 2)
	assert.Equal(t, block.Config{BlockSize: 10, Priority: 2, Deadline: 50, SendTimeGap: 0.25}, cfgs[1])
}

func TestLoadDescriptors_Trace(t *testing.T) {
	p := writeFile(t, "trace.txt", "0 100 10 1\n")
	cfgs, err := LoadDescriptors(p)
	require.NoError(t, err)
	assert.Len(t, cfgs, 1)

	_, err = LoadDescriptors(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}
