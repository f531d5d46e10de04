package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmesh/metamcp/internal/config"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &config.Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, config.DefaultFindToolsLimit, cfg.FindTools.DefaultLimit)
	assert.Equal(t, config.DefaultMaxFindToolsLimit, cfg.FindTools.MaxLimit)
	assert.Equal(t, config.DefaultMode, cfg.FindTools.DefaultMode)
	assert.Equal(t, config.DefaultDetailLevel, cfg.FindTools.DefaultDetailLevel)
	assert.Equal(t, config.DefaultRefreshIntervalMs, cfg.Index.RefreshIntervalMs)
	assert.Equal(t, config.DefaultIdleTimeoutMs, cfg.Daemon.IdleTimeoutMs)
	assert.Equal(t, config.DefaultHeartbeatTimeoutMs, cfg.Daemon.HeartbeatTimeoutMs)
	assert.Equal(t, config.DefaultConnectTimeoutMs, cfg.Daemon.ConnectTimeoutMs)
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &config.Config{
		FindTools: config.FindTools{DefaultLimit: 5, MaxLimit: 20, DefaultMode: "hybrid", DefaultDetailLevel: "L2"},
	}
	cfg.ApplyDefaults()

	assert.Equal(t, 5, cfg.FindTools.DefaultLimit)
	assert.Equal(t, 20, cfg.FindTools.MaxLimit)
	assert.Equal(t, "hybrid", cfg.FindTools.DefaultMode)
	assert.Equal(t, "L2", cfg.FindTools.DefaultDetailLevel)
}

func TestResolveEnv(t *testing.T) {
	lookup := func(name string) (string, bool) {
		if name == "FOO" {
			return "bar", true
		}
		return "", false
	}

	assert.Equal(t, "bar", config.ResolveEnv(lookup, "$FOO"))
	assert.Equal(t, "", config.ResolveEnv(lookup, "$MISSING"))
	assert.Equal(t, "literal", config.ResolveEnv(lookup, "literal"))
	assert.Equal(t, "", config.ResolveEnv(lookup, ""))
}

func TestLoader_Load(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/metamcp.yaml"
	require.NoError(t, writeFile(path, `
upstreams:
  fs:
    transport: stdio
    enabled: true
    stdio:
      command: fs-mcp-server
      args: ["--root", "/tmp"]
security:
  allow:
    - "*:*"
findTools:
  defaultLimit: 5
`))

	l := config.NewLoader(path, nil)
	cfg, err := l.Load()
	require.NoError(t, err)

	require.Contains(t, cfg.Upstreams, "fs")
	up := cfg.Upstreams["fs"]
	assert.Equal(t, config.TransportStdio, up.Transport)
	assert.True(t, up.Enabled)
	require.NotNil(t, up.Stdio)
	assert.Equal(t, "fs-mcp-server", up.Stdio.Command)
	assert.Equal(t, []string{"*:*"}, cfg.Security.Allow)
	assert.Equal(t, 5, cfg.FindTools.DefaultLimit)
	// untouched default still applied
	assert.Equal(t, config.DefaultMaxFindToolsLimit, cfg.FindTools.MaxLimit)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
