package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/zeuscollab/internal/core/observability/log"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestParseEmptyKeepsDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader("  \n"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseOverridesSections(t *testing.T) {
	src := `
server:
  addr: 127.0.0.1:9000
  quic_addr: 127.0.0.1:9001
registry:
  heartbeat_interval: 5s
  reconnect_attempts: 2
document:
  max_operations: 50
sync:
  sync_interval: 250ms
  redis:
    addr: localhost:6379
log:
  level: debug
`
	cfg, err := Parse(strings.NewReader(src))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "/ws", cfg.Server.WSPath)
	assert.Equal(t, "127.0.0.1:9001", cfg.Server.QUICAddr)
	assert.Equal(t, 5*time.Second, cfg.Registry.HeartbeatInterval)
	assert.Equal(t, 2, cfg.Registry.ReconnectAttempts)
	assert.Equal(t, time.Second, cfg.Registry.ReconnectDelay)
	assert.Equal(t, 50, cfg.Document.MaxOperations)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.SyncInterval)
	assert.True(t, cfg.Sync.Redis.Enabled())
	assert.Equal(t, "zeuscollab:state", cfg.Sync.Redis.Channel)
	assert.Equal(t, log.LevelDebug, cfg.LogConfig().Level)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse(strings.NewReader("server:\n  port: 80\n"))
	assert.Error(t, err)
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.WSPath = "ws"
	cfg.Document.MaxOperations = 0
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "ws_path")
	assert.Contains(t, err.Error(), "max_operations")
	assert.Contains(t, err.Error(), "log.level")
}

func TestCertPairMustBeComplete(t *testing.T) {
	cfg := Default()
	cfg.Server.CertFile = "cert.pem"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.yaml")
	require.NoError(t, os.WriteFile(path, []byte("registry:\n  reconnect_attempts: 0\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Registry.ReconnectAttempts)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
