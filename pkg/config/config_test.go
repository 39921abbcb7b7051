package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/widgetlabs/supportchat/pkg/transport"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, "info", s.LogLevel)
	require.Equal(t, "stream", s.Transport.Mode)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
transport:
  mode: websocket
  websocket_url: wss://chat.example.com/ws
session:
  wait_allocation_minutes: 10
  close_warning_seconds: 30
  history_page_size: 50
resume:
  path: /tmp/resume.db
`), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", s.LogLevel)
	require.Equal(t, "websocket", s.Transport.Mode)
	require.Equal(t, "wss://chat.example.com/ws", s.Transport.WebsocketURL)
	require.Equal(t, "/tmp/resume.db", s.Resume.Path)

	cfg := s.SessionConfig()
	require.Equal(t, 10*time.Minute, cfg.WaitAllocation)
	require.Equal(t, 30, cfg.CloseWarningDefault)
	require.Equal(t, 50, cfg.HistoryPageSize)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: [unclosed"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestBuildTransportDefaultsToStream(t *testing.T) {
	tr, err := Settings{}.BuildTransport()
	require.NoError(t, err)
	require.IsType(t, &transport.StreamTransport{}, tr)
}

func TestBuildTransportWebsocket(t *testing.T) {
	var s Settings
	s.Transport.Mode = "websocket"
	s.Transport.WebsocketURL = "ws://gateway.example.com/ws"

	tr, err := s.BuildTransport()
	require.NoError(t, err)
	require.IsType(t, &transport.WebsocketTransport{}, tr)
}

func TestBuildTransportWebsocketRequiresURL(t *testing.T) {
	var s Settings
	s.Transport.Mode = "websocket"
	_, err := s.BuildTransport()
	require.Error(t, err)
}

func TestBuildTransportRejectsUnknownMode(t *testing.T) {
	var s Settings
	s.Transport.Mode = "carrier-pigeon"
	_, err := s.BuildTransport()
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SUPPORTCHAT_LOG_LEVEL", "trace")
	t.Setenv("SUPPORTCHAT_REDIS_ADDR", "redis.internal:6379")

	s, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "trace", s.LogLevel)
	require.True(t, s.Transport.Stream.RedisEnabled)
	require.Equal(t, "redis.internal:6379", s.Transport.Stream.RedisAddr)
}
