package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 25, cfg.Voice.MaxParticipants)
	assert.Equal(t, 60*time.Second, cfg.Voice.RingTimeout.Std())
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  address: ":9999"
voice:
  max_participants: 8
  ring_timeout: 30s
webrtc:
  ice_servers:
    - urls: ["stun:stun.example.com:3478"]
    - urls: ["turn:turn.example.com:3478"]
      username: u
      credential: p
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Address)
	assert.Equal(t, 8, cfg.Voice.MaxParticipants)
	assert.Equal(t, 30*time.Second, cfg.Voice.RingTimeout.Std())

	require.Len(t, cfg.WebRTC.ICEServers, 2)
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, cfg.WebRTC.ICEServers[0].URLs)
	assert.Equal(t, "u", cfg.WebRTC.ICEServers[1].Username)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Voice.MaxParticipants = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.WebRTC.PortRange.Min = 5000
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.WebRTC.ICEServers = nil
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Signal.PongTimeout = cfg.Signal.PingInterval
	assert.Error(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOICEGATE_SERVER_ADDRESS", ":7777")
	t.Setenv("VOICEGATE_JWT_SECRET", "s3cret")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.Address)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}
