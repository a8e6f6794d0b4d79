package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_WritesDefaultsOnFirstRun(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, "rigged3d", cfg.Avatar.Backend)
	assert.Equal(t, "animation", cfg.Avatar.Fallback)
	assert.Equal(t, 30*time.Second, cfg.Avatar.LoadTimeout)
	assert.Equal(t, SandboxInProcess, cfg.Sandbox.Mode)
	assert.FileExists(t, filepath.Join(dir, "config.yaml"))

	again, err := LoadFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadFrom_FileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	yaml := `
avatar:
  backend: rigged2d
  model: bundle://models/hiyori.rig.yaml
  load_timeout: 5s
sandbox:
  mode: websocket
  url: http://10.0.0.2:7420
assets:
  watch: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))
	t.Setenv("AVATARBRIDGE_AVATAR_FALLBACK", "native")
	t.Setenv("AVATARBRIDGE_FEED_URL", "http://localhost:9000/state")

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, "rigged2d", cfg.Avatar.Backend)
	assert.Equal(t, "bundle://models/hiyori.rig.yaml", cfg.Avatar.Model)
	assert.Equal(t, 5*time.Second, cfg.Avatar.LoadTimeout)
	assert.Equal(t, 16*time.Millisecond, cfg.Avatar.FrameBudget)
	assert.Equal(t, "native", cfg.Avatar.Fallback)
	assert.Equal(t, SandboxWebSocket, cfg.Sandbox.Mode)
	assert.Equal(t, "http://10.0.0.2:7420", cfg.Sandbox.URL)
	assert.True(t, cfg.Assets.Watch)
	assert.Equal(t, "http://localhost:9000/state", cfg.Feed.URL)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Sandbox.Mode = "iframe"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Avatar.Fallback = cfg.Avatar.Backend
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Avatar.LoadTimeout = -time.Second
	assert.Error(t, cfg.Validate())
}
