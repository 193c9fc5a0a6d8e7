package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Setenv("WEFT_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Cache.Size)
	assert.Equal(t, log.InfoLevel, cfg.Level())
	assert.Equal(t, time.Duration(0), cfg.LockTimeout())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weft.toml")
	data := `
[identity]
email = "Jo <jo@example.com>"

[lock]
timeout_seconds = 3

[cache]
size = 10

[log]
level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	t.Setenv("WEFT_CONFIG", path)
	t.Setenv("WEFT_EMAIL", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "Jo <jo@example.com>", cfg.Email())
	assert.Equal(t, 3*time.Second, cfg.LockTimeout())
	assert.Equal(t, 10, cfg.Cache.Size)
	assert.Equal(t, log.DebugLevel, cfg.Level())

	t.Setenv("WEFT_EMAIL", "env@example.com")
	assert.Equal(t, "env@example.com", cfg.Email())
}

func TestBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weft.toml")
	require.NoError(t, os.WriteFile(path, []byte("[lock\n"), 0644))
	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestEmailFallback(t *testing.T) {
	t.Setenv("WEFT_EMAIL", "")
	cfg := Default()
	assert.Contains(t, cfg.Email(), "@")
}
