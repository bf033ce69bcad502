package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig places content in a temporary ~/.config/personad/config.yaml.
func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".config", "personad")
	require.NoError(t, os.MkdirAll(dir, 0700))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	return path
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8088
storage:
  backend: sqlite
  sqlite_path: /tmp/personad.db
cache:
  ttl: 30s
  max_entries: 10
scoring:
  latency_ceiling_ms: 2500
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, "/tmp/personad.db", cfg.Storage.SQLitePath)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL.Duration())
	assert.Equal(t, 10, cfg.Cache.MaxEntries)
	assert.Equal(t, 2500.0, cfg.Scoring.LatencyCeilingMS)

	// Untouched keys keep their defaults.
	assert.True(t, cfg.Registry.LoadBuiltins)
	assert.Equal(t, "personad.usage", cfg.Events.SubjectPrefix)
}

func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 8088\n", 0600)
	t.Setenv("PERSONAD_SERVER_HTTP_PORT", "7077")
	t.Setenv("PERSONAD_CACHE_MAX_ENTRIES", "5")
	t.Setenv("PERSONAD_STORAGE_REDIS_PASSWORD", "s3cret")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7077, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Cache.MaxEntries)
	assert.Equal(t, "s3cret", cfg.Storage.RedisPassword.Value())
}

func TestLoadWithFile_MissingFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := LoadWithFile(filepath.Join(home, ".config", "personad", "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoadWithFile_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [unclosed\n", 0600)

	_, err := LoadWithFile(path)
	assert.Error(t, err)
}

func TestLoadWithFile_ValidationFailure(t *testing.T) {
	path := writeConfig(t, "storage:\n  backend: mongo\n", 0600)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.backend")
}

func TestLoadWithFile_PathOutsideAllowedDirs(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, err := LoadWithFile("/tmp/evil/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config path validation failed")
}

func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	path := writeConfig(t, "server:\n  http_port: 8088\n", 0644)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_FileTooLarge(t *testing.T) {
	path := writeConfig(t, "# "+strings.Repeat("x", maxConfigFileSize)+"\n", 0600)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "server.http_port", envKey("PERSONAD_SERVER_HTTP_PORT"))
	assert.Equal(t, "storage.redis_addr", envKey("PERSONAD_STORAGE_REDIS_ADDR"))
	assert.Equal(t, "standalone", envKey("PERSONAD_STANDALONE"))
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := ExpandPath("~/.config/personad/db")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".config/personad/db"), got)

	got, err = ExpandPath("/var/lib/personad")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/personad", got)
}
