package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:8080", cfg.GetAddress())
	assert.True(t, cfg.IsFormatSupported(".FLAC"))
	assert.False(t, cfg.IsFormatSupported(".m4a"))
}

func TestLoadConfigCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	_, err = os.Stat(path)
	require.NoError(t, err)

	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[session]
high_bitrate = false
chunk_size = 8192
workers = 2
event_buffer = 16

[library]
path = "/srv/music"
supported_formats = [".flac"]

[server]
port = "9000"
session_timeout_minutes = 5

[logging]
level = "debug"
format = "json"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, cfg.Session.HighBitrate)
	assert.True(t, cfg.Session.UseCache, "unset keys keep their defaults")
	assert.Equal(t, 8192, cfg.Session.ChunkSize)
	assert.Equal(t, "/srv/music", cfg.Library.Path)
	assert.Equal(t, []string{".flac"}, cfg.Library.SupportedFormats)
	assert.Equal(t, "0.0.0.0:9000", cfg.GetAddress())
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlevel = \"loud\"\n"), 0644))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "invalid log level")

	require.NoError(t, os.WriteFile(path, []byte("not = [valid"), 0644))
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"small chunk", func(c *Config) { c.Session.ChunkSize = 100 }, "chunk size must be at least"},
		{"unaligned chunk", func(c *Config) { c.Session.ChunkSize = 1026 }, "multiple of 4"},
		{"no workers", func(c *Config) { c.Session.Workers = 0 }, "workers"},
		{"no event buffer", func(c *Config) { c.Session.EventBuffer = 0 }, "event buffer"},
		{"empty library", func(c *Config) { c.Library.Path = "" }, "library path"},
		{"no formats", func(c *Config) { c.Library.SupportedFormats = nil }, "supported audio format"},
		{"bad format", func(c *Config) { c.Library.SupportedFormats = []string{".ogg"} }, "unsupported audio format"},
		{"empty db", func(c *Config) { c.Database.Path = "" }, "database path"},
		{"no port", func(c *Config) { c.Server.Port = "" }, "port"},
		{"no session timeout", func(c *Config) { c.Server.SessionTimeout = 0 }, "session timeout"},
		{"bad format name", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestLoadCredentials(t *testing.T) {
	t.Setenv(EnvUsername, "")
	t.Setenv(EnvPassword, "")
	os.Unsetenv(EnvUsername)
	os.Unsetenv(EnvPassword)

	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("DESPOTIFY_USERNAME=alice\nDESPOTIFY_PASSWORD=s3cret\n"), 0600))

	creds, err := LoadCredentials(envFile)
	require.NoError(t, err)
	assert.Equal(t, Credentials{Username: "alice", Password: "s3cret"}, creds)
}

func TestLoadCredentialsMissing(t *testing.T) {
	t.Setenv(EnvUsername, "")
	t.Setenv(EnvPassword, "")

	_, err := LoadCredentials(filepath.Join(t.TempDir(), "absent.env"))
	assert.ErrorContains(t, err, EnvUsername)
}
