package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseEnv(t *testing.T, vars map[string]string) (*Config, error) {
	t.Helper()
	return parse(env.Options{Environment: vars})
}

func TestParseDefaults(t *testing.T) {
	cfg, err := parseEnv(t, map[string]string{"BOT_TOKEN": "123:abc"})
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.DatabaseDriver)
	assert.Equal(t, "db.sqlite3", cfg.DatabasePath)
	assert.Equal(t, 30*time.Second, cfg.PollTimeout)
	assert.Equal(t, 5*time.Second, cfg.RetryDelay)
	assert.Equal(t, 6*time.Hour, cfg.ScanInterval)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.StoreBusyTimeout)
	assert.Equal(t, 2*time.Minute, cfg.EventTimeout)
	assert.Contains(t, cfg.Messages.Welcome, "{question}")
	assert.Contains(t, cfg.Messages.Welcome, "\n")
}

func TestStoreBusyTimeoutIsIndependentOfRequestTimeout(t *testing.T) {
	cfg, err := parseEnv(t, map[string]string{
		"BOT_TOKEN":          "x",
		"REQUEST_TIMEOUT":    "30s",
		"STORE_BUSY_TIMEOUT": "250ms",
	})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.StoreBusyTimeout)

	_, err = parseEnv(t, map[string]string{"BOT_TOKEN": "x", "STORE_BUSY_TIMEOUT": "0s"})
	require.Error(t, err)
}

func TestParseRequiresToken(t *testing.T) {
	_, err := parseEnv(t, map[string]string{})
	require.Error(t, err)
}

func TestParseRejectsUnknownDriver(t *testing.T) {
	_, err := parseEnv(t, map[string]string{"BOT_TOKEN": "x", "DATABASE_DRIVER": "postgres"})
	require.Error(t, err)
}

func TestParseUnescapesNewlines(t *testing.T) {
	cfg, err := parseEnv(t, map[string]string{
		"BOT_TOKEN":     "x",
		"ERROR_MESSAGE": `Nope.\n{question}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "Nope.\n{question}", cfg.Messages.WrongAnswer)
}

func TestMessagesFileOverridesTemplates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.yaml")
	require.NoError(t, os.WriteFile(path, []byte("success: \"Hola {user_name}\"\nno_banned: \"\"\n"), 0o600))

	cfg, err := parseEnv(t, map[string]string{"BOT_TOKEN": "x", "MESSAGES_FILE": path})
	require.NoError(t, err)

	assert.Equal(t, "Hola {user_name}", cfg.Messages.Success)
	assert.Equal(t, "✅ No banned users found.", cfg.Messages.NoBanned)
}

func TestRender(t *testing.T) {
	out := Render("Hi {user_name}, {question}", map[string]string{
		"user_name": "Ana",
		"question":  "1 + 2?",
	})
	assert.Equal(t, "Hi Ana, 1 + 2?", out)
}
