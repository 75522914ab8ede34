package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"DATABASE_URL", "JWT_SECRET", "HTTP_ADDR", "KEEPER_SCHEDULE", "KEEPER_ENABLED", "OUTBOX_ENABLED", "MIGRATIONS_DIR", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "escrowflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9000"
database:
  url: postgres://file/db
  max_conns: 20
auth:
  jwt_secret: from-file
keeper:
  schedule: "@every 1m"
  batch_size: 50
`), 0o600))

	t.Setenv("JWT_SECRET", "from-env")

	s, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, ":9000", s.HTTP.Addr)
	assert.Equal(t, "postgres://file/db", s.Database.URL)
	assert.Equal(t, int32(20), s.Database.MaxConns)
	assert.Equal(t, "from-env", s.Auth.JWTSecret)
	assert.Equal(t, "@every 1m", s.Keeper.Schedule)
	assert.Equal(t, 50, s.Keeper.BatchSize)
	assert.Equal(t, 4, s.Keeper.Concurrency)
	assert.Equal(t, 15*time.Second, s.HTTP.ReadTimeout)
}

func TestLoad_DotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("DATABASE_URL=postgres://dotenv/db\nJWT_SECRET=dotenv-secret\nKEEPER_ENABLED=false\n"), 0o600))
	// godotenv does not override variables that are already set, including empty ones.
	for _, key := range []string{"DATABASE_URL", "JWT_SECRET", "KEEPER_ENABLED"} {
		require.NoError(t, os.Unsetenv(key))
	}
	t.Cleanup(func() {
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("JWT_SECRET")
		os.Unsetenv("KEEPER_ENABLED")
	})

	s, err := Load(filepath.Join(dir, "missing.yaml"), envFile)
	require.NoError(t, err)
	assert.Equal(t, "postgres://dotenv/db", s.Database.URL)
	assert.Equal(t, "dotenv-secret", s.Auth.JWTSecret)
	assert.False(t, s.Keeper.Enabled)
}

func TestLoad_Validation(t *testing.T) {
	clearEnv(t)

	_, err := Load("", "")
	require.ErrorContains(t, err, "DATABASE_URL")

	t.Setenv("DATABASE_URL", "postgres://x/y")
	_, err = Load("", "")
	require.ErrorContains(t, err, "JWT_SECRET")

	t.Setenv("JWT_SECRET", "s")
	t.Setenv("LOG_LEVEL", "verbose")
	_, err = Load("", "")
	require.ErrorContains(t, err, "log.level")

	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("KEEPER_ENABLED", "sometimes")
	_, err = Load("", "")
	require.ErrorContains(t, err, "KEEPER_ENABLED")

	t.Setenv("KEEPER_ENABLED", "true")
	s, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "debug", s.Log.Level)
}

func TestLoad_BadYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http: [unterminated"), 0o600))
	_, err := Load(path, "")
	require.ErrorContains(t, err, "parse")
}

func TestLoad_Outbox(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://x/y")
	t.Setenv("JWT_SECRET", "s")

	path := filepath.Join(t.TempDir(), "escrowflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
outbox:
  interval: 250ms
  batch_size: 10
`), 0o600))

	s, err := Load(path, "")
	require.NoError(t, err)
	assert.True(t, s.Outbox.Enabled)
	assert.Equal(t, 250*time.Millisecond, s.Outbox.Interval)
	assert.Equal(t, 10, s.Outbox.BatchSize)
	assert.Equal(t, 5, s.Outbox.MaxAttempts)

	require.NoError(t, os.WriteFile(path, []byte("outbox:\n  max_attempts: 0\n"), 0o600))
	_, err = Load(path, "")
	require.ErrorContains(t, err, "outbox.max_attempts")

	t.Setenv("OUTBOX_ENABLED", "false")
	s, err = Load(path, "")
	require.NoError(t, err)
	assert.False(t, s.Outbox.Enabled)
}
