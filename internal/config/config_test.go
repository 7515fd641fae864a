package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("SQLUNDO_TEST_DSN", "postgres://app@localhost/app")

	path := writeConfig(t, `
data:
  driver: pgx
  dsn: "${SQLUNDO_TEST_DSN}"
history:
  driver: sqlite
  dsn: /var/lib/sqlundo/history.db
logging:
  level: debug
  format: json
primary_keys:
  public.widgets: [id]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DatabaseConfig{Driver: "pgx", DSN: "postgres://app@localhost/app"}, cfg.Data)
	assert.Equal(t, DatabaseConfig{Driver: "sqlite", DSN: "/var/lib/sqlundo/history.db"}, cfg.History)
	assert.Equal(t, LoggingConfig{Level: "debug", Format: "json"}, cfg.Logging)
	assert.Equal(t, map[string][]string{"public.widgets": {"id"}}, cfg.PrimaryKeys)
}

func TestLoad_KeepsDefaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	cfg, err := Load(writeConfig(t, "data:\n  dsn: app.db\n"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.Data.Driver)
	assert.Equal(t, "app.db", cfg.Data.DSN)
	assert.Equal(t, "sqlite", cfg.History.Driver)
	assert.True(t, strings.HasSuffix(cfg.History.DSN, filepath.Join("sqlundo", "history.db")))
	assert.Equal(t, LoggingConfig{Level: "info", Format: "text"}, cfg.Logging)
}

func TestLoad_MissingDefaultFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "explicit paths must exist")

	_, err = Load(writeConfig(t, "data: [oops"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "data:\n  driver: mysql\n"))
	assert.ErrorContains(t, err, "data.driver")

	_, err = Load(writeConfig(t, "logging:\n  level: loud\n"))
	assert.ErrorContains(t, err, "logging.level")

	_, err = Load(writeConfig(t, "history:\n  dsn: \"\"\n"))
	assert.ErrorContains(t, err, "history.dsn")
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("SQLUNDO_A", "one")

	assert.Equal(t, "one-", expandEnvVars("${SQLUNDO_A}-${SQLUNDO_UNSET_VAR}"))
	assert.Equal(t, "$SQLUNDO_A", expandEnvVars("$SQLUNDO_A"))
}

func TestDefaultPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	assert.Equal(t, filepath.Join(dir, "sqlundo", "config.yaml"), DefaultPath())
}
