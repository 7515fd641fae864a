// Package config loads the sqlundo command configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const appName = "sqlundo"

type Config struct {
	Data        DatabaseConfig      `yaml:"data"`
	History     DatabaseConfig      `yaml:"history"`
	Logging     LoggingConfig       `yaml:"logging"`
	PrimaryKeys map[string][]string `yaml:"primary_keys"`
}

// DatabaseConfig names a database/sql driver and its data source.
// Driver is one of "sqlite3" (mattn/go-sqlite3), "sqlite" (modernc.org/sqlite) or "pgx".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

var (
	drivers = []string{"sqlite3", "sqlite", "pgx"}
	levels  = []string{"debug", "info", "warn", "error"}
	formats = []string{"text", "json"}
)

// DefaultPath returns $XDG_CONFIG_HOME/sqlundo/config.yaml.
func DefaultPath() string {
	xdg.Reload()
	return filepath.Join(xdg.ConfigHome, appName, "config.yaml")
}

// DefaultHistoryPath returns $XDG_DATA_HOME/sqlundo/history.db.
func DefaultHistoryPath() string {
	xdg.Reload()
	return filepath.Join(xdg.DataHome, appName, "history.db")
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Data:    DatabaseConfig{Driver: "sqlite3"},
		History: DatabaseConfig{Driver: "sqlite", DSN: DefaultHistoryPath()},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, expanding ${VAR} references first. An empty
// path means DefaultPath, which may be absent.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
	case !explicit && errors.Is(err, fs.ErrNotExist):
		return cfg, nil
	default:
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVar = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envVar.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVar.FindStringSubmatch(match)[1])
	})
}

func (c Config) Validate() error {
	if !slices.Contains(drivers, c.Data.Driver) {
		return fmt.Errorf("data.driver %q is not one of %v", c.Data.Driver, drivers)
	}
	if !slices.Contains(drivers, c.History.Driver) {
		return fmt.Errorf("history.driver %q is not one of %v", c.History.Driver, drivers)
	}
	if c.History.DSN == "" {
		return fmt.Errorf("history.dsn is required")
	}
	if !slices.Contains(levels, c.Logging.Level) {
		return fmt.Errorf("logging.level %q is not one of %v", c.Logging.Level, levels)
	}
	if !slices.Contains(formats, c.Logging.Format) {
		return fmt.Errorf("logging.format %q is not one of %v", c.Logging.Format, formats)
	}
	return nil
}
