/*
Package config loads the academyd configuration.

LAYERING (later wins):
  1. Defaults()
  2. TOML file (--config, optional)
  3. .env file in the working directory (optional, never overrides a
     variable already set in the process environment)
  4. ACADEMY_* environment variables

EXAMPLE FILE:
  [http]
  port = 8080
  allowed_origins = ["http://localhost:5173"]

  [database]
  driver = "sqlite3"
  dsn = "academy.db"

  [log]
  level = "info"
  format = "json"

  [engine]
  timezone = "Europe/Madrid"
  audit_interval = "1h"   # "0s" disables the ledger audit
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

// Environment variables that override the file.
const (
	EnvHTTPPort  = "ACADEMY_HTTP_PORT"
	EnvDBDriver  = "ACADEMY_DB_DRIVER"
	EnvDBDSN     = "ACADEMY_DB_DSN"
	EnvLogLevel  = "ACADEMY_LOG_LEVEL"
	EnvTimezone  = "ACADEMY_TIMEZONE"
	EnvLogFormat = "ACADEMY_LOG_FORMAT"
	EnvAudit     = "ACADEMY_AUDIT_INTERVAL"
)

type Config struct {
	HTTP     HTTP     `toml:"http"`
	Database Database `toml:"database"`
	Log      Log      `toml:"log"`
	Engine   Engine   `toml:"engine"`
}

type HTTP struct {
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
	ReadTimeout    Duration `toml:"read_timeout"`
	WriteTimeout   Duration `toml:"write_timeout"`
	IdleTimeout    Duration `toml:"idle_timeout"`
}

type Database struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json or console
}

type Engine struct {
	Timezone      string   `toml:"timezone"`
	AuditInterval Duration `toml:"audit_interval"`
}

// Duration decodes TOML strings like "15s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Defaults returns a configuration that runs locally with no file.
func Defaults() Config {
	return Config{
		HTTP: HTTP{
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
			ReadTimeout:    Duration{15 * time.Second},
			WriteTimeout:   Duration{15 * time.Second},
			IdleTimeout:    Duration{60 * time.Second},
		},
		Database: Database{Driver: "sqlite3", DSN: "academy.db"},
		Log:      Log{Level: "info", Format: "console"},
		Engine:   Engine{Timezone: "UTC", AuditInterval: Duration{time.Hour}},
	}
}

// Load builds the configuration. path may be empty; a missing .env file
// is not an error.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("read .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvHTTPPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvHTTPPort, err)
		}
		c.HTTP.Port = port
	}
	if v, ok := lookup(EnvDBDriver); ok {
		c.Database.Driver = v
	}
	if v, ok := lookup(EnvDBDSN); ok {
		c.Database.DSN = v
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvLogFormat); ok {
		c.Log.Format = v
	}
	if v, ok := lookup(EnvTimezone); ok {
		c.Engine.Timezone = v
	}
	if v, ok := lookup(EnvAudit); ok {
		if err := c.Engine.AuditInterval.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%s: %w", EnvAudit, err)
		}
	}
	return nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var err error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		err = multierr.Append(err, fmt.Errorf("database.driver %q must be sqlite3 or postgres", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		err = multierr.Append(err, errors.New("database.dsn is required"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		err = multierr.Append(err, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		err = multierr.Append(err, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}
	if c.Engine.AuditInterval.Duration < 0 {
		err = multierr.Append(err, fmt.Errorf("engine.audit_interval %s is negative", c.Engine.AuditInterval))
	}
	if _, locErr := c.Location(); locErr != nil {
		err = multierr.Append(err, fmt.Errorf("engine.timezone: %w", locErr))
	}
	return err
}

// Location resolves engine.timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Engine.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Engine.Timezone)
}
