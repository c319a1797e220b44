package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults_AreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: a TOML file and an env override for the port
	dir := t.TempDir()
	path := filepath.Join(dir, "academy.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[http]
port = 9090
read_timeout = "5s"

[database]
driver = "postgres"
dsn = "postgres://academy@localhost/academy?sslmode=disable"

[log]
level = "debug"
format = "json"

[engine]
timezone = "Europe/Madrid"
audit_interval = "15m"
`), 0o600))

	chdir(t, dir)
	t.Setenv(EnvHTTPPort, "7070")

	// WHEN: loading
	cfg, err := Load(path)

	// THEN: env wins over the file, the file wins over defaults
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.HTTP.Port)
	assert.Equal(t, 5*time.Second, cfg.HTTP.ReadTimeout.Duration)
	assert.Equal(t, 15*time.Second, cfg.HTTP.WriteTimeout.Duration)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 15*time.Minute, cfg.Engine.AuditInterval.Duration)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Madrid", loc.String())
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte(EnvDBDSN+"=from-dotenv.db\n"+EnvLogLevel+"=warn\n"), 0o600))
	chdir(t, dir)

	// Registered so t.Setenv restores the process state after godotenv sets them.
	t.Setenv(EnvDBDSN, "")
	os.Unsetenv(EnvDBDSN)
	t.Setenv(EnvLogLevel, "")
	os.Unsetenv(EnvLogLevel)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv.db", cfg.Database.DSN)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.HTTP.Port = 0
	cfg.Database.Driver = "mysql"
	cfg.Log.Level = "loud"
	cfg.Engine.Timezone = "Mars/Olympus"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http.port")
	assert.Contains(t, err.Error(), "database.driver")
	assert.Contains(t, err.Error(), "log.level")
	assert.Contains(t, err.Error(), "engine.timezone")
}

func TestApplyEnv_BadPort(t *testing.T) {
	cfg := Defaults()
	err := cfg.applyEnv(func(key string) (string, bool) {
		if key == EnvHTTPPort {
			return "eighty", true
		}
		return "", false
	})
	assert.Error(t, err)
}

func TestApplyEnv_AuditInterval(t *testing.T) {
	cfg := Defaults()
	env := map[string]string{EnvAudit: "0s"}
	require.NoError(t, cfg.applyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}))
	assert.Zero(t, cfg.Engine.AuditInterval.Duration)

	env[EnvAudit] = "soon"
	assert.Error(t, cfg.applyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}))
}

func TestNewLogger(t *testing.T) {
	logger, err := Log{Level: "warn", Format: "json"}.NewLogger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1)) // debug
	assert.True(t, logger.Core().Enabled(1))   // warn
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
