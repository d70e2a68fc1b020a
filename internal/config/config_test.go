package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// envMap returns a LookupEnv backed by m, isolating tests from the process env.
func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func noDotenv(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.env")
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Loader{EnvFile: noDotenv(t), LookupEnv: envMap(nil)}.Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}

const sampleYAML = `
client:
  base_url: https://shop.example
  token: abc
  user_id: u1
  timeout: 3s
server:
  addr: ":9090"
  envelope: data
  reject_duplicates: true
  users:
    - {token: t1, id: u1, role: customer}
    - {token: t2, id: s1, role: seller}
  store:
    driver: redis
    redis_addr: cache:6379
    redis_db: 2
    cart_ttl: 1h
policy: policy.cue
log_level: debug
`

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "cartsync.yaml", sampleYAML)

	cfg, err := Loader{Path: path, EnvFile: noDotenv(t), LookupEnv: envMap(nil)}.Load()
	require.NoError(t, err)

	assert.Equal(t, "https://shop.example", cfg.Client.BaseURL)
	assert.Equal(t, "customer", cfg.Client.Role, "unset keys keep defaults")
	assert.Equal(t, 3*time.Second, cfg.Client.Timeout)
	assert.Equal(t, "data", cfg.Server.Envelope)
	assert.True(t, cfg.Server.RejectDuplicates)
	assert.Equal(t, DriverRedis, cfg.Server.Store.Driver)
	assert.Equal(t, 2, cfg.Server.Store.RedisDB)
	assert.Equal(t, time.Hour, cfg.Server.Store.CartTTL)
	assert.Equal(t, "cartsync.db", cfg.Server.Store.SQLitePath)
	assert.Equal(t, "policy.cue", cfg.Policy)

	creds := cfg.Server.Credentials()
	require.Len(t, creds, 2)
	assert.Equal(t, "t2", creds[1].Token)
	assert.Equal(t, "seller", creds[1].User.Role)
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	path := writeFile(t, "c.yaml", "log_level: warn\n")

	cfg, err := Loader{EnvFile: noDotenv(t), LookupEnv: envMap(map[string]string{"CARTSYNC_CONFIG": path})}.Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoad_EmptyFile(t *testing.T) {
	path := writeFile(t, "empty.yaml", "")

	cfg, err := Loader{Path: path, EnvFile: noDotenv(t), LookupEnv: envMap(nil)}.Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "cartsync.yaml", sampleYAML)
	env := envMap(map[string]string{
		"CARTSYNC_BASE_URL":          "http://override",
		"CARTSYNC_TIMEOUT":           "250ms",
		"CARTSYNC_STORE":             "sqlite",
		"CARTSYNC_REDIS_DB":          "7",
		"CARTSYNC_REJECT_DUPLICATES": "false",
	})

	cfg, err := Loader{Path: path, EnvFile: noDotenv(t), LookupEnv: env}.Load()
	require.NoError(t, err)
	assert.Equal(t, "http://override", cfg.Client.BaseURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.Timeout)
	assert.Equal(t, DriverSQLite, cfg.Server.Store.Driver)
	assert.Equal(t, 7, cfg.Server.Store.RedisDB)
	assert.False(t, cfg.Server.RejectDuplicates)
}

func TestLoad_Dotenv(t *testing.T) {
	dotenv := writeFile(t, ".env", "CARTSYNC_TOKEN=from-dotenv\nCARTSYNC_ROLE=admin\n")
	env := envMap(map[string]string{"CARTSYNC_ROLE": "customer"})

	cfg, err := Loader{EnvFile: dotenv, LookupEnv: env}.Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Client.Token)
	assert.Equal(t, "customer", cfg.Client.Role, "process env wins over .env")
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
		want string
	}{
		{name: "unknown key", yaml: "client:\n  base_ur: x\n", want: "base_ur"},
		{name: "bad duration env", env: map[string]string{"CARTSYNC_TIMEOUT": "soon"}, want: "CARTSYNC_TIMEOUT"},
		{name: "bad redis db", env: map[string]string{"CARTSYNC_REDIS_DB": "two"}, want: "CARTSYNC_REDIS_DB"},
		{name: "bad bool", env: map[string]string{"CARTSYNC_REJECT_DUPLICATES": "maybe"}, want: "CARTSYNC_REJECT_DUPLICATES"},
		{name: "zero timeout", yaml: "client:\n  timeout: 0s\n", want: "client.timeout"},
		{name: "bad envelope", env: map[string]string{"CARTSYNC_ENVELOPE": "cart"}, want: "server.envelope"},
		{name: "bad driver", env: map[string]string{"CARTSYNC_STORE": "postgres"}, want: "unknown driver"},
		{name: "bad level", env: map[string]string{"CARTSYNC_LOG_LEVEL": "loud"}, want: "log_level"},
		{name: "user without token", yaml: "server:\n  users:\n    - {id: u1}\n", want: "token is required"},
		{name: "duplicate token", yaml: "server:\n  users:\n    - {token: a, id: u1}\n    - {token: a, id: u2}\n", want: "duplicate token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := Loader{EnvFile: noDotenv(t), LookupEnv: envMap(tt.env)}
			if tt.yaml != "" {
				l.Path = writeFile(t, "c.yaml", tt.yaml)
			}
			_, err := l.Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Loader{Path: filepath.Join(t.TempDir(), "nope.yaml"), EnvFile: noDotenv(t), LookupEnv: envMap(nil)}.Load()
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Client.Timeout = 0
	cfg.Server.Store.Driver = "mongo"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client.timeout")
	assert.Contains(t, err.Error(), "mongo")
}
