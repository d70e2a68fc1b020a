// Package config loads cartsync configuration.
//
// Sources, in increasing precedence:
//  1. compiled defaults (Default)
//  2. a YAML file, decoded strictly (unknown keys are errors)
//  3. a .env file (missing is not an error); process env wins over it
//  4. CARTSYNC_* environment variables
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/cartsync/internal/backend"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config is the full cartsync configuration.
type Config struct {
	Client   ClientConfig `yaml:"client"`
	Server   ServerConfig `yaml:"server"`
	Policy   string       `yaml:"policy"`
	LogLevel string       `yaml:"log_level"`
}

// ClientConfig configures the engine's HTTP transport and identity.
type ClientConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	UserID  string        `yaml:"user_id"`
	Role    string        `yaml:"role"`
	Timeout time.Duration `yaml:"timeout"`
}

// ServerConfig configures the reference backend.
type ServerConfig struct {
	Addr             string       `yaml:"addr"`
	Catalog          string       `yaml:"catalog"`
	Envelope         string       `yaml:"envelope"`
	RejectDuplicates bool         `yaml:"reject_duplicates"`
	Users            []UserConfig `yaml:"users"`
	Store            StoreConfig  `yaml:"store"`
}

// UserConfig is one accepted bearer token.
type UserConfig struct {
	Token string `yaml:"token"`
	ID    string `yaml:"id"`
	Role  string `yaml:"role"`
}

// StoreConfig selects and configures the cart repository.
type StoreConfig struct {
	Driver        string        `yaml:"driver"`
	SQLitePath    string        `yaml:"sqlite_path"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	CartTTL       time.Duration `yaml:"cart_ttl"`
}

// Default returns the compiled defaults.
func Default() Config {
	return Config{
		Client: ClientConfig{
			BaseURL: "http://localhost:8080",
			Role:    "customer",
			Timeout: 10 * time.Second,
		},
		Server: ServerConfig{
			Addr:     ":8080",
			Envelope: string(backend.EnvelopeItems),
			Store: StoreConfig{
				Driver:     DriverSQLite,
				SQLitePath: "cartsync.db",
				RedisAddr:  "localhost:6379",
				CartTTL:    backend.DefaultCartTTL,
			},
		},
		LogLevel: "info",
	}
}

// Loader loads a Config. The zero value reads the config file named by
// CARTSYNC_CONFIG (if any), ".env", and the process environment.
type Loader struct {
	// Path is the YAML file. Empty means CARTSYNC_CONFIG, then none.
	Path string

	// EnvFile is the dotenv file. Empty means ".env".
	EnvFile string

	// LookupEnv reads the environment. Nil means os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Load builds the configuration and validates it.
func (l Loader) Load() (Config, error) {
	lookup, err := l.lookup()
	if err != nil {
		return Config{}, err
	}

	cfg := Default()

	path := l.Path
	if path == "" {
		path, _ = lookup("CARTSYNC_CONFIG")
	}
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load is Loader{Path: path}.Load().
func Load(path string) (Config, error) {
	return Loader{Path: path}.Load()
}

// lookup merges the process environment over the dotenv file.
func (l Loader) lookup() (func(string) (string, bool), error) {
	base := l.LookupEnv
	if base == nil {
		base = os.LookupEnv
	}

	envFile := l.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	dotenv, err := godotenv.Read(envFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
		dotenv = map[string]string{}
	}

	return func(key string) (string, bool) {
		if v, ok := base(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		// An empty file leaves the defaults in place.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"CARTSYNC_BASE_URL":       &cfg.Client.BaseURL,
		"CARTSYNC_TOKEN":          &cfg.Client.Token,
		"CARTSYNC_USER_ID":        &cfg.Client.UserID,
		"CARTSYNC_ROLE":           &cfg.Client.Role,
		"CARTSYNC_ADDR":           &cfg.Server.Addr,
		"CARTSYNC_CATALOG":        &cfg.Server.Catalog,
		"CARTSYNC_ENVELOPE":       &cfg.Server.Envelope,
		"CARTSYNC_STORE":          &cfg.Server.Store.Driver,
		"CARTSYNC_SQLITE_PATH":    &cfg.Server.Store.SQLitePath,
		"CARTSYNC_REDIS_ADDR":     &cfg.Server.Store.RedisAddr,
		"CARTSYNC_REDIS_PASSWORD": &cfg.Server.Store.RedisPassword,
		"CARTSYNC_POLICY":         &cfg.Policy,
		"CARTSYNC_LOG_LEVEL":      &cfg.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"CARTSYNC_TIMEOUT":  &cfg.Client.Timeout,
		"CARTSYNC_CART_TTL": &cfg.Server.Store.CartTTL,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup("CARTSYNC_REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CARTSYNC_REDIS_DB: %w", err)
		}
		cfg.Server.Store.RedisDB = n
	}
	if v, ok := lookup("CARTSYNC_REJECT_DUPLICATES"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CARTSYNC_REJECT_DUPLICATES: %w", err)
		}
		cfg.Server.RejectDuplicates = b
	}
	return nil
}

// Validate checks field values and cross-field constraints.
func (c Config) Validate() error {
	var errs []error

	if c.Client.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("client.timeout must be positive, got %s", c.Client.Timeout))
	}
	if _, err := backend.ParseEnvelope(c.Server.Envelope); err != nil {
		errs = append(errs, fmt.Errorf("server.envelope: %w", err))
	}
	switch c.Server.Store.Driver {
	case DriverSQLite:
		if c.Server.Store.SQLitePath == "" {
			errs = append(errs, errors.New("server.store.sqlite_path is required for the sqlite driver"))
		}
	case DriverRedis:
		if c.Server.Store.RedisAddr == "" {
			errs = append(errs, errors.New("server.store.redis_addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("server.store.driver: unknown driver %q (want sqlite or redis)", c.Server.Store.Driver))
	}
	if c.Server.Store.CartTTL < 0 {
		errs = append(errs, fmt.Errorf("server.store.cart_ttl must not be negative, got %s", c.Server.Store.CartTTL))
	}

	seen := make(map[string]bool)
	for i, u := range c.Server.Users {
		switch {
		case u.Token == "":
			errs = append(errs, fmt.Errorf("server.users[%d]: token is required", i))
		case u.ID == "":
			errs = append(errs, fmt.Errorf("server.users[%d]: id is required", i))
		case seen[u.Token]:
			errs = append(errs, fmt.Errorf("server.users[%d]: duplicate token", i))
		}
		seen[u.Token] = true
	}

	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// Credentials converts the configured users for the backend server.
func (s ServerConfig) Credentials() []backend.Credential {
	out := make([]backend.Credential, 0, len(s.Users))
	for _, u := range s.Users {
		out = append(out, backend.Credential{
			Token: u.Token,
			User:  backend.User{ID: u.ID, Role: u.Role},
		})
	}
	return out
}
