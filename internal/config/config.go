package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apiforward/apiforward/internal/store"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config holds the process settings. User-facing rule and history
// settings live in the store, not here.
type Config struct {
	LogLevel string `yaml:"log-level" validate:"oneof=debug info warn error"`
	LogFile  string `yaml:"log-file"`

	Store StoreConfig `yaml:"store"`
	API   APIConfig   `yaml:"api"`

	ExportDir      string        `yaml:"export-dir"`
	StatsFile      string        `yaml:"stats-file"`
	ForwardTimeout time.Duration `yaml:"forward-timeout" validate:"gte=0"`
	RulesFile      string        `yaml:"rules-file"`

	// Remote is the API base URL of a running background context used by
	// the client-side commands.
	Remote string `yaml:"remote" validate:"omitempty,url"`

	// DelegateHeaders leaves restricted request headers to declarative
	// rules.
	DelegateHeaders bool `yaml:"delegate-headers"`
}

type StoreConfig struct {
	Backend    string      `yaml:"backend" validate:"oneof=memory sqlite redis"`
	SQLitePath string      `yaml:"sqlite-path"`
	Redis      RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix"`
}

type APIConfig struct {
	Addr   string `yaml:"addr"`
	Secret string `yaml:"secret"`
}

const EnvPrefix = "APIFORWARD"

// EnvKeyReplacer maps viper keys such as store.redis.addr to environment
// variable suffixes such as STORE_REDIS_ADDR.
var EnvKeyReplacer = strings.NewReplacer("-", "_", ".", "_")

var validate = validator.New()

// DataDir is the default directory for the database and exports.
func DataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".apiforward")
	}
	return filepath.Join(os.TempDir(), "apiforward")
}

// SetDefaults registers the default settings with viper.
func SetDefaults() {
	viper.SetDefault("log-level", "info")
	viper.SetDefault("store.backend", store.BackendSQLite)
	viper.SetDefault("store.sqlite-path", filepath.Join(DataDir(), "apiforward.db"))
	viper.SetDefault("store.redis.addr", "127.0.0.1:6379")
	viper.SetDefault("store.redis.prefix", "apiforward")
	viper.SetDefault("api.addr", "127.0.0.1:9092")
	viper.SetDefault("export-dir", DataDir())
	viper.SetDefault("forward-timeout", "10s")
}

// BuildConfigFromViper decodes and validates the merged flag, env and file
// settings.
func BuildConfigFromViper() (*Config, error) {
	var cfg Config
	err := viper.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("viper.Unmarshal: %w", err)
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	cfg.Remote = strings.TrimRight(cfg.Remote, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Store.Backend {
	case store.BackendSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("invalid config: store.sqlite-path is required for the sqlite backend")
		}
	case store.BackendRedis:
		if c.Store.Redis.Addr == "" {
			return errors.New("invalid config: store.redis.addr is required for the redis backend")
		}
	}
	return nil
}

// StoreOptions converts the store settings for store.Open.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Backend:    c.Store.Backend,
		SQLitePath: c.Store.SQLitePath,
		Redis: store.RedisOptions{
			Addr:     c.Store.Redis.Addr,
			Password: c.Store.Redis.Password,
			DB:       c.Store.Redis.DB,
			Prefix:   c.Store.Redis.Prefix,
		},
	}
}

func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("log-level", c.LogLevel),
		slog.String("log-file", c.LogFile),
		slog.String("store", c.Store.Backend),
		slog.String("sqlite-path", c.Store.SQLitePath),
		slog.String("redis", c.Store.Redis.Addr),
		slog.String("api", c.API.Addr),
		slog.Bool("api-secret", c.API.Secret != ""),
		slog.String("export-dir", c.ExportDir),
		slog.Duration("forward-timeout", c.ForwardTimeout),
		slog.String("rules-file", c.RulesFile),
		slog.String("remote", c.Remote),
		slog.Bool("delegate-headers", c.DelegateHeaders),
	)
}
