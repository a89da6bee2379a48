// Package config loads the console configuration with viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/autoposter/console/internal/util"
)

// Store backends.
const (
	StoreBolt     = "bbolt"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// AUTOPOSTER_API_URL sets api.url.
var envKeyReplacer = strings.NewReplacer(".", "_")

// Config is the complete console configuration.
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Store   StoreConfig   `mapstructure:"store"`
	Profile string        `mapstructure:"profile"`
	Output  OutputConfig  `mapstructure:"output"`
	Logging LoggingConfig `mapstructure:"logging"`
	Mock    MockConfig    `mapstructure:"mock"`
}

// APIConfig describes the backend the console talks to.
type APIConfig struct {
	URL       string        `mapstructure:"url"`
	Key       string        `mapstructure:"key"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// StoreConfig selects where credentials are kept. With a passphrase the
// records are sealed.
type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	Dir        string `mapstructure:"dir"`
	DSN        string `mapstructure:"dsn"`
	Passphrase string `mapstructure:"passphrase"`
	KDFProfile string `mapstructure:"kdf_profile"`
}

// OutputConfig contains output formatting settings
type OutputConfig struct {
	Colors bool `mapstructure:"colors"`
	JSON   bool `mapstructure:"json"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MockConfig configures `autoposter mock-server`.
type MockConfig struct {
	Addr      string        `mapstructure:"addr"`
	AccessTTL time.Duration `mapstructure:"access_ttl"`
	Users     []MockUser    `mapstructure:"users"`
}

// MockUser is an account seeded into the mock backend.
type MockUser struct {
	Email    string `mapstructure:"email"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	FullName string `mapstructure:"full_name"`
}

// Load reads configuration from file and environment variables. Values in
// overrides, keyed like "api.url", win over both.
func Load(cfgFile string, overrides map[string]any) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(".autoposter")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/autoposter")
	}

	v.SetEnvPrefix("AUTOPOSTER")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	for key, val := range overrides {
		v.Set(key, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.url", "http://127.0.0.1:8000")
	v.SetDefault("api.key", "")
	v.SetDefault("api.rate_limit", 0)
	v.SetDefault("api.burst", 1)
	v.SetDefault("api.timeout", 30*time.Second)

	v.SetDefault("store.backend", StoreBolt)
	v.SetDefault("store.dir", defaultStoreDir())
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.passphrase", "")
	v.SetDefault("store.kdf_profile", util.KDFProfileModerate)

	v.SetDefault("profile", "default")

	v.SetDefault("output.colors", true)
	v.SetDefault("output.json", false)

	v.SetDefault("logging.level", "warn")
	v.SetDefault("logging.format", "text")

	v.SetDefault("mock.addr", "127.0.0.1:8000")
	v.SetDefault("mock.access_ttl", 15*time.Minute)
}

func defaultStoreDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "autoposter")
	}
	return ".autoposter"
}

func validate(cfg *Config) error {
	u, err := url.Parse(cfg.API.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid api.url: %q", cfg.API.URL)
	}
	if cfg.API.RateLimit < 0 {
		return fmt.Errorf("invalid api.rate_limit: %v", cfg.API.RateLimit)
	}

	switch cfg.Store.Backend {
	case StoreBolt, StoreMemory:
	case StorePostgres:
		if cfg.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid store.backend: %s (must be bbolt, memory, or postgres)", cfg.Store.Backend)
	}
	if _, err := util.Argon2idProfile(cfg.Store.KDFProfile); err != nil {
		return fmt.Errorf("invalid store.kdf_profile: %w", err)
	}
	if cfg.Profile == "" {
		return errors.New("profile must not be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", cfg.Logging.Level)
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("invalid logging format: %s (must be text or json)", cfg.Logging.Format)
	}
	return nil
}

// StorePath returns the bbolt file holding credentials.
func (c *Config) StorePath() string {
	return filepath.Join(c.Store.Dir, "credentials.db")
}
