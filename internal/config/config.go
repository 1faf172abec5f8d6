// Package config loads replica configuration.
//
// Values are layered, lowest priority first: built-in defaults, an optional
// replica.yaml, then REPLICA_* environment variables. Nested keys map to
// environment variables with underscores, so sync.interval is read from
// REPLICA_SYNC_INTERVAL.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/omnii/replica/internal/replica/policy"
)

const (
	// FileName is the config file searched for when none is given.
	FileName  = "replica"
	EnvPrefix = "REPLICA"
	// DBFile is the store file name inside DataDir.
	DBFile = "replica.db"
)

// Config is the complete runtime configuration.
type Config struct {
	DataDir string `mapstructure:"data_dir" validate:"required"`
	// DeviceID pins the device id. Empty keeps the generated one.
	DeviceID  string          `mapstructure:"device_id"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Log       LogConfig       `mapstructure:"log"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

type RemoteConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
	// Token is a static bearer token. When empty the session is read from
	// CredentialsFile.
	Token           string        `mapstructure:"token"`
	CredentialsFile string        `mapstructure:"credentials_file"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	MaxRetries      int           `mapstructure:"max_retries" validate:"gte=-1"`
	BreakerFailures int           `mapstructure:"breaker_failures" validate:"gte=1"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout" validate:"gt=0"`
}

type SyncConfig struct {
	Interval          time.Duration `mapstructure:"interval" validate:"gt=0"`
	BatchSize         int           `mapstructure:"batch_size" validate:"gte=1,lte=10000"`
	PollLimit         int           `mapstructure:"poll_limit" validate:"gte=0"`
	MaxRetries        int           `mapstructure:"max_retries" validate:"gte=1"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff" validate:"gtefield=InitialBackoff"`
	MaxUploadAttempts int           `mapstructure:"max_upload_attempts" validate:"gte=1"`
}

type CacheConfig struct {
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" validate:"gt=0"`
	RefreshAhead float64       `mapstructure:"refresh_ahead" validate:"gt=0,lt=1"`
	// PolicyFile overrides the built-in policy table (.yaml, .yml or .toml).
	PolicyFile string `mapstructure:"policy_file"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
	// File enables rotated file output instead of stderr.
	File string `mapstructure:"file"`
}

type DashboardConfig struct {
	Port int `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// setDefaults registers every key, which also lets AutomaticEnv see them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("device_id", "")

	v.SetDefault("remote.base_url", "http://127.0.0.1:7420")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.credentials_file", "")
	v.SetDefault("remote.request_timeout", 30*time.Second)
	v.SetDefault("remote.max_retries", 2)
	v.SetDefault("remote.breaker_failures", 5)
	v.SetDefault("remote.breaker_timeout", 30*time.Second)

	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.poll_limit", 0)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.initial_backoff", 500*time.Millisecond)
	v.SetDefault("sync.max_backoff", 30*time.Second)
	v.SetDefault("sync.max_upload_attempts", 5)

	v.SetDefault("cache.fetch_timeout", 30*time.Second)
	v.SetDefault("cache.refresh_ahead", 0.2)
	v.SetDefault("cache.policy_file", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")

	v.SetDefault("dashboard.port", 8080)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".replica"
	}
	return filepath.Join(home, ".replica")
}

// Load reads the configuration. file may be empty, in which case
// replica.yaml is looked up in the working directory and the default data
// directory; a missing file is not an error then.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(defaultDataDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without reading files or the
// environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DBPath is the store file inside DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, DBFile)
}

// CredentialsPath is where the session is stored. It defaults to
// credentials.json inside DataDir.
func (c *Config) CredentialsPath() string {
	if c.Remote.CredentialsFile != "" {
		return c.Remote.CredentialsFile
	}
	return filepath.Join(c.DataDir, "credentials.json")
}

// Policies returns the configured policy table, or the default table when
// no policy file is set.
func (c *Config) Policies() (*policy.Table, error) {
	if c.Cache.PolicyFile == "" {
		return policy.Default(), nil
	}
	return policy.Load(c.Cache.PolicyFile)
}
