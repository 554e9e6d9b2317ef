// Package config loads runtime settings from defaults, an optional config
// file, .env files, ACTISYNC_* environment variables and command-line flags.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	apperrors "github.com/kimhsiao/actisync/internal/errors"
	"github.com/kimhsiao/actisync/internal/logging"
	"github.com/kimhsiao/actisync/internal/remote"
)

// EnvPrefix prefixes every environment override, e.g. ACTISYNC_REMOTE_KIND.
const EnvPrefix = "ACTISYNC"

// FileName is the config file looked up in the data directory.
const FileName = "actisync.yaml"

// Config is the resolved configuration.
type Config struct {
	DataDir      string             `mapstructure:"data_dir"`
	ListenAddr   string             `mapstructure:"listen_addr"`
	Log          LogConfig          `mapstructure:"log"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type RemoteConfig struct {
	Kind    string        `mapstructure:"kind"`
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type QueueConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	OpDelay       time.Duration `mapstructure:"op_delay"`
	DrainInterval time.Duration `mapstructure:"drain_interval"`
}

type ConnectivityConfig struct {
	InitialOnline bool   `mapstructure:"initial_online"`
	SignalFile    string `mapstructure:"signal_file"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("listen_addr", "127.0.0.1:8090")

	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("remote.kind", string(remote.KindMemory))
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", remote.DefaultTimeout)

	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.op_delay", 100*time.Millisecond)
	v.SetDefault("queue.drain_interval", 30*time.Second)

	v.SetDefault("connectivity.initial_online", true)
	v.SetDefault("connectivity.signal_file", "")

	v.SetDefault("metrics.enabled", true)
}

// Options control where Load looks.
type Options struct {
	// ConfigFile is an explicit config path. When empty, FileName is looked
	// up in the data directory and its absence is not an error.
	ConfigFile string

	// EnvFiles are .env files loaded before reading the environment. Missing
	// files are skipped. Defaults to ".env" in the working directory.
	EnvFiles []string

	// Flags are bound by their config key name (e.g. "data_dir").
	Flags map[string]*pflag.Flag
}

// Load resolves the configuration. Precedence, lowest first: defaults,
// config file, environment, flags.
func Load(opts Options) (*Config, error) {
	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		// Values already set in the environment win over the file
		if err := godotenv.Load(f); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to load env file "+f, err)
		}
	}

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range opts.Flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to bind flag "+key, err)
		}
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to read config file", err)
		}
	} else {
		candidate := filepath.Join(v.GetString("data_dir"), FileName)
		if _, err := os.Stat(candidate); err == nil {
			v.SetConfigFile(candidate)
			if err := v.ReadInConfig(); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to read config file", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return apperrors.New(apperrors.ErrInvalid, "data_dir is required")
	}
	switch strings.ToUpper(c.Log.Level) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown log.level %q", c.Log.Level)
	}
	kind := remote.Kind(c.Remote.Kind)
	if !kind.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown remote.kind %q", c.Remote.Kind)
	}
	if kind != remote.KindMemory && c.Remote.URL == "" {
		return apperrors.Newf(apperrors.ErrInvalid, "remote.url is required for remote.kind %q", c.Remote.Kind)
	}
	if c.Remote.Timeout <= 0 {
		return apperrors.New(apperrors.ErrInvalid, "remote.timeout must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return apperrors.New(apperrors.ErrInvalid, "queue.max_attempts must be positive")
	}
	if c.Queue.OpDelay < 0 {
		return apperrors.New(apperrors.ErrInvalid, "queue.op_delay must not be negative")
	}
	if c.Queue.DrainInterval <= 0 {
		return apperrors.New(apperrors.ErrInvalid, "queue.drain_interval must be positive")
	}
	return nil
}

// RemoteOpenConfig converts the remote section for remote.Open.
func (c *Config) RemoteOpenConfig() remote.Config {
	return remote.Config{
		Kind:    remote.Kind(c.Remote.Kind),
		URL:     c.Remote.URL,
		Token:   c.Remote.Token,
		Timeout: c.Remote.Timeout,
	}
}

// NewLogger builds the logger described by the log section: a rotating file
// when log.file is set, stderr otherwise.
func (c *Config) NewLogger() *logging.Logger {
	level := logging.ParseLevel(c.Log.Level)
	if c.Log.File == "" {
		return logging.New(os.Stderr, level)
	}
	return logging.NewFile(logging.FileConfig{
		Path:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
	}, level)
}
