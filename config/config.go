// Package config resolves the session configuration from defaults, an
// optional config file, environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/nkitajim/task-collabo/client"
)

// EnvPrefix prefixes every environment override, e.g. TASKCOLLABO_API_BASE.
const EnvPrefix = "TASKCOLLABO"

// Failure policies applied when a request is not confirmed by the server.
const (
	// PolicyResync re-fetches the board and replaces the local replica.
	PolicyResync = "resync"
	// PolicyKeep leaves the optimistic change in place.
	PolicyKeep = "keep"
)

// Config is the complete client configuration.
type Config struct {
	APIBase    string        `mapstructure:"api_base"`
	BoardID    string        `mapstructure:"board_id"`
	Credential string        `mapstructure:"credential"`
	Log        LogConfig     `mapstructure:"log"`
	Request    RequestConfig `mapstructure:"request"`
	Stream     StreamConfig  `mapstructure:"stream"`
	Sync       SyncConfig    `mapstructure:"sync"`
	Mirror     MirrorConfig  `mapstructure:"mirror"`
}

// LogConfig controls the logrus logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Format is text or json.
	Format string `mapstructure:"format"`
}

// RequestConfig tunes board API calls.
type RequestConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	Retries      int           `mapstructure:"retries"`
	RetryInitial time.Duration `mapstructure:"retry_initial"`
	RetryMax     time.Duration `mapstructure:"retry_max"`
}

// StreamConfig tunes the push channel.
type StreamConfig struct {
	ReconnectInitial time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
	// PingInterval of zero disables keepalive pings.
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// SyncConfig controls reconciliation behaviour.
type SyncConfig struct {
	FailurePolicy string `mapstructure:"failure_policy"`
}

// MirrorConfig enables the Redis snapshot mirror when RedisURL is set.
type MirrorConfig struct {
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
	Channel  string        `mapstructure:"channel"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		APIBase: "http://localhost:8000",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Request: RequestConfig{
			Timeout:      15 * time.Second,
			Retries:      2,
			RetryInitial: 200 * time.Millisecond,
			RetryMax:     5 * time.Second,
		},
		Stream: StreamConfig{
			ReconnectInitial: 500 * time.Millisecond,
			ReconnectMax:     30 * time.Second,
			PingInterval:     30 * time.Second,
		},
		Sync: SyncConfig{
			FailurePolicy: PolicyResync,
		},
		Mirror: MirrorConfig{
			TTL:     24 * time.Hour,
			Channel: "board-snapshots",
		},
	}
}

// SetDefaults registers every key with its default so environment overrides
// are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("api_base", defaults.APIBase)
	v.SetDefault("board_id", defaults.BoardID)
	v.SetDefault("credential", defaults.Credential)

	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)

	v.SetDefault("request.timeout", defaults.Request.Timeout)
	v.SetDefault("request.retries", defaults.Request.Retries)
	v.SetDefault("request.retry_initial", defaults.Request.RetryInitial)
	v.SetDefault("request.retry_max", defaults.Request.RetryMax)

	v.SetDefault("stream.reconnect_initial", defaults.Stream.ReconnectInitial)
	v.SetDefault("stream.reconnect_max", defaults.Stream.ReconnectMax)
	v.SetDefault("stream.ping_interval", defaults.Stream.PingInterval)

	v.SetDefault("sync.failure_policy", defaults.Sync.FailurePolicy)

	v.SetDefault("mirror.redis_url", defaults.Mirror.RedisURL)
	v.SetDefault("mirror.ttl", defaults.Mirror.TTL)
	v.SetDefault("mirror.channel", defaults.Mirror.Channel)
}

// Init prepares v: defaults, environment binding and the optional config
// file. A missing file is not an error.
func Init(v *viper.Viper, cfgFile string) error {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.APIBase = strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	cfg.Credential = strings.TrimSpace(cfg.Credential)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration. Every problem is reported.
func (c *Config) Validate() error {
	var errs []error

	if c.APIBase == "" {
		errs = append(errs, errors.New("api_base is required"))
	} else if u, err := url.Parse(c.APIBase); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("api_base %q must be an http(s) url", c.APIBase))
	}
	if err := c.CredentialValue().Validate(time.Now()); err != nil {
		errs = append(errs, fmt.Errorf("credential: %w", err))
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if c.Request.Timeout <= 0 {
		errs = append(errs, errors.New("request.timeout must be positive"))
	}
	if c.Request.Retries < 0 {
		errs = append(errs, errors.New("request.retries must not be negative"))
	}
	if c.Stream.ReconnectInitial <= 0 || c.Stream.ReconnectMax < c.Stream.ReconnectInitial {
		errs = append(errs, errors.New("stream.reconnect_initial must be positive and not exceed stream.reconnect_max"))
	}
	if c.Stream.PingInterval < 0 {
		errs = append(errs, errors.New("stream.ping_interval must not be negative"))
	}
	switch c.Sync.FailurePolicy {
	case PolicyResync, PolicyKeep:
	default:
		errs = append(errs, fmt.Errorf("sync.failure_policy %q must be %s or %s", c.Sync.FailurePolicy, PolicyResync, PolicyKeep))
	}
	if c.Mirror.TTL < 0 {
		errs = append(errs, errors.New("mirror.ttl must not be negative"))
	}
	return errors.Join(errs...)
}

// RequireBoard reports an error when no board id is configured.
func (c *Config) RequireBoard() error {
	if strings.TrimSpace(c.BoardID) == "" {
		return errors.New("board_id is required")
	}
	return nil
}

// CredentialValue wraps the configured token.
func (c *Config) CredentialValue() client.Credential {
	return client.NewCredential(c.Credential)
}

// ClientOptions maps the request settings onto client options.
func (c *Config) ClientOptions(logger *log.Logger) client.Options {
	return client.Options{
		Logger:       logger,
		Timeout:      c.Request.Timeout,
		Retries:      c.Request.Retries,
		RetryInitial: c.Request.RetryInitial,
		RetryMax:     c.Request.RetryMax,
	}
}

// NewLogger builds the logger described by the log section. DEBUG=1 forces
// debug level.
func (c *Config) NewLogger() *log.Logger {
	logger := log.New()
	if lvl, err := log.ParseLevel(c.Log.Level); err == nil {
		logger.SetLevel(lvl)
	}
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		logger.SetLevel(log.DebugLevel)
	}
	if c.Log.Format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	logger.SetOutput(os.Stderr)
	return logger
}

// ConfigDir returns the directory searched for config.yaml.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "task-collabo")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".task-collabo"
	}
	return filepath.Join(home, ".config", "task-collabo")
}
