package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "COLLAB"
	defaultHTTPAddress       = "0.0.0.0:1234"
	defaultDatabasePath      = "collab.db"
	defaultLogLevel          = "info"
	defaultLeewaySeconds     = 30
	defaultMaxFrameBytes     = 1 << 20
	defaultSaveDebounceMs    = 500
	defaultKeepaliveSeconds  = 30
	defaultEvictGraceSeconds = 0
)

// AppConfig captures runtime configuration for the sync hub.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	RedisURL          string
	InstanceID        string
	SigningSecret     string
	AuthLeeway        time.Duration
	LogLevel          string
	MaxFrameBytes     int64
	SaveDebounce      time.Duration
	KeepaliveInterval time.Duration
	EvictGrace        time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("instance.id", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.leeway_seconds", defaultLeewaySeconds)
	configViper.SetDefault("sync.max_frame_bytes", defaultMaxFrameBytes)
	configViper.SetDefault("sync.save_debounce_ms", defaultSaveDebounceMs)
	configViper.SetDefault("sync.keepalive_seconds", defaultKeepaliveSeconds)
	configViper.SetDefault("cache.evict_grace_seconds", defaultEvictGraceSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		RedisURL:          configViper.GetString("redis.url"),
		InstanceID:        configViper.GetString("instance.id"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		AuthLeeway:        time.Duration(configViper.GetInt("auth.leeway_seconds")) * time.Second,
		LogLevel:          configViper.GetString("log.level"),
		MaxFrameBytes:     configViper.GetInt64("sync.max_frame_bytes"),
		SaveDebounce:      time.Duration(configViper.GetInt("sync.save_debounce_ms")) * time.Millisecond,
		KeepaliveInterval: time.Duration(configViper.GetInt("sync.keepalive_seconds")) * time.Second,
		EvictGrace:        time.Duration(configViper.GetInt("cache.evict_grace_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("sync.max_frame_bytes must be positive")
	}
	if c.SaveDebounce <= 0 {
		return fmt.Errorf("sync.save_debounce_ms must be positive")
	}
	if c.KeepaliveInterval <= 0 {
		return fmt.Errorf("sync.keepalive_seconds must be positive")
	}
	if c.EvictGrace < 0 {
		return fmt.Errorf("cache.evict_grace_seconds must not be negative")
	}
	return nil
}
