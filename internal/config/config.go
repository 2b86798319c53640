// Package config loads the service configuration: viper defaults,
// optional yaml file, IEXEC_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ChainConfig describes one supported chain.
type ChainConfig struct {
	ID            int64         `yaml:"id" json:"id" mapstructure:"id"`
	Name          string        `yaml:"name" json:"name" mapstructure:"name"`
	Endpoint      string        `yaml:"endpoint" json:"endpoint" mapstructure:"endpoint"`
	Hub           string        `yaml:"hub" json:"hub" mapstructure:"hub"`
	ERlc          string        `yaml:"erlc" json:"erlc" mapstructure:"erlc"`
	Enterprise    bool          `yaml:"enterprise" json:"enterprise" mapstructure:"enterprise"`
	OracleTimeout time.Duration `yaml:"oracle_timeout" json:"oracle_timeout" mapstructure:"oracle_timeout"`
}

// Config is the application configuration.
type Config struct {
	LogLevel string `yaml:"log_level" json:"log_level" mapstructure:"log_level"`

	Server struct {
		Host string `yaml:"host" json:"host" mapstructure:"host"`
		Port int    `yaml:"port" json:"port" mapstructure:"port"`
	} `yaml:"server" json:"server" mapstructure:"server"`

	Database struct {
		DSN             string `yaml:"dsn" json:"dsn" mapstructure:"dsn"`
		MaxOpenConns    int    `yaml:"max_open_conns" json:"max_open_conns" mapstructure:"max_open_conns"`
		MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns" mapstructure:"max_idle_conns"`
		ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	} `yaml:"database" json:"database" mapstructure:"database"`

	Redis struct {
		Enabled  bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
		Addr     string `yaml:"addr" json:"addr" mapstructure:"addr"`
		Password string `yaml:"password" json:"password" mapstructure:"password"`
		DB       int    `yaml:"db" json:"db" mapstructure:"db"`
	} `yaml:"redis" json:"redis" mapstructure:"redis"`

	Challenge struct {
		TTL time.Duration `yaml:"ttl" json:"ttl" mapstructure:"ttl"`
	} `yaml:"challenge" json:"challenge" mapstructure:"challenge"`

	Dispatch struct {
		Workers    int `yaml:"workers" json:"workers" mapstructure:"workers"`
		QueueDepth int `yaml:"queue_depth" json:"queue_depth" mapstructure:"queue_depth"`
	} `yaml:"dispatch" json:"dispatch" mapstructure:"dispatch"`

	Chains []ChainConfig `yaml:"chains" json:"chains" mapstructure:"chains"`
}

// Load reads configuration from the optional file at path, with
// environment variables taking precedence over file values.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("challenge.ttl", 5*time.Minute)
	// One worker keeps fan-out emission ordered per request.
	v.SetDefault("dispatch.workers", 1)
	v.SetDefault("dispatch.queue_depth", 1024)

	v.SetEnvPrefix("IEXEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Chains) == 0 {
		return nil, fmt.Errorf("at least one chain must be configured")
	}
	for i := range cfg.Chains {
		if cfg.Chains[i].OracleTimeout <= 0 {
			cfg.Chains[i].OracleTimeout = 30 * time.Second
		}
	}
	return cfg, nil
}
