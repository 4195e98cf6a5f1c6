// Package config loads settings for the shell-side client and the companion server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. FRAMELINK_CLIENT_PORT=9000.
const EnvPrefix = "FRAMELINK"

// Config holds application configuration.
type Config struct {
	Client  ClientConfig  `mapstructure:"client"`
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ClientConfig holds the shell side connection settings.
type ClientConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"` // 0 disables expiry
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	ReadBuffer     int           `mapstructure:"read_buffer"`
	MaxPayload     uint32        `mapstructure:"max_payload"` // 0 means unlimited
}

// Address returns host:port.
func (c ClientConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ServerConfig holds companion settings.
type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	HandlerTimeout  time.Duration `mapstructure:"handler_timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"` // requests per second, 0 disables
	RateBurst       int           `mapstructure:"rate_burst"`
	MaxPayload      uint32        `mapstructure:"max_payload"`
	Welcome         string        `mapstructure:"welcome"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig holds zap settings.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// MetricsConfig holds the Prometheus endpoint address; empty disables it.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Client: ClientConfig{
			Host:           "127.0.0.1",
			Port:           8888,
			ConnectTimeout: 3 * time.Second,
			RequestTimeout: 5 * time.Second,
			SweepInterval:  time.Second,
			ReadBuffer:     4096,
			MaxPayload:     16 << 20,
		},
		Server: ServerConfig{
			Listen:          "127.0.0.1:8888",
			HandlerTimeout:  30 * time.Second,
			RateLimit:       0,
			RateBurst:       1,
			MaxPayload:      16 << 20,
			ShutdownTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from defaults, an optional file and the environment, in increasing
// priority. An empty path looks for framelink.{yaml,toml,json} in the working directory and
// $HOME/.config/framelink; a missing file is not an error, an explicit path that fails to read is.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("framelink")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/framelink")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings the client or server cannot run with.
func (c Config) Validate() error {
	if c.Client.Port <= 0 || c.Client.Port > 65535 {
		return fmt.Errorf("config: client.port %d out of range", c.Client.Port)
	}
	if c.Client.ConnectTimeout <= 0 {
		return fmt.Errorf("config: client.connect_timeout must be positive")
	}
	if c.Client.ReadBuffer <= 0 {
		return fmt.Errorf("config: client.read_buffer must be positive")
	}
	if c.Client.RequestTimeout > 0 && c.Client.SweepInterval <= 0 {
		return fmt.Errorf("config: client.sweep_interval must be positive when request_timeout is set")
	}
	if c.Server.RateLimit < 0 || (c.Server.RateLimit > 0 && c.Server.RateBurst <= 0) {
		return fmt.Errorf("config: server.rate_limit/rate_burst invalid")
	}
	return nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("client.host", d.Client.Host)
	v.SetDefault("client.port", d.Client.Port)
	v.SetDefault("client.connect_timeout", d.Client.ConnectTimeout)
	v.SetDefault("client.request_timeout", d.Client.RequestTimeout)
	v.SetDefault("client.sweep_interval", d.Client.SweepInterval)
	v.SetDefault("client.read_buffer", d.Client.ReadBuffer)
	v.SetDefault("client.max_payload", d.Client.MaxPayload)

	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.handler_timeout", d.Server.HandlerTimeout)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.rate_burst", d.Server.RateBurst)
	v.SetDefault("server.max_payload", d.Server.MaxPayload)
	v.SetDefault("server.welcome", d.Server.Welcome)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)

	v.SetDefault("metrics.listen", d.Metrics.Listen)
}
