package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode            string        `mapstructure:"mode"`
	Port            int           `mapstructure:"port"`
	StaticPath      string        `mapstructure:"static_path"`
	ReadLimit       int64         `mapstructure:"read_limit"`
	PingPeriod      time.Duration `mapstructure:"ping_period"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	Policy          string        `mapstructure:"policy"`
	CallRate        float64       `mapstructure:"call_rate"`
	CallBurst       int           `mapstructure:"call_burst"`
	LogLevel        string        `mapstructure:"log_level"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

const (
	PolicyKick = "kick"
	PolicyDrop = "drop"
)

// PongWait is how long the server waits for a pong after a ping.
func (c *Config) PongWait() time.Duration {
	return c.PingPeriod * 10 / 9
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.ReadLimit <= 0 {
		errs = append(errs, fmt.Errorf("read_limit must be positive"))
	}
	if c.PingPeriod <= 0 || c.WriteWait <= 0 {
		errs = append(errs, fmt.Errorf("ping_period and write_wait must be positive"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("send_buffer must be positive"))
	}
	if c.Policy != PolicyKick && c.Policy != PolicyDrop {
		errs = append(errs, fmt.Errorf("policy %q, want %q or %q", c.Policy, PolicyKick, PolicyDrop))
	}
	if c.CallRate < 0 || c.CallBurst < 0 {
		errs = append(errs, fmt.Errorf("call_rate and call_burst must not be negative"))
	}
	return errors.Join(errs...)
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("CALLRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("policy", PolicyKick)
	v.SetDefault("call_rate", 0.5)
	v.SetDefault("call_burst", 5)
	v.SetDefault("log_level", "info")
	v.SetDefault("shutdown_timeout", "5s")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}
