package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Client configures cmd/callclient.
type Client struct {
	Server      string        `mapstructure:"server"`
	User        string        `mapstructure:"user"`
	Call        string        `mapstructure:"call"`
	Video       bool          `mapstructure:"video"`
	AutoAccept  bool          `mapstructure:"accept"`
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
	ICEServers  []string      `mapstructure:"stun"`
	LogLevel    string        `mapstructure:"log_level"`
}

func ClientFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("callclient", pflag.ContinueOnError)
	fs.String("server", "ws://localhost:8080/api/ws/signal", "signaling endpoint")
	fs.String("user", "", "user id to join as")
	fs.String("call", "", "user id to call; empty waits for incoming calls")
	fs.Bool("video", false, "place a video call instead of audio")
	fs.Bool("accept", true, "accept incoming calls automatically")
	fs.Duration("ring-timeout", 45*time.Second, "give up on unanswered calls after this long; 0 waits forever")
	fs.StringSlice("stun", []string{"stun:stun.l.google.com:19302"}, "ICE server urls")
	fs.String("log-level", "info", "zerolog level")
	return fs
}

// LoadClient parses args into fs and overlays CALLCLIENT_* environment variables.
func LoadClient(fs *pflag.FlagSet, args []string) (*Client, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetEnvPrefix("CALLCLIENT")
	v.AutomaticEnv()
	for _, key := range []struct{ name, flag string }{
		{"server", "server"},
		{"user", "user"},
		{"call", "call"},
		{"video", "video"},
		{"accept", "accept"},
		{"ring_timeout", "ring-timeout"},
		{"stun", "stun"},
		{"log_level", "log-level"},
	} {
		if err := v.BindPFlag(key.name, fs.Lookup(key.flag)); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key.flag, err)
		}
	}

	var cfg Client
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("--user is required")
	}
	if cfg.RingTimeout < 0 {
		return nil, fmt.Errorf("--ring-timeout must not be negative")
	}
	return &cfg, nil
}
