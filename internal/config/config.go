// Package config loads the YAML configuration of both binaries and applies
// command-line overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// AssistantConfig configures the chat-assistant proxy. The API key is read
// from the environment variable named by APIKeyEnv.
type AssistantConfig struct {
	UpstreamURL     string `yaml:"upstream_url"`
	APIKeyEnv       string `yaml:"api_key_env"`
	Model           string `yaml:"model"`
	SystemPrompt    string `yaml:"system_prompt"`
	RatePerMinute   int    `yaml:"rate_per_minute"`
	MaxMessages     int    `yaml:"max_messages"`
	MaxContentChars int    `yaml:"max_content_chars"`
}

// APIKey resolves the upstream key from the environment.
func (a AssistantConfig) APIKey() string {
	if a.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(a.APIKeyEnv)
}

// ServerConfig is the rendezvous service configuration.
type ServerConfig struct {
	Addr           string          `yaml:"addr"`
	StaleAfter     time.Duration   `yaml:"stale_after"`
	SweepInterval  time.Duration   `yaml:"sweep_interval"`
	WSPingInterval time.Duration   `yaml:"ws_ping_interval"`
	LogLevel       string          `yaml:"log_level"`
	Assistant      AssistantConfig `yaml:"assistant"`
}

// DefaultServer returns the production defaults.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Addr:           ":8080",
		StaleAfter:     5 * time.Minute,
		SweepInterval:  30 * time.Second,
		WSPingInterval: 25 * time.Second,
		LogLevel:       "info",
		Assistant: AssistantConfig{
			APIKeyEnv:       "ASSISTANT_API_KEY",
			Model:           "google/gemini-2.5-flash",
			RatePerMinute:   20,
			MaxMessages:     50,
			MaxContentChars: 10000,
		},
	}
}

// ClientConfig is the chat peer configuration.
type ClientConfig struct {
	SignalURL         string        `yaml:"signal_url"`
	Mode              string        `yaml:"mode"`
	Nickname          string        `yaml:"nickname"`
	Room              string        `yaml:"room"`
	ICEServers        []string      `yaml:"ice_servers"`
	MaxHops           int           `yaml:"max_hops"`
	SeenCapacity      int           `yaml:"seen_capacity"`
	SeenTTL           time.Duration `yaml:"seen_ttl"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	LogLevel          string        `yaml:"log_level"`
}

// DefaultClient returns the production defaults.
func DefaultClient() ClientConfig {
	return ClientConfig{
		SignalURL:         "ws://localhost:8080/ws",
		Mode:              "auto",
		Room:              "general",
		ICEServers:        []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
		MaxHops:           3,
		SeenCapacity:      1000,
		SeenTTL:           60 * time.Second,
		PollInterval:      time.Second,
		HeartbeatInterval: 30 * time.Second,
		ReconnectDelay:    5 * time.Second,
		LogLevel:          "warn",
	}
}

// Validate reports settings the client cannot run with.
func (c ClientConfig) Validate() error {
	switch {
	case c.SignalURL == "":
		return errors.New("signal_url is required")
	case c.Room == "":
		return errors.New("room is required")
	case c.MaxHops < 0:
		return fmt.Errorf("max_hops must not be negative, got %d", c.MaxHops)
	}
	return nil
}

// LoadFile decodes the YAML file at path over cfg. Keys missing from the
// file keep their current values.
func LoadFile(path string, cfg any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// configPath finds --config in args without failing on the other flags.
func configPath(name string, args []string) (string, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {}
	path := fs.StringP("config", "c", "", "")
	if err := fs.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		return "", err
	}
	return *path, nil
}

// ParseServer builds the server configuration from defaults, the optional
// --config file and finally the flags in args.
func ParseServer(args []string) (ServerConfig, error) {
	cfg := DefaultServer()
	path, err := configPath("signal-server", args)
	if err != nil {
		return cfg, err
	}
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	fs := pflag.NewFlagSet("signal-server", pflag.ContinueOnError)
	fs.StringP("config", "c", path, "path to a YAML config file")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.DurationVar(&cfg.StaleAfter, "stale-after", cfg.StaleAfter, "evict members silent for this long")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "how often stale members are evicted")
	fs.DurationVar(&cfg.WSPingInterval, "ws-ping-interval", cfg.WSPingInterval, "websocket keepalive interval (0 disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.Assistant.UpstreamURL, "assistant-url", cfg.Assistant.UpstreamURL, "OpenAI-compatible completion endpoint")
	fs.StringVar(&cfg.Assistant.APIKeyEnv, "assistant-key-env", cfg.Assistant.APIKeyEnv, "environment variable holding the upstream API key")
	fs.StringVar(&cfg.Assistant.Model, "assistant-model", cfg.Assistant.Model, "upstream model name")
	fs.IntVar(&cfg.Assistant.RatePerMinute, "assistant-rate", cfg.Assistant.RatePerMinute, "requests per visitor per minute")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ParseClient builds the chat peer configuration the same way ParseServer
// does. It also returns the config file path so callers can watch it.
func ParseClient(args []string) (ClientConfig, string, error) {
	cfg := DefaultClient()
	path, err := configPath("meshchat", args)
	if err != nil {
		return cfg, "", err
	}
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return cfg, path, err
		}
	}

	fs := pflag.NewFlagSet("meshchat", pflag.ContinueOnError)
	fs.StringP("config", "c", path, "path to a YAML config file")
	fs.StringVarP(&cfg.SignalURL, "server", "s", cfg.SignalURL, "signaling URL (ws(s)://.../ws or http(s)://.../api/signal)")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "websocket, polling or auto")
	fs.StringVarP(&cfg.Nickname, "nick", "n", cfg.Nickname, "nickname (random when empty)")
	fs.StringVarP(&cfg.Room, "room", "r", cfg.Room, "room to join")
	fs.StringSliceVar(&cfg.ICEServers, "ice", cfg.ICEServers, "STUN/TURN server URLs")
	fs.IntVar(&cfg.MaxHops, "max-hops", cfg.MaxHops, "relay hop budget")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "polling variant poll interval")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "polling variant heartbeat interval")
	fs.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", cfg.ReconnectDelay, "delay between reconnect attempts")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return cfg, path, err
	}
	return cfg, path, cfg.Validate()
}
