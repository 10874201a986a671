// Package config loads and validates scraper configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Event provider names accepted by events.provider.
const (
	EventsNone   = "none"
	EventsMemory = "memory"
	EventsPubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Fetcher FetcherConfig `mapstructure:"fetcher"`
	Client  ClientConfig  `mapstructure:"client"`
	Events  EventsConfig  `mapstructure:"events"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// BrokerConfig locates the AMQP broker and names the work queues.
type BrokerConfig struct {
	URL                 string `mapstructure:"url"`
	InputQueue          string `mapstructure:"input_queue"`
	OutputQueue         string `mapstructure:"output_queue"`
	Prefetch            int    `mapstructure:"prefetch"`
	ReconnectMaxSeconds int    `mapstructure:"reconnect_max_seconds"`
}

// FetcherConfig bounds page retrieval.
type FetcherConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
	UserAgent      string `mapstructure:"user_agent"`
	RespectRobots  bool   `mapstructure:"respect_robots"`

	// HostRPS paces fetches per host; zero disables pacing.
	HostRPS   float64 `mapstructure:"host_rps"`
	HostBurst int     `mapstructure:"host_burst"`
}

// ClientConfig controls the request client.
type ClientConfig struct {
	TimeoutMs int `mapstructure:"timeout_ms"`
}

// EventsConfig selects where delivery events are published.
type EventsConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

var searchPaths = []string{".", "/etc/markdown-scraper/", "$HOME/.markdown-scraper"}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		// Without an explicit path, a config file in the usual places is
		// optional.
		v.SetConfigName("config")
		for _, dir := range searchPaths {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Events.Provider = strings.ToLower(strings.TrimSpace(cfg.Events.Provider))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("broker.url", "amqp://localhost:5672")
	v.SetDefault("broker.input_queue", "scraper-requests")
	v.SetDefault("broker.output_queue", "scraper-results")
	v.SetDefault("broker.prefetch", 1)
	v.SetDefault("broker.reconnect_max_seconds", 30)
	v.SetDefault("fetcher.timeout_seconds", 30)
	v.SetDefault("fetcher.max_body_bytes", 10*1024*1024)
	v.SetDefault("fetcher.user_agent", "Mozilla/5.0 (compatible; MarkdownScraper/1.0; +https://github.com/JakeFAU/markdown-scraper)")
	v.SetDefault("fetcher.respect_robots", false)
	v.SetDefault("fetcher.host_rps", 0)
	v.SetDefault("fetcher.host_burst", 1)
	v.SetDefault("client.timeout_ms", 30000)
	v.SetDefault("events.provider", EventsNone)
	v.SetDefault("events.project_id", "")
	v.SetDefault("events.topic", "scrape-events")
	v.SetDefault("logging.development", true)
}

// bindLegacyEnv accepts the unprefixed RABBITMQ_* variables used by existing
// deployments. The prefixed name wins when both are set.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"broker.url":          {"SCRAPER_BROKER_URL", "RABBITMQ_URL"},
		"broker.input_queue":  {"SCRAPER_BROKER_INPUT_QUEUE", "RABBITMQ_QUEUE_INPUT"},
		"broker.output_queue": {"SCRAPER_BROKER_OUTPUT_QUEUE", "RABBITMQ_QUEUE_OUTPUT"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url must be set")
	}
	if c.Broker.InputQueue == "" {
		return fmt.Errorf("broker.input_queue must be set")
	}
	if c.Broker.OutputQueue == "" {
		return fmt.Errorf("broker.output_queue must be set")
	}
	if c.Broker.Prefetch <= 0 {
		return fmt.Errorf("broker.prefetch must be > 0")
	}
	if c.Fetcher.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetcher.timeout_seconds must be > 0")
	}
	if c.Fetcher.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetcher.max_body_bytes must be > 0")
	}
	if c.Fetcher.HostRPS < 0 {
		return fmt.Errorf("fetcher.host_rps must be >= 0")
	}
	if c.Client.TimeoutMs <= 0 {
		return fmt.Errorf("client.timeout_ms must be > 0")
	}
	switch c.Events.Provider {
	case EventsNone, EventsMemory:
	case EventsPubSub:
		if c.Events.ProjectID == "" {
			return fmt.Errorf("events.project_id must be set when events.provider is pubsub")
		}
		if c.Events.Topic == "" {
			return fmt.Errorf("events.topic must be set when events.provider is pubsub")
		}
	default:
		return fmt.Errorf("events.provider %q is not one of none, memory, pubsub", c.Events.Provider)
	}
	return nil
}

// FetchTimeout returns the per-page fetch bound.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetcher.TimeoutSeconds) * time.Second
}

// ClientTimeout returns the default wait for a scrape reply.
func (c Config) ClientTimeout() time.Duration {
	return time.Duration(c.Client.TimeoutMs) * time.Millisecond
}

// ReconnectMax returns the ceiling on broker reconnect backoff.
func (c Config) ReconnectMax() time.Duration {
	return time.Duration(c.Broker.ReconnectMaxSeconds) * time.Second
}
