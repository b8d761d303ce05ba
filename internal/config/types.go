package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option plus the feed definitions once they are loaded.
type Config struct {
	Server     ServerConfig          `koanf:"server"`
	Summarizer SummarizerConfig      `koanf:"summarizer"`
	Sources    SourcesConfig         `koanf:"sources"`
	Feeds      map[string]FeedSource `koanf:"feeds"`

	InlineFeeds map[string]FeedSource `koanf:"-"`

	// FeedFiles records which files contributed feed definitions once the
	// loader resolves the configured sources.
	FeedFiles []string `koanf:"-"`
	// SkippedDefinitions captures duplicate or otherwise invalid definitions the
	// loader intentionally disabled so the health endpoint can report them.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen    ListenConfig      `koanf:"listen"`
	Logging   LoggingConfig     `koanf:"logging"`
	Templates TemplatesConfig   `koanf:"templates"`
	Cache     ServerCacheConfig `koanf:"cache"`
	Feed      FeedConfig        `koanf:"feed"`
	Views     ViewsConfig       `koanf:"views"`
	Refresh   RefreshConfig     `koanf:"refresh"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, destination, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
	// File switches output from stdout to a rotated log file.
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"maxSizeMB"`
	MaxBackups int    `koanf:"maxBackups"`
	MaxAgeDays int    `koanf:"maxAgeDays"`
}

// TemplatesConfig captures the template sandbox root.
type TemplatesConfig struct {
	TemplatesFolder string `koanf:"templatesFolder"`
}

type ServerCacheConfig struct {
	Backend       string                 `koanf:"backend"`
	Key           string                 `koanf:"key"`
	Namespace     string                 `koanf:"namespace"`
	WindowMinutes int                    `koanf:"windowMinutes"`
	File          ServerFileCacheConfig  `koanf:"file"`
	Redis         ServerRedisCacheConfig `koanf:"redis"`
}

// Window converts WindowMinutes into the throttle window.
func (c ServerCacheConfig) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

// StorageKey namespaces the logical cache key.
func (c ServerCacheConfig) StorageKey() string {
	key := strings.TrimSpace(c.Key)
	if ns := strings.TrimSpace(c.Namespace); ns != "" {
		return ns + ":" + key
	}
	return key
}

type ServerFileCacheConfig struct {
	Path string `koanf:"path"`
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// FeedConfig describes the published RSS document.
type FeedConfig struct {
	Path        string `koanf:"path"`
	OutputPath  string `koanf:"outputPath"`
	Title       string `koanf:"title"`
	Link        string `koanf:"link"`
	Description string `koanf:"description"`
	Footer      string `koanf:"footer"`
	Language    string `koanf:"language"`
}

// ViewsConfig controls banner rendering for the JSON API.
type ViewsConfig struct {
	Timezone     string `koanf:"timezone"`
	FreshHeader  string `koanf:"freshHeader"`
	CachedHeader string `koanf:"cachedHeader"`
}

// RefreshConfig schedules background regeneration. Zero disables it.
type RefreshConfig struct {
	IntervalSeconds int `koanf:"intervalSeconds"`
}

// SummarizerConfig selects the LLM provider.
type SummarizerConfig struct {
	Provider       string `koanf:"provider"`
	BaseURL        string `koanf:"baseURL"`
	APIKey         string `koanf:"apiKey"`
	Model          string `koanf:"model"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
	PromptTemplate string `koanf:"promptTemplate"`
	PromptFile     string `koanf:"promptFile"`
}

// SourcesConfig announces how feed definitions are sourced and filtered.
type SourcesConfig struct {
	SourcesFolder     string `koanf:"sourcesFolder"`
	SourcesFile       string `koanf:"sourcesFile"`
	Filter            string `koanf:"filter"`
	MaxItemsPerSource int    `koanf:"maxItemsPerSource"`
	Concurrency       int    `koanf:"concurrency"`
	TimeoutSeconds    int    `koanf:"timeoutSeconds"`
}

// FeedSource is one RSS or Atom feed to aggregate.
type FeedSource struct {
	URL      string   `koanf:"url"`
	Tags     []string `koanf:"tags"`
	MaxItems int      `koanf:"maxItems"`
	Disabled bool     `koanf:"disabled"`
}

// DefinitionSkip describes a feed definition that the loader intentionally
// ignored because it violated invariants (for example duplicate names across
// files).
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Sources.SourcesFolder != "" && c.Sources.SourcesFile != "" {
		return errors.New("config: sourcesFolder and sourcesFile are mutually exclusive")
	}
	if c.Sources.MaxItemsPerSource < 0 {
		return fmt.Errorf("config: sources.maxItemsPerSource invalid: %d", c.Sources.MaxItemsPerSource)
	}
	if c.Sources.Concurrency < 0 {
		return fmt.Errorf("config: sources.concurrency invalid: %d", c.Sources.Concurrency)
	}
	if err := c.Server.Cache.validate(); err != nil {
		return err
	}
	if !strings.HasPrefix(c.Server.Feed.Path, "/") {
		return fmt.Errorf("config: server.feed.path must start with /: %q", c.Server.Feed.Path)
	}
	if tz := strings.TrimSpace(c.Server.Views.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("config: server.views.timezone invalid: %w", err)
		}
	}
	if c.Server.Refresh.IntervalSeconds < 0 {
		return fmt.Errorf("config: server.refresh.intervalSeconds invalid: %d", c.Server.Refresh.IntervalSeconds)
	}
	switch strings.TrimSpace(strings.ToLower(c.Summarizer.Provider)) {
	case "openai", "gemini":
	default:
		return fmt.Errorf("config: summarizer.provider unsupported: %s", c.Summarizer.Provider)
	}
	if strings.TrimSpace(c.Summarizer.Model) == "" {
		return errors.New("config: summarizer.model required")
	}
	if c.Summarizer.TimeoutSeconds < 0 {
		return fmt.Errorf("config: summarizer.timeoutSeconds invalid: %d", c.Summarizer.TimeoutSeconds)
	}
	return nil
}

func (c ServerCacheConfig) validate() error {
	if c.WindowMinutes <= 0 {
		return fmt.Errorf("config: server.cache.windowMinutes invalid: %d", c.WindowMinutes)
	}
	if strings.TrimSpace(c.Key) == "" {
		return errors.New("config: server.cache.key required")
	}
	switch strings.TrimSpace(strings.ToLower(c.Backend)) {
	case "", "memory":
	case "file":
		if strings.TrimSpace(c.File.Path) == "" {
			return errors.New("config: server.cache.file.path required for file backend")
		}
	case "redis":
		if strings.TrimSpace(c.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Backend)
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
				MaxSizeMB:         100,
				MaxBackups:        3,
				MaxAgeDays:        28,
			},
			Templates: TemplatesConfig{
				TemplatesFolder: "./templates",
			},
			Cache: ServerCacheConfig{
				Backend:       "memory",
				Key:           "latest-summary",
				Namespace:     "newsdigest",
				WindowMinutes: 91,
				File: ServerFileCacheConfig{
					Path: "./data/summary.db",
				},
			},
			Feed: FeedConfig{
				Path:        "/feed.xml",
				Title:       "AdTech Strategic Summary",
				Link:        "http://localhost:8080/feed.xml",
				Description: "Strategic analysis of the latest advertising technology news",
				Footer:      "This summary was generated automatically from public news sources.",
				Language:    "en-us",
			},
			Views: ViewsConfig{
				Timezone: "UTC",
			},
		},
		Summarizer: SummarizerConfig{
			Provider:       "openai",
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 120,
		},
		Sources: SourcesConfig{
			MaxItemsPerSource: 10,
			Concurrency:       4,
			TimeoutSeconds:    15,
		},
	}
}
