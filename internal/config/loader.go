package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/l0p7/newsdigest/internal/expr"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// canonicalEnvKeys restores camelCase keys that env var names cannot express.
var canonicalEnvKeys = map[string]string{
	"server.logging.correlationheader": "server.logging.correlationHeader",
	"server.logging.maxsizemb":         "server.logging.maxSizeMB",
	"server.logging.maxbackups":        "server.logging.maxBackups",
	"server.logging.maxagedays":        "server.logging.maxAgeDays",
	"server.templates.templatesfolder": "server.templates.templatesFolder",
	"server.cache.windowminutes":       "server.cache.windowMinutes",
	"server.cache.redis.tls.cafile":    "server.cache.redis.tls.caFile",
	"server.feed.outputpath":           "server.feed.outputPath",
	"server.views.freshheader":         "server.views.freshHeader",
	"server.views.cachedheader":        "server.views.cachedHeader",
	"server.refresh.intervalseconds":   "server.refresh.intervalSeconds",
	"summarizer.baseurl":               "summarizer.baseURL",
	"summarizer.apikey":                "summarizer.apiKey",
	"summarizer.timeoutseconds":        "summarizer.timeoutSeconds",
	"summarizer.prompttemplate":        "summarizer.promptTemplate",
	"summarizer.promptfile":            "summarizer.promptFile",
	"sources.sourcesfolder":            "sources.sourcesFolder",
	"sources.sourcesfile":              "sources.sourcesFile",
	"sources.maxitemspersource":        "sources.maxItemsPerSource",
	"sources.timeoutseconds":           "sources.timeoutSeconds",
}

// Load assembles the effective snapshot so the lifecycle agent can make decisions using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonicalEnvKeys[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ToLower(strings.ReplaceAll(key, "_", ""))
			if mapped, ok := canonicalEnvKeys[key]; ok {
				return mapped
			}
			return key
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if filter := strings.TrimSpace(cfg.Sources.Filter); filter != "" {
		env, err := expr.NewEnvironment()
		if err != nil {
			return Config{}, err
		}
		if _, err := env.Compile(filter); err != nil {
			return Config{}, fmt.Errorf("config: sources.filter: %w", err)
		}
	}
	cfg.InlineFeeds = cloneFeedMap(cfg.Feeds)

	bundle, err := buildSourceBundle(ctx, cfg.InlineFeeds, cfg.Sources)
	if err != nil {
		return Config{}, err
	}
	cfg.Feeds = bundle.Feeds
	cfg.FeedFiles = bundle.Files
	cfg.SkippedDefinitions = bundle.Skipped
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
				"file":              cfg.Server.Logging.File,
				"maxSizeMB":         cfg.Server.Logging.MaxSizeMB,
				"maxBackups":        cfg.Server.Logging.MaxBackups,
				"maxAgeDays":        cfg.Server.Logging.MaxAgeDays,
			},
			"templates": map[string]any{
				"templatesFolder": cfg.Server.Templates.TemplatesFolder,
			},
			"cache": map[string]any{
				"backend":       cfg.Server.Cache.Backend,
				"key":           cfg.Server.Cache.Key,
				"namespace":     cfg.Server.Cache.Namespace,
				"windowMinutes": cfg.Server.Cache.WindowMinutes,
				"file": map[string]any{
					"path": cfg.Server.Cache.File.Path,
				},
				"redis": map[string]any{
					"address":  cfg.Server.Cache.Redis.Address,
					"username": cfg.Server.Cache.Redis.Username,
					"password": cfg.Server.Cache.Redis.Password,
					"db":       cfg.Server.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
			},
			"feed": map[string]any{
				"path":        cfg.Server.Feed.Path,
				"outputPath":  cfg.Server.Feed.OutputPath,
				"title":       cfg.Server.Feed.Title,
				"link":        cfg.Server.Feed.Link,
				"description": cfg.Server.Feed.Description,
				"footer":      cfg.Server.Feed.Footer,
				"language":    cfg.Server.Feed.Language,
			},
			"views": map[string]any{
				"timezone":     cfg.Server.Views.Timezone,
				"freshHeader":  cfg.Server.Views.FreshHeader,
				"cachedHeader": cfg.Server.Views.CachedHeader,
			},
			"refresh": map[string]any{
				"intervalSeconds": cfg.Server.Refresh.IntervalSeconds,
			},
		},
		"summarizer": map[string]any{
			"provider":       cfg.Summarizer.Provider,
			"baseURL":        cfg.Summarizer.BaseURL,
			"apiKey":         cfg.Summarizer.APIKey,
			"model":          cfg.Summarizer.Model,
			"timeoutSeconds": cfg.Summarizer.TimeoutSeconds,
			"promptTemplate": cfg.Summarizer.PromptTemplate,
			"promptFile":     cfg.Summarizer.PromptFile,
		},
		"sources": map[string]any{
			"sourcesFolder":     cfg.Sources.SourcesFolder,
			"sourcesFile":       cfg.Sources.SourcesFile,
			"filter":            cfg.Sources.Filter,
			"maxItemsPerSource": cfg.Sources.MaxItemsPerSource,
			"concurrency":       cfg.Sources.Concurrency,
			"timeoutSeconds":    cfg.Sources.TimeoutSeconds,
		},
	}
}
