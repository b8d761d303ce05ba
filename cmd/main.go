package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/l0p7/newsdigest/internal/cache"
	"github.com/l0p7/newsdigest/internal/config"
	"github.com/l0p7/newsdigest/internal/digest"
	"github.com/l0p7/newsdigest/internal/expr"
	"github.com/l0p7/newsdigest/internal/logging"
	"github.com/l0p7/newsdigest/internal/metrics"
	"github.com/l0p7/newsdigest/internal/news"
	"github.com/l0p7/newsdigest/internal/refresh"
	"github.com/l0p7/newsdigest/internal/runtime"
	"github.com/l0p7/newsdigest/internal/server"
	"github.com/l0p7/newsdigest/internal/summarizer"
	"github.com/l0p7/newsdigest/internal/templates"
	"github.com/l0p7/newsdigest/internal/views"
	"github.com/prometheus/client_golang/prometheus"
)

var newConfigLoader = func(envPrefix, configFile string) configLoader {
	return loaderAdapter{config.NewLoader(envPrefix, configFile)}
}

var newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
	return server.New(cfg.Server.Listen, logger, handler)
}

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "NEWSDIGEST", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, logCloser, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}
	defer logCloser.Close()

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	backend := buildBackend(logger.With(slog.String("agent", "cache_factory")), cfg.Server.Cache)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := backend.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	var templateSandbox *templates.Sandbox
	if folder := strings.TrimSpace(cfg.Server.Templates.TemplatesFolder); folder != "" {
		sandbox, err := templates.NewSandbox(folder)
		if err != nil {
			logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
		} else {
			templateSandbox = sandbox
		}
	}
	renderer := templates.NewRenderer(templateSandbox)

	prompt, err := summarizer.NewPrompt(renderer, cfg.Summarizer.PromptTemplate, cfg.Summarizer.PromptFile)
	if err != nil {
		return fmt.Errorf("compile prompt template: %w", err)
	}
	banner, err := views.NewBanner(renderer, views.BannerConfig{
		FreshTemplate:  cfg.Server.Views.FreshHeader,
		CachedTemplate: cfg.Server.Views.CachedHeader,
		Timezone:       cfg.Server.Views.Timezone,
	})
	if err != nil {
		return fmt.Errorf("compile header templates: %w", err)
	}

	provider, err := summarizer.New(summarizer.Config{
		Provider: cfg.Summarizer.Provider,
		BaseURL:  cfg.Summarizer.BaseURL,
		APIKey:   cfg.Summarizer.APIKey,
		Model:    cfg.Summarizer.Model,
		Timeout:  time.Duration(cfg.Summarizer.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("configure summarizer: %w", err)
	}

	coordinator, err := digest.New(digest.Config{
		Backend:    backend,
		Summarizer: provider,
		Key:        cfg.Server.Cache.StorageKey(),
		Window:     cfg.Server.Cache.Window(),
		Prompt:     prompt.Build,
		Logger:     logger,
		Metrics:    metricsRecorder,
	})
	if err != nil {
		return fmt.Errorf("configure coordinator: %w", err)
	}

	feedMeta := views.FeedMeta{
		Title:       cfg.Server.Feed.Title,
		Link:        cfg.Server.Feed.Link,
		Description: cfg.Server.Feed.Description,
		Language:    cfg.Server.Feed.Language,
		Footer:      cfg.Server.Feed.Footer,
	}
	if path := strings.TrimSpace(cfg.Server.Feed.OutputPath); path != "" {
		publisher, err := runtime.NewFeedPublisher(path, feedMeta, logger)
		if err != nil {
			return fmt.Errorf("configure feed publisher: %w", err)
		}
		coordinator.OnGenerated(publisher.Publish)
	}

	bundle := config.SourceBundle{Feeds: cfg.Feeds, Files: cfg.FeedFiles, Skipped: cfg.SkippedDefinitions}
	service, err := runtime.NewService(logger, runtime.ServiceOptions{
		Digester:          coordinator,
		Banner:            banner,
		Feed:              feedMeta,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		Metrics:           metricsRecorder,
		Sources:           bundle,
	})
	if err != nil {
		return fmt.Errorf("configure service: %w", err)
	}

	filter, err := compileFilter(cfg.Sources.Filter)
	if err != nil {
		return err
	}
	fetcher := news.NewFetcher(news.FetcherConfig{
		Sources:           newsSources(cfg.Feeds),
		Filter:            filter,
		MaxItemsPerSource: cfg.Sources.MaxItemsPerSource,
		Concurrency:       cfg.Sources.Concurrency,
		Client:            &http.Client{Timeout: time.Duration(cfg.Sources.TimeoutSeconds) * time.Second},
		Logger:            logger,
		Metrics:           metricsRecorder,
	})

	if cfg.Sources.SourcesFile != "" || cfg.Sources.SourcesFolder != "" {
		watcher, err := loader.WatchSources(ctx, cfg, func(next config.SourceBundle) {
			fetcher.Update(newsSources(next.Feeds), filter)
			service.UpdateSources(next)
			logger.Info("sources reloaded", slog.Int("feeds", len(next.Feeds)), slog.Int("skipped", len(next.Skipped)))
		}, func(err error) {
			if err != nil {
				logger.Error("sources watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("sources watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	if interval := time.Duration(cfg.Server.Refresh.IntervalSeconds) * time.Second; interval > 0 {
		if len(cfg.Feeds) == 0 && cfg.Sources.SourcesFile == "" && cfg.Sources.SourcesFolder == "" {
			logger.Warn("background refresh enabled without any sources")
		}
		refresher, err := refresh.New(refresh.Config{
			Interval: interval,
			Fetcher:  fetcher,
			Digester: coordinator,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("configure refresher: %w", err)
		}
		refreshCtx, cancelRefresh := context.WithCancel(ctx)
		refreshDone := make(chan struct{})
		go func() {
			defer close(refreshDone)
			_ = refresher.Run(refreshCtx)
		}()
		defer func() {
			cancelRefresh()
			<-refreshDone
		}()
	}

	handler := server.NewServiceHandler(service, server.Routes{
		FeedPath: cfg.Server.Feed.Path,
		Metrics:  metricsRecorder.Handler(),
	})

	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		return fmt.Errorf("construct server: %w", err)
	}

	logger.Info("newsdigest ready",
		slog.String("backend", coordinator.Backend()),
		slog.Duration("window", coordinator.Window()),
		slog.String("provider", cfg.Summarizer.Provider),
		slog.Int("sources", len(cfg.Feeds)),
	)

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

// buildBackend falls back to the memory backend whenever the configured one
// cannot be opened, so a missing redis degrades to per-process throttling.
func buildBackend(logger *slog.Logger, cfg config.ServerCacheConfig) cache.Backend {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory summary cache")
		return cache.NewMemory(0)
	case "file":
		fileCache, err := cache.NewFile(cfg.File.Path)
		if err != nil {
			logger.Error("file cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return cache.NewMemory(0)
		}
		logger.Info("using file summary cache", slog.String("path", cfg.File.Path))
		return fileCache
	case "redis":
		redisCache, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
			TTL: cfg.Window(),
		})
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return cache.NewMemory(0)
		}
		logger.Info("using redis summary cache", slog.String("address", cfg.Redis.Address))
		return redisCache
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return cache.NewMemory(0)
	}
}

func compileFilter(expression string) (*expr.Program, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, nil
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("article filter environment: %w", err)
	}
	program, err := env.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("compile sources.filter: %w", err)
	}
	return &program, nil
}

// newsSources flattens feed definitions into fetcher sources ordered by name.
func newsSources(feeds map[string]config.FeedSource) []news.Source {
	names := make([]string, 0, len(feeds))
	for name := range feeds {
		names = append(names, name)
	}
	sort.Strings(names)

	sources := make([]news.Source, 0, len(names))
	for _, name := range names {
		feed := feeds[name]
		if feed.Disabled {
			continue
		}
		sources = append(sources, news.Source{
			Name:     name,
			URL:      feed.URL,
			Tags:     append([]string(nil), feed.Tags...),
			MaxItems: feed.MaxItems,
		})
	}
	return sources
}
