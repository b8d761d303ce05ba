// Package refresh keeps the stored summary warm by periodically fetching the
// configured sources and asking the coordinator for a summary. The throttle
// window still decides whether the summarizer is actually called.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/l0p7/newsdigest/internal/digest"
	"github.com/l0p7/newsdigest/internal/news"
	"github.com/l0p7/newsdigest/internal/throttle"
)

type Fetcher interface {
	Fetch(ctx context.Context) ([]news.Article, error)
}

type Digester interface {
	Obtain(ctx context.Context, req digest.Request) (digest.Result, error)
	Peek(ctx context.Context) (digest.Result, bool)
	Window() time.Duration
	Now() int64
}

// BuildFunc turns fetched articles into summarizer input.
type BuildFunc func(articles []news.Article) (string, error)

type Config struct {
	Interval time.Duration
	Fetcher  Fetcher
	Digester Digester
	Build    BuildFunc
	Logger   *slog.Logger
}

// Outcome describes what a single refresh cycle did.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeGenerated Outcome = "generated"
	OutcomeCached    Outcome = "cached"
)

type Refresher struct {
	interval time.Duration
	fetcher  Fetcher
	digester Digester
	build    BuildFunc
	logger   *slog.Logger
}

func New(cfg Config) (*Refresher, error) {
	if cfg.Interval <= 0 {
		return nil, errors.New("refresh: interval must be positive")
	}
	if cfg.Fetcher == nil || cfg.Digester == nil {
		return nil, errors.New("refresh: fetcher and digester required")
	}
	build := cfg.Build
	if build == nil {
		build = news.BuildHTML
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		interval: cfg.Interval,
		fetcher:  cfg.Fetcher,
		digester: cfg.Digester,
		build:    build,
		logger:   logger.With(slog.String("agent", "refresher")),
	}, nil
}

// Run refreshes once immediately and then on every tick until ctx ends.
// Cycle failures are logged and never stop the loop.
func (r *Refresher) Run(ctx context.Context) error {
	r.logger.Info("refresher started", slog.Duration("interval", r.interval))
	r.cycle(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("refresher stopped")
			return ctx.Err()
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

func (r *Refresher) cycle(ctx context.Context) {
	outcome, err := r.RunOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("refresh cycle failed", slog.Any("error", err))
		return
	}
	r.logger.Info("refresh cycle completed", slog.String("outcome", string(outcome)))
}

// RunOnce performs one refresh cycle. Sources are not fetched while the stored
// summary is still inside its window.
func (r *Refresher) RunOnce(ctx context.Context) (Outcome, error) {
	if res, ok := r.digester.Peek(ctx); ok {
		if throttle.Decide(r.digester.Now(), res.GeneratedAt, r.digester.Window()).Fresh {
			return OutcomeSkipped, nil
		}
	}

	articles, err := r.fetcher.Fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh: fetch sources: %w", err)
	}
	content, err := r.build(articles)
	if err != nil {
		return "", fmt.Errorf("refresh: build digest input: %w", err)
	}

	res, err := r.digester.Obtain(ctx, digest.Request{Content: content})
	if err != nil {
		return "", fmt.Errorf("refresh: obtain summary: %w", err)
	}
	if res.WasFresh {
		return OutcomeCached, nil
	}
	r.logger.Debug("summary refreshed",
		slog.Int("articles", len(articles)),
		slog.Int64("generated_at", res.GeneratedAt),
	)
	return OutcomeGenerated, nil
}
