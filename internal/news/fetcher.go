// Package news gathers articles from RSS and Atom sources and shapes them into
// the HTML digest handed to the summarizer.
package news

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/l0p7/newsdigest/internal/expr"
	"github.com/l0p7/newsdigest/internal/metrics"
	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/errgroup"
)

const (
	defaultFetchTimeout = 15 * time.Second
	defaultMaxItems     = 10
	defaultConcurrency  = 4
	maxDescriptionLen   = 600
	userAgent           = "newsdigest/1.0 (+rss aggregator)"
)

// ErrNoSources is returned when no configured source could be fetched.
var ErrNoSources = errors.New("news: no source could be fetched")

// ErrNoArticles is returned when sources were fetched but nothing survived
// filtering.
var ErrNoArticles = errors.New("news: no articles to summarize")

// Source identifies one feed to aggregate.
type Source struct {
	Name     string
	URL      string
	Tags     []string
	MaxItems int
}

// Article is a single news item handed to the digest builder.
type Article struct {
	Title       string
	Source      string
	Description string
	Link        string
	PublishedAt time.Time
}

// httpDoer represents the minimal client contract used by the fetcher.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// FetcherConfig wires the fetcher's collaborators.
type FetcherConfig struct {
	Sources           []Source
	Filter            *expr.Program
	MaxItemsPerSource int
	Concurrency       int
	Client            httpDoer
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
	Clock             func() time.Time
}

// Fetcher retrieves every configured source concurrently. A failing source is
// logged and skipped.
type Fetcher struct {
	client      httpDoer
	logger      *slog.Logger
	metrics     *metrics.Recorder
	clock       func() time.Time
	maxItems    int
	concurrency int

	mu      sync.RWMutex
	sources []Source
	filter  *expr.Program
}

// NewFetcher constructs a Fetcher from cfg.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxItems := cfg.MaxItemsPerSource
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	f := &Fetcher{
		client:      client,
		logger:      logger.With(slog.String("agent", "news")),
		metrics:     cfg.Metrics,
		clock:       clock,
		maxItems:    maxItems,
		concurrency: concurrency,
	}
	f.Update(cfg.Sources, cfg.Filter)
	return f
}

// Update swaps the source list and filter, typically after a hot reload.
func (f *Fetcher) Update(sources []Source, filter *expr.Program) {
	cloned := append([]Source(nil), sources...)
	f.mu.Lock()
	f.sources = cloned
	f.filter = filter
	f.mu.Unlock()
}

// Sources returns a snapshot of the configured sources.
func (f *Fetcher) Sources() []Source {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Source(nil), f.sources...)
}

// Fetch retrieves all sources and returns the surviving articles, newest
// first. ErrNoSources is returned when every source failed.
func (f *Fetcher) Fetch(ctx context.Context) ([]Article, error) {
	f.mu.RLock()
	sources := f.sources
	filter := f.filter
	f.mu.RUnlock()

	if len(sources) == 0 {
		return nil, ErrNoSources
	}

	results := make([][]Article, len(sources))
	succeeded := make([]bool, len(sources))

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i, src := range sources {
		g.Go(func() error {
			articles, err := f.FetchSource(groupCtx, src)
			f.metrics.ObserveSourceFetch(src.Name, err == nil)
			if err != nil {
				f.logger.Warn("source fetch failed", slog.String("source", src.Name), slog.Any("error", err))
				return nil
			}
			succeeded[i] = true
			results[i] = f.applyFilter(src, filter, articles)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Article
	ok := 0
	for i := range sources {
		if succeeded[i] {
			ok++
			all = append(all, results[i]...)
		}
	}
	if ok == 0 {
		return nil, ErrNoSources
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].PublishedAt.After(all[j].PublishedAt)
	})
	f.logger.Debug("sources fetched", slog.Int("sources", ok), slog.Int("articles", len(all)))
	return all, nil
}

// FetchSource retrieves a single source.
func (f *Fetcher) FetchSource(ctx context.Context, src Source) ([]Article, error) {
	if strings.TrimSpace(src.URL) == "" {
		return nil, fmt.Errorf("news: source %q has no url", src.Name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("news: build request for %s: %w", src.Name, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("news: fetch %s: %w", src.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("news: fetch %s: unexpected status %d", src.Name, resp.StatusCode)
	}

	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("news: parse %s: %w", src.Name, err)
	}
	return f.convertItems(src, feed), nil
}

func (f *Fetcher) convertItems(src Source, feed *gofeed.Feed) []Article {
	limit := f.maxItems
	if src.MaxItems > 0 {
		limit = src.MaxItems
	}
	if len(feed.Items) < limit {
		limit = len(feed.Items)
	}
	name := src.Name
	if name == "" {
		name = feed.Title
	}

	articles := make([]Article, 0, limit)
	for _, item := range feed.Items[:limit] {
		if item == nil {
			continue
		}
		description := item.Description
		if description == "" {
			description = item.Content
		}
		published := f.clock()
		if item.PublishedParsed != nil {
			published = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			published = *item.UpdatedParsed
		}
		articles = append(articles, Article{
			Title:       strings.TrimSpace(item.Title),
			Source:      name,
			Description: truncate(strings.TrimSpace(description), maxDescriptionLen),
			Link:        strings.TrimSpace(item.Link),
			PublishedAt: published.UTC(),
		})
	}
	return articles
}

func (f *Fetcher) applyFilter(src Source, filter *expr.Program, articles []Article) []Article {
	if filter == nil {
		return articles
	}
	now := f.clock()
	sourceVars := map[string]any{
		"name": src.Name,
		"url":  src.URL,
		"tags": append([]string{}, src.Tags...),
	}
	kept := articles[:0]
	for _, a := range articles {
		matched, err := filter.EvalBool(map[string]any{
			"article": map[string]any{
				"title":       a.Title,
				"source":      a.Source,
				"description": a.Description,
				"link":        a.Link,
				"publishedAt": a.PublishedAt,
			},
			"source": sourceVars,
			"now":    now,
		})
		if err != nil {
			f.logger.Debug("article filter failed", slog.String("source", src.Name), slog.String("title", a.Title), slog.Any("error", err))
			continue
		}
		if matched {
			kept = append(kept, a)
		}
	}
	return kept
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}
