// Package digest coordinates summary generation against the throttled cache.
// A request is either served from the stored entry or triggers exactly one
// summarizer call whose result replaces the entry.
package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/newsdigest/internal/cache"
	"github.com/l0p7/newsdigest/internal/metrics"
	"github.com/l0p7/newsdigest/internal/summarizer"
	"github.com/l0p7/newsdigest/internal/throttle"
)

const (
	// DefaultWindow is the minimum spacing between two summarizer calls.
	DefaultWindow = 91 * time.Minute
	// DefaultKey names the single logical summary entry.
	DefaultKey = "latest-summary"
)

// ErrMissingInput is returned when a generation is required but the request
// carried no content to summarize.
var ErrMissingInput = errors.New("digest: content required to generate a new summary")

// GenerationError reports a failed or unusable summarizer call. Status holds
// the provider's HTTP status when one was received.
type GenerationError struct {
	Status  int
	Message string
	Err     error
}

func (e *GenerationError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("digest: generation failed (%d): %s", e.Status, e.Message)
	}
	return "digest: generation failed: " + e.Message
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Request describes one obtain call. A zero Now means the coordinator's clock;
// any other instant, including the unix epoch, is used as given.
type Request struct {
	Content         string
	Now             time.Time
	ForceRegenerate bool
}

// Result is the summary handed to the views. WasFresh is true when the stored
// entry was served without calling the summarizer.
type Result struct {
	Summary     string
	GeneratedAt int64
	WasFresh    bool
}

// PromptFunc turns the raw request content into the summarizer prompt.
type PromptFunc func(content string) (string, error)

// Listener is notified after this coordinator stored a newly generated summary.
// It is not called when the write failed or lost to another writer.
type Listener func(ctx context.Context, res Result)

// Config wires the coordinator's collaborators.
type Config struct {
	Backend    cache.Backend
	Summarizer summarizer.Summarizer
	Key        string
	Window     time.Duration
	Prompt     PromptFunc
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	// Clock overrides time.Now, primarily for tests.
	Clock func() time.Time
}

// Coordinator serializes the read, decide, generate and write sequence per
// cache key. Exclusion across processes relies on the backend's CompareAndSwap.
type Coordinator struct {
	backend    cache.Backend
	summarizer summarizer.Summarizer
	key        string
	window     time.Duration
	prompt     PromptFunc
	logger     *slog.Logger
	metrics    *metrics.Recorder
	clock      func() time.Time
	locks      *keyedMutex

	mu        sync.RWMutex
	listeners []Listener
}

// New validates cfg and constructs a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Backend == nil {
		return nil, errors.New("digest: cache backend required")
	}
	if cfg.Summarizer == nil {
		return nil, errors.New("digest: summarizer required")
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = DefaultKey
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Coordinator{
		backend:    cfg.Backend,
		summarizer: cfg.Summarizer,
		key:        key,
		window:     window,
		prompt:     cfg.Prompt,
		logger:     logger.With(slog.String("agent", "coordinator")),
		metrics:    cfg.Metrics,
		clock:      clock,
		locks:      newKeyedMutex(),
	}, nil
}

// Window reports the configured throttle window.
func (c *Coordinator) Window() time.Duration { return c.window }

// Key reports the cache key the coordinator owns.
func (c *Coordinator) Key() string { return c.key }

// Backend reports the name of the backing store.
func (c *Coordinator) Backend() string { return c.backend.Name() }

// Now returns the coordinator clock in unix milliseconds.
func (c *Coordinator) Now() int64 { return c.clock().UnixMilli() }

// OnGenerated registers fn to run after each successful generation stored by
// this coordinator.
func (c *Coordinator) OnGenerated(fn Listener) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Peek returns the stored entry without generating. Backend failures and
// malformed entries are reported as absent.
func (c *Coordinator) Peek(ctx context.Context) (Result, bool) {
	entry, ok := c.read(ctx)
	if !ok {
		return Result{}, false
	}
	return Result{Summary: entry.Payload, GeneratedAt: entry.GeneratedAt, WasFresh: true}, true
}

// Obtain serves the stored summary while it is fresh and generates a new one
// otherwise. Generation runs detached from ctx cancellation so a departing
// caller still populates the cache for the next one.
func (c *Coordinator) Obtain(ctx context.Context, req Request) (Result, error) {
	now := c.Now()
	if !req.Now.IsZero() {
		now = req.Now.UnixMilli()
	}
	unlock, err := c.locks.lock(ctx, c.key)
	if err != nil {
		return Result{}, err
	}
	res, generated, err := c.obtainLocked(context.WithoutCancel(ctx), req, now)
	unlock()
	if err != nil {
		return Result{}, err
	}
	if generated {
		c.notify(context.WithoutCancel(ctx), res)
	}
	return res, nil
}

// obtainLocked reports generated=true only when this call's summary is the one
// now stored, so listeners never see an artifact the cache does not hold.
func (c *Coordinator) obtainLocked(ctx context.Context, req Request, now int64) (Result, bool, error) {
	prev := cache.NoEntry
	entry, ok := c.read(ctx)
	if ok {
		prev = entry.GeneratedAt
		decision := throttle.Decide(now, entry.GeneratedAt, c.window)
		if decision.Fresh && !req.ForceRegenerate {
			c.logger.Debug("serving cached summary",
				slog.Int64("generated_at", entry.GeneratedAt),
				slog.Duration("remaining", decision.Remaining))
			return Result{Summary: entry.Payload, GeneratedAt: entry.GeneratedAt, WasFresh: true}, false, nil
		}
	}

	if strings.TrimSpace(req.Content) == "" {
		return Result{}, false, ErrMissingInput
	}

	text, err := c.generate(ctx, req.Content)
	if err != nil {
		return Result{}, false, err
	}

	next := cache.Entry{GeneratedAt: now, Payload: text}
	fresh := Result{Summary: text, GeneratedAt: now}

	start := time.Now()
	swapped, err := c.backend.CompareAndSwap(ctx, c.key, prev, next)
	if err != nil {
		c.metrics.ObserveCache(c.backend.Name(), metrics.CacheOperationWrite, metrics.CacheError, time.Since(start))
		c.logger.Warn("cache write failed; serving unstored summary", slog.Any("error", err), slog.String("cache_key", c.key))
		return fresh, false, nil
	}
	if swapped {
		c.metrics.ObserveCache(c.backend.Name(), metrics.CacheOperationWrite, metrics.CacheStored, time.Since(start))
		c.logger.Info("summary generated", slog.Int64("generated_at", next.GeneratedAt), slog.Bool("forced", req.ForceRegenerate))
		return fresh, true, nil
	}

	// Another instance stored a summary after our read; serve theirs.
	c.metrics.ObserveCache(c.backend.Name(), metrics.CacheOperationWrite, metrics.CacheConflict, time.Since(start))
	winner, ok := c.read(ctx)
	if !ok {
		c.logger.Warn("lost cache swap but no winning entry is readable; serving own summary",
			slog.String("cache_key", c.key))
		return fresh, false, nil
	}
	c.logger.Info("lost cache swap to concurrent generation", slog.Int64("winner_generated_at", winner.GeneratedAt))
	return Result{Summary: winner.Payload, GeneratedAt: winner.GeneratedAt, WasFresh: true}, false, nil
}

func (c *Coordinator) generate(ctx context.Context, content string) (string, error) {
	prompt := content
	if c.prompt != nil {
		rendered, err := c.prompt(content)
		if err != nil {
			return "", fmt.Errorf("digest: build prompt: %w", err)
		}
		prompt = rendered
	}

	start := time.Now()
	text, err := c.summarizer.Summarize(ctx, prompt)
	if err != nil {
		genErr := &GenerationError{Message: err.Error(), Err: err}
		var perr *summarizer.ProviderError
		if errors.As(err, &perr) {
			genErr.Status = perr.Status
			genErr.Message = perr.Message
		}
		c.metrics.ObserveGeneration(false, genErr.Status, time.Since(start))
		c.logger.Error("summarizer call failed", slog.Int("status", genErr.Status), slog.String("message", genErr.Message))
		return "", genErr
	}
	text = strings.TrimSpace(text)
	if text == "" {
		c.metrics.ObserveGeneration(false, 0, time.Since(start))
		return "", &GenerationError{Message: "summarizer returned an empty summary"}
	}
	c.metrics.ObserveGeneration(true, 0, time.Since(start))
	return text, nil
}

// read degrades every backend failure to a miss.
func (c *Coordinator) read(ctx context.Context) (cache.Entry, bool) {
	start := time.Now()
	entry, ok, err := c.backend.Read(ctx, c.key)
	outcome := metrics.CacheMiss
	switch {
	case errors.Is(err, cache.ErrMalformedEntry):
		outcome = metrics.CacheMalformed
		c.logger.Warn("discarding malformed cache entry", slog.Any("error", err), slog.String("cache_key", c.key))
	case err != nil:
		outcome = metrics.CacheError
		c.logger.Warn("cache read failed; treating as miss", slog.Any("error", err), slog.String("cache_key", c.key))
	case ok:
		outcome = metrics.CacheHit
	}
	c.metrics.ObserveCache(c.backend.Name(), metrics.CacheOperationRead, outcome, time.Since(start))
	if err != nil {
		return cache.Entry{}, false
	}
	return entry, ok
}

func (c *Coordinator) notify(ctx context.Context, res Result) {
	c.mu.RLock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, res)
	}
}
