package refresh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/l0p7/newsdigest/internal/cache"
	"github.com/l0p7/newsdigest/internal/digest"
	"github.com/l0p7/newsdigest/internal/news"
	"github.com/l0p7/newsdigest/internal/summarizer"
	"github.com/stretchr/testify/require"
)

const testT int64 = 1_709_996_400_000

type stubFetcher struct {
	calls    atomic.Int64
	articles []news.Article
	err      error
}

func (f *stubFetcher) Fetch(context.Context) ([]news.Article, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.articles, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	coord   *digest.Coordinator
	fetcher *stubFetcher
	calls   *atomic.Int64
	now     *atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		fetcher: &stubFetcher{articles: []news.Article{{
			Title:       "Retail media networks grow",
			Source:      "digiday",
			Link:        "https://digiday.com/a",
			PublishedAt: time.UnixMilli(testT).UTC(),
		}}},
		calls: &atomic.Int64{},
		now:   &atomic.Int64{},
	}
	f.now.Store(testT)
	coord, err := digest.New(digest.Config{
		Backend: cache.NewMemory(0),
		Summarizer: summarizer.Func(func(context.Context, string) (string, error) {
			f.calls.Add(1)
			return "## Digest", nil
		}),
		Window: 91 * time.Minute,
		Logger: quietLogger(),
		Clock:  func() time.Time { return time.UnixMilli(f.now.Load()) },
	})
	require.NoError(t, err)
	f.coord = coord
	return f
}

func (f *fixture) refresher(t *testing.T, interval time.Duration) *Refresher {
	t.Helper()
	r, err := New(Config{Interval: interval, Fetcher: f.fetcher, Digester: f.coord, Logger: quietLogger()})
	require.NoError(t, err)
	return r
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Interval: 0, Fetcher: &stubFetcher{}})
	require.Error(t, err)

	_, err = New(Config{Interval: time.Minute})
	require.Error(t, err)
}

func TestRunOnceRespectsThrottle(t *testing.T) {
	f := newFixture(t)
	r := f.refresher(t, time.Minute)
	ctx := context.Background()

	outcome, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeGenerated, outcome)

	f.now.Store(testT + 30*60_000)
	outcome, err = r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, outcome)
	require.EqualValues(t, 1, f.fetcher.calls.Load(), "fresh summaries skip fetching")

	f.now.Store(testT + 91*60_000)
	outcome, err = r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeGenerated, outcome)
	require.EqualValues(t, 2, f.calls.Load())

	res, ok := f.coord.Peek(ctx)
	require.True(t, ok)
	require.Equal(t, testT+91*60_000, res.GeneratedAt)
}

func TestRunOnceReportsFailures(t *testing.T) {
	f := newFixture(t)
	f.fetcher.err = news.ErrNoSources
	r := f.refresher(t, time.Minute)

	_, err := r.RunOnce(context.Background())
	require.ErrorIs(t, err, news.ErrNoSources)

	f.fetcher.err = nil
	f.fetcher.articles = nil
	_, err = r.RunOnce(context.Background())
	require.ErrorIs(t, err, news.ErrNoArticles)
	require.Zero(t, f.calls.Load())
}

func TestRunOnceUsesCustomBuilder(t *testing.T) {
	f := newFixture(t)
	r, err := New(Config{
		Interval: time.Minute,
		Fetcher:  f.fetcher,
		Digester: f.coord,
		Build: func([]news.Article) (string, error) {
			return "", errors.New("builder exploded")
		},
		Logger: quietLogger(),
	})
	require.NoError(t, err)

	_, err = r.RunOnce(context.Background())
	require.ErrorContains(t, err, "builder exploded")
}

func TestRunRefreshesImmediatelyAndStops(t *testing.T) {
	f := newFixture(t)
	r := f.refresher(t, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := f.coord.Peek(context.Background())
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatalf("refresher did not stop after cancellation")
	}
}
