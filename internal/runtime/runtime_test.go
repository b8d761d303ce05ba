package runtime

import (
	"context"
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/l0p7/newsdigest/internal/cache"
	"github.com/l0p7/newsdigest/internal/config"
	"github.com/l0p7/newsdigest/internal/digest"
	"github.com/l0p7/newsdigest/internal/metrics"
	"github.com/l0p7/newsdigest/internal/summarizer"
	"github.com/l0p7/newsdigest/internal/templates"
	"github.com/l0p7/newsdigest/internal/views"
	"github.com/stretchr/testify/require"
)

const (
	testWindow       = 91 * time.Minute
	testT      int64 = 1_709_996_400_000 // 2024-03-09T15:00:00Z
)

type harness struct {
	service *Service
	coord   *digest.Coordinator
	backend cache.Backend
	calls   *atomic.Int64
	now     *atomic.Int64
	expect  *httpexpect.Expect
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, s summarizer.Summarizer) *harness {
	t.Helper()
	h := &harness{backend: cache.NewMemory(0), calls: &atomic.Int64{}, now: &atomic.Int64{}}
	h.now.Store(testT)
	if s == nil {
		s = summarizer.Func(func(_ context.Context, prompt string) (string, error) {
			h.calls.Add(1)
			return "summary of " + prompt, nil
		})
	}

	coord, err := digest.New(digest.Config{
		Backend:    h.backend,
		Summarizer: s,
		Window:     testWindow,
		Logger:     quietLogger(),
		Clock:      func() time.Time { return time.UnixMilli(h.now.Load()) },
	})
	require.NoError(t, err)
	h.coord = coord

	banner, err := views.NewBanner(templates.NewRenderer(nil), views.BannerConfig{})
	require.NoError(t, err)

	svc, err := NewService(quietLogger(), ServiceOptions{
		Digester:          coord,
		Banner:            banner,
		Feed:              views.FeedMeta{Title: "AdTech Strategic Summary", Link: "https://example.com/feed.xml", Footer: "footer"},
		CorrelationHeader: "X-Request-ID",
		Metrics:           metrics.NewRecorder(nil),
		Sources: config.SourceBundle{
			Feeds:   map[string]config.FeedSource{"digiday": {URL: "https://digiday.com/feed/"}, "adexchanger": {URL: "https://www.adexchanger.com/feed/"}},
			Skipped: []config.DefinitionSkip{{Kind: "feed", Name: "broken", Reason: "url required"}},
		},
	})
	require.NoError(t, err)
	h.service = svc

	mux := http.NewServeMux()
	mux.HandleFunc("/api/summarize-news", svc.ServeSummarize)
	mux.HandleFunc("/feed.xml", svc.ServeFeed)
	mux.HandleFunc("/healthz", svc.ServeHealth)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	h.expect = httpexpect.Default(t, srv.URL)
	return h
}

func TestNewServiceRequiresDigester(t *testing.T) {
	_, err := NewService(quietLogger(), ServiceOptions{})
	require.Error(t, err)
}

func TestSummarizeGeneratesThenServesFromCache(t *testing.T) {
	h := newHarness(t, nil)

	first := h.expect.POST("/api/summarize-news").
		WithJSON(map[string]any{"htmlContent": "<p>news</p>"}).
		Expect().
		Status(http.StatusOK)
	first.Header("X-Request-ID").NotEmpty()
	body := first.JSON().Object()
	body.Value("summary").String().IsEqual("summary of <p>news</p>")
	body.Value("header").String().IsEqual("Freshly generated at 2024-03-09 15:00 UTC. Next update available at 2024-03-09 16:31 UTC.")

	h.now.Store(testT + 60_000)
	second := h.expect.POST("/api/summarize-news").
		WithJSON(map[string]any{"htmlContent": "<p>other news</p>"}).
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	second.Value("summary").String().IsEqual("summary of <p>news</p>")
	second.Value("header").String().HasPrefix("Throttle active: served from cache")
	require.EqualValues(t, 1, h.calls.Load())
}

func TestSummarizeForceRegenerate(t *testing.T) {
	h := newHarness(t, nil)
	h.expect.POST("/api/summarize-news").WithJSON(map[string]any{"htmlContent": "a"}).Expect().Status(http.StatusOK)

	h.now.Store(testT + 1_000)
	h.expect.POST("/api/summarize-news").
		WithJSON(map[string]any{"htmlContent": "b", "forceRegenerate": true}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("summary").String().IsEqual("summary of b")
	require.EqualValues(t, 2, h.calls.Load())
}

func TestSummarizeCachedWithoutContent(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.backend.Write(context.Background(), h.coord.Key(), cache.Entry{GeneratedAt: testT - 60_000, Payload: "stored"}))

	h.expect.POST("/api/summarize-news").
		WithJSON(map[string]any{}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("summary").String().IsEqual("stored")
	require.Zero(t, h.calls.Load())
}

func TestSummarizeRejectsRequests(t *testing.T) {
	h := newHarness(t, nil)

	h.expect.POST("/api/summarize-news").
		WithJSON(map[string]any{"htmlContent": "   "}).
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().Value("error").String().NotEmpty()

	h.expect.POST("/api/summarize-news").
		WithHeader("Content-Type", "application/json").
		WithText("{not json").
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().Value("error").String().IsEqual("invalid JSON body")

	h.expect.POST("/api/summarize-news").
		Expect().
		Status(http.StatusBadRequest)

	h.expect.GET("/api/summarize-news").
		Expect().
		Status(http.StatusMethodNotAllowed).
		Header("Allow").IsEqual(http.MethodPost)

	require.Zero(t, h.calls.Load())
}

func TestSummarizeProviderFailure(t *testing.T) {
	h := newHarness(t, summarizer.Func(func(context.Context, string) (string, error) {
		return "", &summarizer.ProviderError{Provider: "openai", Status: http.StatusServiceUnavailable, Message: "overloaded"}
	}))

	h.expect.POST("/api/summarize-news").
		WithJSON(map[string]any{"htmlContent": "news"}).
		Expect().
		Status(http.StatusInternalServerError).
		JSON().Object().Value("error").String().Contains("overloaded")

	_, ok := h.coord.Peek(context.Background())
	require.False(t, ok, "failed generations must not be stored")
}

func TestSummarizeEchoesCorrelationID(t *testing.T) {
	h := newHarness(t, nil)
	h.expect.POST("/api/summarize-news").
		WithHeader("X-Request-ID", "req-42").
		WithJSON(map[string]any{"htmlContent": "news"}).
		Expect().
		Header("X-Request-ID").IsEqual("req-42")
}

func TestFeedUnavailableUntilGenerated(t *testing.T) {
	h := newHarness(t, nil)

	h.expect.GET("/feed.xml").
		Expect().
		Status(http.StatusServiceUnavailable).
		JSON().Object().Value("error").String().NotEmpty()
	require.Zero(t, h.calls.Load(), "feed requests never generate")
}

func TestFeedRendersStoredSummary(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.backend.Write(context.Background(), h.coord.Key(), cache.Entry{GeneratedAt: testT, Payload: "## Highlights"}))

	resp := h.expect.GET("/feed.xml").Expect().Status(http.StatusOK)
	resp.HasContentType("application/rss+xml")
	resp.Header("ETag").IsEqual(`"` + views.GUID(testT) + `"`)
	raw := resp.Body().Raw()

	var doc struct {
		Channel struct {
			Title string `xml:"title"`
			Items []struct {
				GUID string `xml:"guid"`
			} `xml:"item"`
		} `xml:"channel"`
	}
	require.NoError(t, xml.Unmarshal([]byte(raw), &doc))
	require.Equal(t, "AdTech Strategic Summary", doc.Channel.Title)
	require.Len(t, doc.Channel.Items, 1)
	require.Equal(t, "adtech-summary-2024-03-09T15:00:00.000Z", doc.Channel.Items[0].GUID)

	h.expect.GET("/feed.xml").
		WithHeader("If-None-Match", `"`+views.GUID(testT)+`"`).
		Expect().
		Status(http.StatusNotModified)

	h.expect.POST("/feed.xml").Expect().Status(http.StatusMethodNotAllowed)
}

func TestHealthReportsCacheState(t *testing.T) {
	h := newHarness(t, nil)

	empty := h.expect.GET("/healthz").Expect().Status(http.StatusOK).JSON().Object()
	empty.Value("status").String().IsEqual("ok")
	empty.Value("backend").String().IsEqual("memory")
	empty.Value("windowMinutes").Number().IsEqual(91)
	empty.Value("hasSummary").Boolean().IsFalse()
	empty.NotContainsKey("lastGeneratedAt")
	empty.Value("sources").Array().ConsistsOf("adexchanger", "digiday")
	empty.Value("skippedDefinitions").Array().Length().IsEqual(1)

	require.NoError(t, h.backend.Write(context.Background(), h.coord.Key(), cache.Entry{GeneratedAt: testT, Payload: "x"}))
	h.now.Store(testT + 10*60_000)
	filled := h.expect.GET("/healthz").Expect().Status(http.StatusOK).JSON().Object()
	filled.Value("hasSummary").Boolean().IsTrue()
	filled.Value("fresh").Boolean().IsTrue()
	filled.Value("lastGeneratedAt").String().IsEqual("2024-03-09T15:00:00Z")
	filled.Value("nextEligibleAt").String().IsEqual("2024-03-09T16:31:00Z")

	h.now.Store(testT + testWindow.Milliseconds())
	h.expect.GET("/healthz").Expect().JSON().Object().Value("fresh").Boolean().IsFalse()
}

func TestUpdateSourcesReplacesProvenance(t *testing.T) {
	h := newHarness(t, nil)
	h.service.UpdateSources(config.SourceBundle{Feeds: map[string]config.FeedSource{"adweek": {URL: "https://www.adweek.com/feed/"}}})

	report := h.expect.GET("/healthz").Expect().JSON().Object()
	report.Value("sources").Array().ConsistsOf("adweek")
	report.NotContainsKey("skippedDefinitions")
}

func TestFeedPublisherWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "public", "feed.xml")
	publisher, err := NewFeedPublisher(path, views.FeedMeta{Title: "t"}, quietLogger())
	require.NoError(t, err)

	publisher.Publish(context.Background(), digest.Result{Summary: "first", GeneratedAt: testT})
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), views.GUID(testT))

	require.NoError(t, publisher.Write(digest.Result{Summary: "second", GeneratedAt: testT + 1}))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "second")
	require.NotContains(t, string(data), "first")

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(feedFilePerm), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestFeedPublisherFollowsCoordinator(t *testing.T) {
	h := newHarness(t, nil)
	path := filepath.Join(t.TempDir(), "feed.xml")
	publisher, err := NewFeedPublisher(path, views.FeedMeta{Title: "t"}, quietLogger())
	require.NoError(t, err)
	h.coord.OnGenerated(publisher.Publish)

	h.expect.POST("/api/summarize-news").WithJSON(map[string]any{"htmlContent": "news"}).Expect().Status(http.StatusOK)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "summary of news")
}

func TestNewFeedPublisherRequiresPath(t *testing.T) {
	_, err := NewFeedPublisher("", views.FeedMeta{}, nil)
	require.Error(t, err)
}
