package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/l0p7/newsdigest/internal/config"
	"github.com/l0p7/newsdigest/internal/digest"
	"github.com/l0p7/newsdigest/internal/metrics"
	"github.com/l0p7/newsdigest/internal/throttle"
	"github.com/l0p7/newsdigest/internal/views"
)

const (
	routeSummarize = "summarize"
	routeFeed      = "feed"

	maxRequestBody = 4 << 20
)

// Digester is the coordinator surface the HTTP handlers depend on.
type Digester interface {
	Obtain(ctx context.Context, req digest.Request) (digest.Result, error)
	Peek(ctx context.Context) (digest.Result, bool)
	Window() time.Duration
	Backend() string
	Key() string
	Now() int64
}

type ServiceOptions struct {
	Digester          Digester
	Banner            *views.Banner
	Feed              views.FeedMeta
	CorrelationHeader string
	Metrics           *metrics.Recorder
	Sources           config.SourceBundle
}

// Service renders the summary API, the RSS feed and the health report on top
// of a digest coordinator.
type Service struct {
	logger            *slog.Logger
	digester          Digester
	banner            *views.Banner
	feed              views.FeedMeta
	correlationHeader string
	metrics           *metrics.Recorder

	mu      sync.RWMutex
	sources []string
	skipped []config.DefinitionSkip
}

type summarizeRequest struct {
	HTMLContent     string `json:"htmlContent"`
	ForceRegenerate bool   `json:"forceRegenerate"`
}

func NewService(logger *slog.Logger, opts ServiceOptions) (*Service, error) {
	if opts.Digester == nil {
		return nil, errors.New("runtime: digester required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		logger:            logger.With(slog.String("agent", "api")),
		digester:          opts.Digester,
		banner:            opts.Banner,
		feed:              opts.Feed,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		metrics:           opts.Metrics,
	}
	s.UpdateSources(opts.Sources)
	return s, nil
}

// UpdateSources swaps the source provenance reported by the health endpoint.
func (s *Service) UpdateSources(bundle config.SourceBundle) {
	names := bundle.Names()
	skipped := make([]config.DefinitionSkip, len(bundle.Skipped))
	copy(skipped, bundle.Skipped)

	s.mu.Lock()
	s.sources = names
	s.skipped = skipped
	s.mu.Unlock()
}

// WriteError emits the JSON error payload shared by every route.
func (s *Service) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": message}, s.logger)
}

// ServeSummarize answers POST /api/summarize-news.
func (s *Service) ServeSummarize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := s.requestCorrelationID(r)
	if s.correlationHeader != "" {
		w.Header().Set(s.correlationHeader, correlationID)
	}
	reqLogger := s.logger.With(slog.String("correlation_id", correlationID))

	status, outcome := s.summarize(w, r, reqLogger)

	duration := time.Since(start)
	reqLogger.Info("summary request completed",
		slog.Int("http_status", status),
		slog.String("outcome", outcome),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	)
	s.metrics.ObserveRequest(routeSummarize, outcome, status, duration)
}

func (s *Service) summarize(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (int, string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return http.StatusMethodNotAllowed, "method_not_allowed"
	}

	var body summarizeRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := decoder.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		logger.Warn("summary request body rejected", slog.Any("error", err))
		s.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return http.StatusBadRequest, "invalid"
	}

	res, err := s.digester.Obtain(r.Context(), digest.Request{
		Content:         body.HTMLContent,
		ForceRegenerate: body.ForceRegenerate,
	})
	if err != nil {
		return s.writeObtainError(w, err, logger)
	}

	view, err := views.RenderJSON(views.Input{
		Summary:     res.Summary,
		GeneratedAt: res.GeneratedAt,
		WasFresh:    res.WasFresh,
		Now:         s.digester.Now(),
		Window:      s.digester.Window(),
	}, s.banner)
	if err != nil {
		logger.Error("summary view render failed", slog.Any("error", err))
		s.WriteError(w, http.StatusInternalServerError, "failed to render summary")
		return http.StatusInternalServerError, "error"
	}

	writeJSON(w, http.StatusOK, view, logger)
	if res.WasFresh {
		return http.StatusOK, "cached"
	}
	return http.StatusOK, "generated"
}

func (s *Service) writeObtainError(w http.ResponseWriter, err error, logger *slog.Logger) (int, string) {
	var genErr *digest.GenerationError
	switch {
	case errors.Is(err, digest.ErrMissingInput):
		s.WriteError(w, http.StatusBadRequest, "htmlContent is required to generate a new summary")
		return http.StatusBadRequest, "missing_input"
	case errors.As(err, &genErr):
		logger.Error("summary generation failed",
			slog.Int("provider_status", genErr.Status),
			slog.String("provider_message", genErr.Message),
		)
		s.WriteError(w, http.StatusInternalServerError, genErr.Error())
		return http.StatusInternalServerError, "generation_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Warn("summary request abandoned while waiting", slog.Any("error", err))
		s.WriteError(w, http.StatusServiceUnavailable, "request cancelled")
		return http.StatusServiceUnavailable, "cancelled"
	default:
		logger.Error("summary generation failed", slog.Any("error", err))
		s.WriteError(w, http.StatusInternalServerError, fmt.Sprintf("summary generation failed: %v", err))
		return http.StatusInternalServerError, "error"
	}
}

// ServeFeed renders the stored summary as an RSS document. It never triggers a
// generation.
func (s *Service) ServeFeed(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status, outcome := s.feedResponse(w, r)
	s.metrics.ObserveRequest(routeFeed, outcome, status, time.Since(start))
}

func (s *Service) feedResponse(w http.ResponseWriter, r *http.Request) (int, string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		s.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return http.StatusMethodNotAllowed, "method_not_allowed"
	}

	res, ok := s.digester.Peek(r.Context())
	if !ok {
		s.WriteError(w, http.StatusServiceUnavailable, "no summary has been generated yet")
		return http.StatusServiceUnavailable, "empty"
	}

	etag := `"` + views.GUID(res.GeneratedAt) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", time.UnixMilli(res.GeneratedAt).UTC().Format(http.TimeFormat))
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return http.StatusNotModified, "not_modified"
	}

	doc, err := views.RenderFeed(s.feed, res.GeneratedAt, res.Summary)
	if err != nil {
		s.logger.Error("feed render failed", slog.Any("error", err))
		s.WriteError(w, http.StatusInternalServerError, "failed to render feed")
		return http.StatusInternalServerError, "error"
	}

	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return http.StatusOK, "served"
	}
	if _, err := w.Write(doc); err != nil {
		s.logger.Error("feed response write failed", slog.Any("error", err))
	}
	return http.StatusOK, "served"
}

type healthReport struct {
	Status             string                  `json:"status"`
	ObservedAt         time.Time               `json:"observedAt"`
	Backend            string                  `json:"backend"`
	CacheKey           string                  `json:"cacheKey"`
	WindowMinutes      float64                 `json:"windowMinutes"`
	HasSummary         bool                    `json:"hasSummary"`
	LastGeneratedAt    *time.Time              `json:"lastGeneratedAt,omitempty"`
	Fresh              bool                    `json:"fresh"`
	NextEligibleAt     *time.Time              `json:"nextEligibleAt,omitempty"`
	Sources            []string                `json:"sources,omitempty"`
	SkippedDefinitions []config.DefinitionSkip `json:"skippedDefinitions,omitempty"`
}

// ServeHealth reports the backend, the throttle window and the state of the
// stored summary.
func (s *Service) ServeHealth(w http.ResponseWriter, r *http.Request) {
	now := s.digester.Now()
	window := s.digester.Window()
	report := healthReport{
		Status:        "ok",
		ObservedAt:    time.UnixMilli(now).UTC(),
		Backend:       s.digester.Backend(),
		CacheKey:      s.digester.Key(),
		WindowMinutes: window.Minutes(),
	}
	if res, ok := s.digester.Peek(r.Context()); ok {
		decision := throttle.Decide(now, res.GeneratedAt, window)
		generatedAt := time.UnixMilli(res.GeneratedAt).UTC()
		nextEligible := time.UnixMilli(decision.NextEligibleAt).UTC()
		report.HasSummary = true
		report.LastGeneratedAt = &generatedAt
		report.NextEligibleAt = &nextEligible
		report.Fresh = decision.Fresh
	}

	s.mu.RLock()
	if len(s.sources) > 0 {
		report.Sources = append([]string(nil), s.sources...)
	}
	if len(s.skipped) > 0 {
		report.SkippedDefinitions = append([]config.DefinitionSkip(nil), s.skipped...)
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, report, s.logger)
}

func (s *Service) requestCorrelationID(r *http.Request) string {
	if r != nil && s.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(s.correlationHeader)); candidate != "" {
			return candidate
		}
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("response encode failed", slog.Any("error", err))
	}
}
