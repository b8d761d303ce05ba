package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the backend method being instrumented.
type CacheOperation string

const (
	// CacheOperationRead records backend reads.
	CacheOperationRead CacheOperation = "read"
	// CacheOperationWrite records compare-and-swap writes of new summaries.
	CacheOperationWrite CacheOperation = "write"
)

// CacheOutcome captures the result of a backend operation.
type CacheOutcome string

const (
	CacheHit       CacheOutcome = "hit"
	CacheMiss      CacheOutcome = "miss"
	CacheMalformed CacheOutcome = "malformed"
	CacheStored    CacheOutcome = "stored"
	// CacheConflict indicates a compare-and-swap lost to another writer.
	CacheConflict CacheOutcome = "conflict"
	CacheError    CacheOutcome = "error"
)

// Recorder publishes Prometheus metrics for summary activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	summaryRequests *prometheus.CounterVec
	summaryLatency  *prometheus.HistogramVec

	generations       *prometheus.CounterVec
	generationLatency *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	sourceFetches *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	summaryRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "newsdigest",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Summary API requests by outcome and response status.",
	}, []string{"route", "outcome", "status_code"})

	summaryLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "newsdigest",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for summary API requests.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
	}, []string{"route", "outcome"})

	generations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "newsdigest",
		Subsystem: "summarizer",
		Name:      "calls_total",
		Help:      "External summarizer invocations by result and provider status.",
	}, []string{"result", "status_code"})

	generationLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "newsdigest",
		Subsystem: "summarizer",
		Name:      "call_duration_seconds",
		Help:      "Latency distribution for external summarizer calls.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
	}, []string{"result"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "newsdigest",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Summary cache backend operations.",
	}, []string{"backend", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "newsdigest",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for summary cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"backend", "operation", "result"})

	sourceFetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "newsdigest",
		Subsystem: "sources",
		Name:      "fetches_total",
		Help:      "News source fetch attempts by source and result.",
	}, []string{"source", "result"})

	reg.MustRegister(summaryRequests, summaryLatency, generations, generationLatency, cacheOperations, cacheLatency, sourceFetches)

	return &Recorder{
		gatherer:          reg,
		handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		summaryRequests:   summaryRequests,
		summaryLatency:    summaryLatency,
		generations:       generations,
		generationLatency: generationLatency,
		cacheOperations:   cacheOperations,
		cacheLatency:      cacheLatency,
		sourceFetches:     sourceFetches,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records a completed HTTP request against route.
func (r *Recorder) ObserveRequest(route, outcome string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	outcomeLabel := normalizeLabel(outcome)
	r.summaryRequests.WithLabelValues(routeLabel, outcomeLabel, statusLabel(statusCode)).Inc()
	r.summaryLatency.WithLabelValues(routeLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveGeneration records one external summarizer call. statusCode is the
// provider status for failures and zero for successes.
func (r *Recorder) ObserveGeneration(success bool, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	status := statusLabel(statusCode)
	if success {
		status = "ok"
	}
	r.generations.WithLabelValues(result, status).Inc()
	r.generationLatency.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveCache records the result of a backend operation.
func (r *Recorder) ObserveCache(backend string, op CacheOperation, result CacheOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := string(op)
	if opLabel == "" {
		opLabel = string(CacheOperationRead)
	}
	resLabel := normalizeLabel(string(result))
	backendLabel := normalizeLabel(backend)
	r.cacheOperations.WithLabelValues(backendLabel, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(backendLabel, opLabel, resLabel).Observe(duration.Seconds())
}

// ObserveSourceFetch records a single news source fetch.
func (r *Recorder) ObserveSourceFetch(source string, success bool) {
	if r == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	r.sourceFetches.WithLabelValues(normalizeLabel(source), result).Inc()
}

func statusLabel(code int) string {
	if code <= 0 {
		return "unknown"
	}
	return strconv.Itoa(code)
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
