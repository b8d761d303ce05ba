package server

import (
	"net/http"
	"strings"
)

const summarizePath = "/api/summarize-news"

// ServiceHTTP defines the minimal surface the lifecycle router needs from the
// runtime service to serve HTTP requests.
type ServiceHTTP interface {
	ServeSummarize(http.ResponseWriter, *http.Request)
	ServeFeed(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
	WriteError(http.ResponseWriter, int, string)
}

// Routes carries the configurable parts of the URL layout.
type Routes struct {
	FeedPath string
	Metrics  http.Handler
}

// NewServiceHandler wires the HTTP routing facade to the runtime service so
// the lifecycle server owns URL dispatch.
func NewServiceHandler(svc ServiceHTTP, routes Routes) http.Handler {
	if svc == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		})
	}
	feedPath := normalizePath(routes.FeedPath)
	if feedPath == "" {
		feedPath = "/feed.xml"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch parseRoute(r.URL.Path, feedPath) {
		case "summarize":
			svc.ServeSummarize(w, r)
		case "feed":
			svc.ServeFeed(w, r)
		case "healthz":
			svc.ServeHealth(w, r)
		case "metrics":
			if routes.Metrics == nil {
				svc.WriteError(w, http.StatusNotFound, "metrics disabled")
				return
			}
			routes.Metrics.ServeHTTP(w, r)
		default:
			svc.WriteError(w, http.StatusNotFound, "route not found")
		}
	})
}

func parseRoute(path, feedPath string) string {
	normalized := normalizePath(path)
	if normalized == "" {
		return ""
	}
	if normalized == feedPath {
		return "feed"
	}
	switch strings.ToLower(normalized) {
	case summarizePath:
		return "summarize"
	case "/health", "/healthz":
		return "healthz"
	case "/metrics":
		return "metrics"
	}
	return ""
}

func normalizePath(path string) string {
	trimmed := strings.Trim(strings.TrimSpace(path), "/")
	if trimmed == "" {
		return ""
	}
	return "/" + trimmed
}
