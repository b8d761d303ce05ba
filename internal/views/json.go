// Package views projects a summary and its generation time into the JSON API
// response and the RSS feed document. Both projections are pure: all time
// formatting for humans happens here and nowhere else.
package views

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/l0p7/newsdigest/internal/templates"
	"github.com/l0p7/newsdigest/internal/throttle"
)

const (
	DefaultFreshHeader  = `Freshly generated at {{ .GeneratedAt.Format "2006-01-02 15:04 MST" }}. Next update available at {{ .NextEligibleAt.Format "2006-01-02 15:04 MST" }}.`
	DefaultCachedHeader = `Throttle active: served from cache generated at {{ .GeneratedAt.Format "2006-01-02 15:04 MST" }}. Next update available at {{ .NextEligibleAt.Format "2006-01-02 15:04 MST" }} (in {{ .RemainingMinutes }} min).`
)

// Input is everything a view needs. Timestamps are unix milliseconds.
type Input struct {
	Summary     string
	GeneratedAt int64
	// WasFresh reports that the summary came from a cache entry still inside
	// its throttle window rather than from a new generation.
	WasFresh bool
	Now      int64
	Window   time.Duration
}

// JSONView is the API response body. Header is nil when no banner is rendered.
type JSONView struct {
	Header  *string `json:"header"`
	Summary string  `json:"summary"`
}

// BannerConfig selects the header templates and the display timezone.
type BannerConfig struct {
	FreshTemplate  string
	CachedTemplate string
	Timezone       string
}

// Banner renders the human-readable status line shown above the summary.
type Banner struct {
	fresh    *templates.Template
	cached   *templates.Template
	location *time.Location
}

// BannerData is exposed to header templates.
type BannerData struct {
	GeneratedAt      time.Time
	NextEligibleAt   time.Time
	Now              time.Time
	Remaining        time.Duration
	RemainingMinutes int64
	Window           time.Duration
	FromCache        bool
}

// NewBanner compiles the header templates, falling back to the defaults for
// empty sources.
func NewBanner(renderer *templates.Renderer, cfg BannerConfig) (*Banner, error) {
	if renderer == nil {
		return nil, errors.New("views: renderer required")
	}
	location := time.UTC
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("views: load timezone %q: %w", tz, err)
		}
		location = loc
	}
	freshSrc := cfg.FreshTemplate
	if strings.TrimSpace(freshSrc) == "" {
		freshSrc = DefaultFreshHeader
	}
	cachedSrc := cfg.CachedTemplate
	if strings.TrimSpace(cachedSrc) == "" {
		cachedSrc = DefaultCachedHeader
	}
	fresh, err := renderer.CompileInline("fresh-header", freshSrc)
	if err != nil {
		return nil, err
	}
	cached, err := renderer.CompileInline("cached-header", cachedSrc)
	if err != nil {
		return nil, err
	}
	return &Banner{fresh: fresh, cached: cached, location: location}, nil
}

// Render produces the banner text for in.
func (b *Banner) Render(in Input) (string, error) {
	decision := throttle.Decide(in.Now, in.GeneratedAt, in.Window)
	remaining := decision.Remaining
	data := BannerData{
		GeneratedAt:      time.UnixMilli(in.GeneratedAt).In(b.location),
		NextEligibleAt:   time.UnixMilli(decision.NextEligibleAt).In(b.location),
		Now:              time.UnixMilli(in.Now).In(b.location),
		Remaining:        remaining,
		RemainingMinutes: int64((remaining + time.Minute - 1) / time.Minute),
		Window:           in.Window,
		FromCache:        in.WasFresh,
	}
	tmpl := b.fresh
	if in.WasFresh {
		tmpl = b.cached
	}
	text, err := tmpl.Render(data)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// RenderJSON builds the API response. The summary is passed through untouched;
// the banner, when present, is kept in its own field.
func RenderJSON(in Input, banner *Banner) (JSONView, error) {
	view := JSONView{Summary: in.Summary}
	if banner == nil {
		return view, nil
	}
	header, err := banner.Render(in)
	if err != nil {
		return JSONView{}, err
	}
	view.Header = &header
	return view, nil
}
