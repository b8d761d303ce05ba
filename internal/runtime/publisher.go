package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/l0p7/newsdigest/internal/digest"
	"github.com/l0p7/newsdigest/internal/views"
)

const feedFilePerm = 0o644

// FeedPublisher mirrors every freshly generated summary into a static RSS file
// so a plain web server can serve the feed without the API.
type FeedPublisher struct {
	path   string
	meta   views.FeedMeta
	logger *slog.Logger
}

func NewFeedPublisher(path string, meta views.FeedMeta, logger *slog.Logger) (*FeedPublisher, error) {
	if path == "" {
		return nil, errors.New("runtime: feed output path required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedPublisher{
		path:   path,
		meta:   meta,
		logger: logger.With(slog.String("agent", "feed_publisher"), slog.String("path", path)),
	}, nil
}

// Publish has the digest.Listener shape. Failures are logged; the stored
// summary stays authoritative.
func (p *FeedPublisher) Publish(_ context.Context, res digest.Result) {
	if err := p.Write(res); err != nil {
		p.logger.Error("feed file publish failed", slog.Any("error", err))
		return
	}
	p.logger.Info("feed file published", slog.String("guid", views.GUID(res.GeneratedAt)))
}

// Write renders res and replaces the feed file atomically.
func (p *FeedPublisher) Write(res digest.Result) error {
	doc, err := views.RenderFeed(p.meta, res.GeneratedAt, res.Summary)
	if err != nil {
		return err
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("runtime: create feed dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".feed-*.xml")
	if err != nil {
		return fmt.Errorf("runtime: create temp feed file: %w", err)
	}
	tmpName := tmpFile.Name()
	defer func() {
		if _, err := os.Stat(tmpName); err == nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmpFile.Write(doc); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("runtime: write temp feed file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("runtime: sync temp feed file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("runtime: close temp feed file: %w", err)
	}
	if err := os.Chmod(tmpName, feedFilePerm); err != nil {
		return fmt.Errorf("runtime: chmod feed file: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("runtime: replace feed file: %w", err)
	}
	return nil
}
