package config

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const inlineSourceName = "inline-config"

// SourceBundle captures the merged feed definitions after loading every
// configured source.
type SourceBundle struct {
	Feeds   map[string]FeedSource
	Files   []string
	Skipped []DefinitionSkip
}

// Names returns the active feed names in sorted order.
func (b SourceBundle) Names() []string {
	names := slices.Collect(maps.Keys(b.Feeds))
	sort.Strings(names)
	return names
}

type sourceDocument struct {
	Feeds map[string]FeedSource `koanf:"feeds"`
}

type feedAggregator struct {
	feeds   map[string]FeedSource
	origins map[string]string
	skips   map[string]*DefinitionSkip
	files   map[string]struct{}
}

func newFeedAggregator() *feedAggregator {
	return &feedAggregator{
		feeds:   make(map[string]FeedSource),
		origins: make(map[string]string),
		skips:   make(map[string]*DefinitionSkip),
		files:   make(map[string]struct{}),
	}
}

func (a *feedAggregator) addDocument(doc sourceDocument, source string) {
	if source != "" {
		a.files[source] = struct{}{}
	}
	for name, cfg := range doc.Feeds {
		a.addFeed(name, cfg, source)
	}
}

func (a *feedAggregator) addFeed(name string, cfg FeedSource, source string) {
	if existing, ok := a.skips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.origins[name]; ok {
		a.recordSkip(name, "duplicate definition", prev, source)
		delete(a.origins, name)
		delete(a.feeds, name)
		return
	}
	a.origins[name] = source
	a.feeds[name] = cfg
}

// validate quarantines feeds that cannot be fetched. Disabled feeds are
// dropped silently.
func (a *feedAggregator) validate() {
	for name, cfg := range a.feeds {
		if cfg.Disabled {
			delete(a.origins, name)
			delete(a.feeds, name)
			continue
		}
		if err := validateFeed(cfg); err != nil {
			a.recordSkip(name, err.Error(), a.origins[name])
			delete(a.origins, name)
			delete(a.feeds, name)
		}
	}
}

func validateFeed(cfg FeedSource) error {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return fmt.Errorf("url required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid url: unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("invalid url: host required")
	}
	if cfg.MaxItems < 0 {
		return fmt.Errorf("maxItems invalid: %d", cfg.MaxItems)
	}
	return nil
}

func (a *feedAggregator) recordSkip(name, reason string, sources ...string) {
	if skip, ok := a.skips[name]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range sources {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &DefinitionSkip{
		Kind:    "feed",
		Name:    name,
		Reason:  reason,
		Sources: []string{},
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.skips[name] = skip
}

func (a *feedAggregator) bundle() SourceBundle {
	a.validate()
	feeds := maps.Clone(a.feeds)
	skipped := make([]DefinitionSkip, 0, len(a.skips))
	for _, skip := range a.skips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Name < skipped[j].Name })
	files := make([]string, 0, len(a.files))
	for src := range a.files {
		if src != "" {
			files = append(files, src)
		}
	}
	sort.Strings(files)
	return SourceBundle{Feeds: feeds, Files: files, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func buildSourceBundle(ctx context.Context, inline map[string]FeedSource, sourcesCfg SourcesConfig) (SourceBundle, error) {
	docs, err := loadSourceDocuments(ctx, sourcesCfg)
	if err != nil {
		return SourceBundle{}, err
	}
	return assembleBundle(inline, docs), nil
}

// loadSourceDocuments parses every configured feed document, keyed by cleaned path.
func loadSourceDocuments(ctx context.Context, sourcesCfg SourcesConfig) (map[string]sourceDocument, error) {
	files, err := collectSourceFiles(ctx, sourcesCfg)
	if err != nil {
		return nil, err
	}
	docs := make(map[string]sourceDocument, len(files))
	for _, path := range files {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		doc, err := loadSourceDocument(path)
		if err != nil {
			return nil, err
		}
		docs[filepath.Clean(path)] = doc
	}
	return docs, nil
}

// assembleBundle merges the inline feeds with docs in path order, so the same
// inputs always quarantine the same duplicates.
func assembleBundle(inline map[string]FeedSource, docs map[string]sourceDocument) SourceBundle {
	agg := newFeedAggregator()
	if len(inline) > 0 {
		agg.addDocument(sourceDocument{Feeds: inline}, inlineSourceName)
	}
	for _, path := range slices.Sorted(maps.Keys(docs)) {
		agg.addDocument(docs[path], path)
	}
	return agg.bundle()
}

func collectSourceFiles(ctx context.Context, sourcesCfg SourcesConfig) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if sourcesCfg.SourcesFile != "" {
		if err := ensureFileExists(sourcesCfg.SourcesFile); err != nil {
			return nil, err
		}
		return []string{filepath.Clean(sourcesCfg.SourcesFile)}, nil
	}
	if sourcesCfg.SourcesFolder == "" {
		return nil, nil
	}
	stat, err := os.Stat(sourcesCfg.SourcesFolder)
	if err != nil {
		return nil, fmt.Errorf("config: sources folder %s: %w", sourcesCfg.SourcesFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: sources folder %s is not a directory", sourcesCfg.SourcesFolder)
	}
	var files []string
	err = filepath.WalkDir(sourcesCfg.SourcesFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !isSupportedSourceFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk sources folder %s: %w", sourcesCfg.SourcesFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: sources file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: sources file %s: expected a file, found directory", path)
	}
	return nil
}

func loadSourceDocument(path string) (sourceDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return sourceDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return sourceDocument{}, fmt.Errorf("config: load feeds from %s: %w", path, err)
	}
	var doc sourceDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return sourceDocument{}, fmt.Errorf("config: decode feeds from %s: %w", path, err)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %s", ext)
	}
}

func isSupportedSourceFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func cloneFeedMap(in map[string]FeedSource) map[string]FeedSource {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}
