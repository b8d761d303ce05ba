package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const sourcesDebounce = 25 * time.Millisecond

// SourcesWatcher keeps the feed bundle in step with the sources file or
// folder. Stop must be called to release filesystem resources.
type SourcesWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the event loop to exit.
func (w *SourcesWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// sourceSet holds the last good parse of every feed document, so a change
// re-reads only the files it touched and a broken edit keeps the feeds that
// file defined before.
type sourceSet struct {
	inline map[string]FeedSource
	// pinned is the configured sources file; it is never dropped on removal.
	pinned string
	docs   map[string]sourceDocument
	last   SourceBundle
}

func (s *sourceSet) apply(paths []string) (SourceBundle, bool, error) {
	var errs []error
	for _, path := range paths {
		info, err := os.Stat(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if path == s.pinned {
				errs = append(errs, fmt.Errorf("config: sources file %s removed; keeping last definitions", path))
				continue
			}
			s.forget(path)
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("config: stat sources %s: %w", path, err))
			continue
		case info.IsDir():
			continue
		case path != s.pinned && !isSupportedSourceFile(path):
			continue
		}
		doc, err := loadSourceDocument(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w; keeping last definitions", err))
			continue
		}
		s.docs[path] = doc
	}

	next := assembleBundle(s.inline, s.docs)
	changed := !reflect.DeepEqual(next, s.last)
	s.last = next
	return next, changed, errors.Join(errs...)
}

// forget drops path and, when path was a directory, every document below it.
func (s *sourceSet) forget(path string) {
	prefix := path + string(filepath.Separator)
	for key := range s.docs {
		if key == path || strings.HasPrefix(key, prefix) {
			delete(s.docs, key)
		}
	}
}

// WatchSources reports the current bundle through onChange, then again after
// every filesystem change that alters it. Parse failures go to onError and
// leave the affected file's previous feeds in place. cfg should come from
// Loader.Load so InlineFeeds are already captured.
func (l *Loader) WatchSources(ctx context.Context, cfg Config, onChange func(SourceBundle), onError func(error)) (*SourcesWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch sources requires a change callback")
	}
	sourcesCfg := cfg.Sources
	if sourcesCfg.SourcesFile == "" && sourcesCfg.SourcesFolder == "" {
		return nil, fmt.Errorf("config: no sources file or folder configured for watching")
	}
	report := func(err error) {
		if err != nil && onError != nil {
			onError(err)
		}
	}

	docs, err := loadSourceDocuments(ctx, sourcesCfg)
	if err != nil {
		return nil, err
	}
	set := &sourceSet{inline: cloneFeedMap(cfg.InlineFeeds), docs: docs}
	if sourcesCfg.SourcesFile != "" {
		set.pinned = filepath.Clean(sourcesCfg.SourcesFile)
	}
	set.last = assembleBundle(set.inline, set.docs)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch sources: %w", err)
	}
	// The parent directory is watched so editors that replace the file on
	// save keep being observed.
	root := filepath.Clean(sourcesCfg.SourcesFolder)
	if set.pinned != "" {
		root = filepath.Dir(set.pinned)
	}
	if err := fsw.Add(root); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", root, err)
	}
	if set.pinned == "" {
		for _, dir := range subdirectories(root, report) {
			if err := fsw.Add(dir); err != nil {
				report(fmt.Errorf("config: watch %s: %w", dir, err))
			}
		}
	}

	onChange(set.last)

	watchCtx, cancel := context.WithCancel(ctx)
	w := &SourcesWatcher{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		defer func() {
			if err := fsw.Close(); err != nil {
				report(fmt.Errorf("config: watch sources close: %w", err))
			}
		}()

		pending := map[string]struct{}{}
		timer := time.NewTimer(sourcesDebounce)
		timer.Stop()
		defer timer.Stop()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-timer.C:
				paths := slices.Sorted(maps.Keys(pending))
				clear(pending)
				bundle, changed, err := set.apply(paths)
				report(err)
				if changed {
					onChange(bundle)
				}
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
					!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
					continue
				}
				name := filepath.Clean(event.Name)
				if set.pinned != "" {
					if name != set.pinned {
						continue
					}
					pending[name] = struct{}{}
				} else if !queueFolderEvent(fsw, event, name, pending, report) {
					continue
				}
				timer.Reset(sourcesDebounce)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				report(fmt.Errorf("config: watch error: %w", err))
			}
		}
	}()
	return w, nil
}

// queueFolderEvent records the documents an event in a sources folder may
// have touched. A new directory is watched and its documents queued, since
// files written before the watch landed produce no events of their own.
func queueFolderEvent(fsw *fsnotify.Watcher, event fsnotify.Event, name string, pending map[string]struct{}, report func(error)) bool {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			for _, dir := range append([]string{name}, subdirectories(name, report)...) {
				if err := fsw.Add(dir); err != nil {
					report(fmt.Errorf("config: watch %s: %w", dir, err))
				}
			}
			for _, path := range documentsBelow(name, report) {
				pending[path] = struct{}{}
			}
			return true
		}
	}
	if isSupportedSourceFile(name) {
		pending[name] = struct{}{}
		return true
	}
	// A removed directory has no extension to match on.
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		pending[name] = struct{}{}
		return true
	}
	return false
}

func subdirectories(root string, report func(error)) []string {
	var dirs []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			report(fmt.Errorf("config: walk %s: %w", path, err))
			return nil
		}
		if d.IsDir() && path != root {
			dirs = append(dirs, filepath.Clean(path))
		}
		return nil
	})
	return dirs
}

func documentsBelow(root string, report func(error)) []string {
	var files []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			report(fmt.Errorf("config: walk %s: %w", path, err))
			return nil
		}
		if !d.IsDir() && isSupportedSourceFile(path) {
			files = append(files, filepath.Clean(path))
		}
		return nil
	})
	return files
}
