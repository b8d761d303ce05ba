package main

import (
	"context"

	"github.com/l0p7/newsdigest/internal/config"
)

// configLoader is the slice of *config.Loader that run depends on; tests swap
// it through newConfigLoader.
type configLoader interface {
	Load(context.Context) (config.Config, error)
	WatchSources(context.Context, config.Config, func(config.SourceBundle), func(error)) (sourcesWatcher, error)
}

type sourcesWatcher interface {
	Stop()
}

type runnableServer interface {
	Run(context.Context) error
}

type loaderAdapter struct {
	*config.Loader
}

func (l loaderAdapter) WatchSources(ctx context.Context, cfg config.Config, onChange func(config.SourceBundle), onError func(error)) (sourcesWatcher, error) {
	watcher, err := l.Loader.WatchSources(ctx, cfg, onChange, onError)
	if err != nil {
		return nil, err
	}
	return watcher, nil
}
