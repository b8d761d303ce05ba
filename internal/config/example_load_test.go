package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadExampleConfigs(t *testing.T) {
	// Get the project root (config package is at internal/config)
	wd, err := os.Getwd()
	require.NoError(t, err)
	projectRoot := filepath.Join(wd, "..", "..")

	examples := []struct {
		name     string
		path     string
		env      map[string]string
		validate func(t *testing.T, cfg Config)
	}{
		{
			name: "memory-openai",
			path: "examples/configs/memory-openai.yaml",
			validate: func(t *testing.T, cfg Config) {
				require.Equal(t, "memory", cfg.Server.Cache.Backend)
				require.Equal(t, "America/New_York", cfg.Server.Views.Timezone)
				require.Equal(t, []string{"adexchanger", "digiday"}, SourceBundle{Feeds: cfg.Feeds}.Names())
				require.Equal(t, []string{"publishing", "media"}, cfg.Feeds["digiday"].Tags)
				require.Equal(t, 8, cfg.Sources.MaxItemsPerSource)
			},
		},
		{
			name: "redis-gemini",
			path: "examples/configs/redis-gemini.toml",
			validate: func(t *testing.T, cfg Config) {
				require.Equal(t, "redis", cfg.Server.Cache.Backend)
				require.Equal(t, "redis.internal:6379", cfg.Server.Cache.Redis.Address)
				require.Equal(t, 2, cfg.Server.Cache.Redis.DB)
				require.Equal(t, "newsdigest-prod:latest-summary", cfg.Server.Cache.StorageKey())
				require.Equal(t, 1800, cfg.Server.Refresh.IntervalSeconds)
				require.Equal(t, "gemini", cfg.Summarizer.Provider)
				require.Equal(t, "strategic-prompt.tmpl", cfg.Summarizer.PromptFile)
			},
		},
		{
			name: "file-cache",
			path: "examples/configs/file-cache.json",
			env: map[string]string{
				"NEWSDIGEST_SOURCES__SOURCESFOLDER": filepath.Join(projectRoot, "examples", "sources"),
			},
			validate: func(t *testing.T, cfg Config) {
				require.Equal(t, "file", cfg.Server.Cache.Backend)
				require.Contains(t, cfg.Server.Views.FreshHeader, "NextEligibleAt")
				require.Equal(t, []string{"adexchanger", "adweek", "digiday"}, SourceBundle{Feeds: cfg.Feeds}.Names())
				require.Equal(t, 5, cfg.Feeds["adweek"].MaxItems)
				require.Len(t, cfg.FeedFiles, 2)
			},
		},
	}

	for _, tc := range examples {
		t.Run(tc.name, func(t *testing.T) {
			for key, value := range tc.env {
				t.Setenv(key, value)
			}
			configPath := filepath.Join(projectRoot, tc.path)

			loader := NewLoader("NEWSDIGEST", configPath)
			cfg, err := loader.Load(context.Background())
			require.NoError(t, err, "Failed to load %s", tc.path)

			tc.validate(t, cfg)
		})
	}
}
