package cache

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

const testKey = "newsdigest:summary:latest-summary"

func startMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skip("miniredis unavailable in sandbox")
		}
		require.NoError(t, err)
	}
	t.Cleanup(server.Close)
	return server
}

// backendFactories builds every implementation so the shared contract tests run
// against each of them.
func backendFactories(t *testing.T) map[string]func(t *testing.T) Backend {
	t.Helper()
	return map[string]func(t *testing.T) Backend{
		"memory": func(t *testing.T) Backend {
			return NewMemory(0)
		},
		"file": func(t *testing.T) Backend {
			backend, err := NewFile(filepath.Join(t.TempDir(), "cache", "summary.db"))
			require.NoError(t, err)
			return backend
		},
		"redis": func(t *testing.T) Backend {
			server := startMiniredis(t)
			backend, err := NewRedis(RedisConfig{Address: server.Addr()})
			require.NoError(t, err)
			return backend
		},
	}
}

func TestBackendContract(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			backend := factory(t)
			t.Cleanup(func() { require.NoError(t, backend.Close(ctx)) })
			require.Equal(t, name, backend.Name())

			t.Run("absent key is a miss", func(t *testing.T) {
				_, ok, err := backend.Read(ctx, "missing")
				require.NoError(t, err)
				require.False(t, ok)
			})

			t.Run("write then read round trips", func(t *testing.T) {
				entry := Entry{GeneratedAt: 1_700_000_000_123, Payload: "## Market\n- item ]]> tail"}
				require.NoError(t, backend.Write(ctx, testKey, entry))
				got, ok, err := backend.Read(ctx, testKey)
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, entry, got)
			})

			t.Run("write overwrites wholesale", func(t *testing.T) {
				require.NoError(t, backend.Write(ctx, testKey, Entry{GeneratedAt: 10, Payload: "old"}))
				require.NoError(t, backend.Write(ctx, testKey, Entry{GeneratedAt: 20, Payload: "new"}))
				got, ok, err := backend.Read(ctx, testKey)
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, Entry{GeneratedAt: 20, Payload: "new"}, got)
			})

			t.Run("write rejects negative timestamp", func(t *testing.T) {
				err := backend.Write(ctx, testKey, Entry{GeneratedAt: -5, Payload: "x"})
				require.ErrorIs(t, err, ErrMalformedEntry)
			})

			t.Run("compare and swap on absent key", func(t *testing.T) {
				key := testKey + ":cas-absent"
				swapped, err := backend.CompareAndSwap(ctx, key, 99, Entry{GeneratedAt: 1, Payload: "a"})
				require.NoError(t, err)
				require.False(t, swapped, "expected swap to fail when nothing is stored")

				swapped, err = backend.CompareAndSwap(ctx, key, NoEntry, Entry{GeneratedAt: 1, Payload: "a"})
				require.NoError(t, err)
				require.True(t, swapped)

				swapped, err = backend.CompareAndSwap(ctx, key, NoEntry, Entry{GeneratedAt: 2, Payload: "b"})
				require.NoError(t, err)
				require.False(t, swapped, "expected swap to fail once an entry exists")

				got, ok, err := backend.Read(ctx, key)
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, Entry{GeneratedAt: 1, Payload: "a"}, got)
			})

			t.Run("compare and swap on existing key", func(t *testing.T) {
				key := testKey + ":cas-existing"
				require.NoError(t, backend.Write(ctx, key, Entry{GeneratedAt: 100, Payload: "first"}))

				swapped, err := backend.CompareAndSwap(ctx, key, 99, Entry{GeneratedAt: 200, Payload: "stale"})
				require.NoError(t, err)
				require.False(t, swapped)

				swapped, err = backend.CompareAndSwap(ctx, key, 100, Entry{GeneratedAt: 200, Payload: "second"})
				require.NoError(t, err)
				require.True(t, swapped)

				got, ok, err := backend.Read(ctx, key)
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, Entry{GeneratedAt: 200, Payload: "second"}, got)
			})
		})
	}
}

func TestMemoryBackendExpiry(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory(time.Minute).(*memoryBackend)
	current := time.Unix(1_700_000_000, 0)
	backend.now = func() time.Time { return current }

	require.NoError(t, backend.Write(ctx, testKey, Entry{GeneratedAt: 1, Payload: "x"}))
	_, ok, err := backend.Read(ctx, testKey)
	require.NoError(t, err)
	require.True(t, ok)

	current = current.Add(time.Minute)
	_, ok, err = backend.Read(ctx, testKey)
	require.NoError(t, err)
	require.False(t, ok, "expected entry to expire once the ttl elapsed")
}

func TestFileBackendPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "summary.db")

	first, err := NewFile(path)
	require.NoError(t, err)
	require.NoError(t, first.Write(ctx, testKey, Entry{GeneratedAt: 42, Payload: "kept"}))
	require.NoError(t, first.Close(ctx))

	second, err := NewFile(path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, second.Close(ctx)) })
	got, ok, err := second.Read(ctx, testKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Entry{GeneratedAt: 42, Payload: "kept"}, got)
}

func TestFileBackendMalformedRow(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFile(filepath.Join(t.TempDir(), "summary.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, backend.Close(ctx)) })

	db := backend.(*fileBackend).db
	_, err = db.ExecContext(ctx,
		`INSERT INTO summaries (cache_key, generated_at, payload) VALUES (?, ?, ?)`,
		testKey, "not-a-number", "payload")
	require.NoError(t, err)

	_, ok, err := backend.Read(ctx, testKey)
	require.ErrorIs(t, err, ErrMalformedEntry)
	require.False(t, ok)

	swapped, err := backend.CompareAndSwap(ctx, testKey, NoEntry, Entry{GeneratedAt: 7, Payload: "repaired"})
	require.NoError(t, err)
	require.True(t, swapped, "malformed rows count as absent for compare-and-swap")

	got, ok, err := backend.Read(ctx, testKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Entry{GeneratedAt: 7, Payload: "repaired"}, got)
}

func TestFileBackendReadFailureIsNotMalformed(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFile(filepath.Join(t.TempDir(), "summary.db"))
	require.NoError(t, err)
	require.NoError(t, backend.Write(ctx, testKey, Entry{GeneratedAt: 7, Payload: "kept"}))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, ok, err := backend.Read(canceled, testKey)
	require.Error(t, err)
	require.False(t, ok)
	require.False(t, errors.Is(err, ErrMalformedEntry), "cancellation is not a malformed entry: %v", err)

	require.NoError(t, backend.Close(ctx))
	_, ok, err = backend.Read(ctx, testKey)
	require.Error(t, err)
	require.False(t, ok)
	require.False(t, errors.Is(err, ErrMalformedEntry), "closed store is not a malformed entry: %v", err)
}

func TestFileBackendRequiresPath(t *testing.T) {
	_, err := NewFile("")
	require.Error(t, err)
}

func TestRedisBackendSetsNativeExpiry(t *testing.T) {
	ctx := context.Background()
	server := startMiniredis(t)
	backend, err := NewRedis(RedisConfig{Address: server.Addr(), TTL: 91 * time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, backend.Close(ctx)) })

	require.NoError(t, backend.Write(ctx, testKey, Entry{GeneratedAt: 5, Payload: "x"}))
	require.Equal(t, 91*time.Minute, server.TTL(testKey))

	swapped, err := backend.CompareAndSwap(ctx, testKey, 5, Entry{GeneratedAt: 6, Payload: "y"})
	require.NoError(t, err)
	require.True(t, swapped)
	require.Equal(t, 91*time.Minute, server.TTL(testKey))

	server.FastForward(91 * time.Minute)
	_, ok, err := backend.Read(ctx, testKey)
	require.NoError(t, err)
	require.False(t, ok, "expected redis to expire the entry")
}

func TestRedisBackendMalformedDocument(t *testing.T) {
	ctx := context.Background()
	server := startMiniredis(t)
	backend, err := NewRedis(RedisConfig{Address: server.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, backend.Close(ctx)) })

	documents := map[string]string{
		"not json":           "{{{",
		"string timestamp":   `{"generatedAt":"soon","payload":"x"}`,
		"missing payload":    `{"generatedAt":12}`,
		"negative timestamp": `{"generatedAt":-1,"payload":"x"}`,
	}
	for name, doc := range documents {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, server.Set(testKey, doc))
			_, ok, err := backend.Read(ctx, testKey)
			require.True(t, errors.Is(err, ErrMalformedEntry), "expected malformed error, got %v", err)
			require.False(t, ok)
		})
	}

	swapped, err := backend.CompareAndSwap(ctx, testKey, NoEntry, Entry{GeneratedAt: 3, Payload: "fixed"})
	require.NoError(t, err)
	require.True(t, swapped, "malformed documents count as absent for compare-and-swap")
}

func TestRedisBackendUnavailable(t *testing.T) {
	server := startMiniredis(t)
	addr := server.Addr()
	server.Close()

	_, err := NewRedis(RedisConfig{Address: addr})
	require.Error(t, err)

	_, err = NewRedis(RedisConfig{})
	require.Error(t, err)
}
