package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// casScript swaps the stored document only when its generatedAt matches the
// expected value. Undecodable documents count as absent.
const casScript = `
local current = redis.call('GET', KEYS[1])
local prev = tonumber(ARGV[1])
local present = false
if current then
  local ok, decoded = pcall(cjson.decode, current)
  if ok and type(decoded) == 'table' and type(decoded.generatedAt) == 'number' and decoded.generatedAt >= 0
    and type(decoded.payload) == 'string' then
    present = true
    if decoded.generatedAt ~= prev then
      return 0
    end
  end
end
if (not present) and prev ~= -1 then
  return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
	// TTL is applied as native key expiration on every write.
	TTL time.Duration
}

type redisBackend struct {
	client valkey.Client
	ttl    time.Duration
	cas    *valkey.Lua
}

func NewRedis(cfg RedisConfig) (Backend, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	return &redisBackend{client: client, ttl: cfg.TTL, cas: valkey.NewLuaScript(casScript)}, nil
}

func (c *redisBackend) Name() string { return "redis" }

func (c *redisBackend) Read(ctx context.Context, key string) (Entry, bool, error) {
	resp := c.client.Do(ctx, c.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis get bytes: %w", err)
	}
	entry, err := decodeEntry(payload)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (c *redisBackend) Write(ctx context.Context, key string, entry Entry) error {
	payload, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	var cmd valkey.Completed
	if c.ttl > 0 {
		cmd = c.client.B().Set().Key(key).Value(string(payload)).Px(c.ttl).Build()
	} else {
		cmd = c.client.B().Set().Key(key).Value(string(payload)).Build()
	}
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (c *redisBackend) CompareAndSwap(ctx context.Context, key string, prev int64, next Entry) (bool, error) {
	payload, err := encodeEntry(next)
	if err != nil {
		return false, err
	}
	args := []string{
		strconv.FormatInt(prev, 10),
		string(payload),
		strconv.FormatInt(c.ttl.Milliseconds(), 10),
	}
	swapped, err := c.cas.Exec(ctx, c.client, []string{key}, args).AsInt64()
	if err != nil {
		return false, fmt.Errorf("cache: redis compare-and-swap: %w", err)
	}
	return swapped == 1, nil
}

func (c *redisBackend) Close(context.Context) error {
	c.client.Close()
	return nil
}

func encodeEntry(entry Entry) ([]byte, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("cache: marshal entry: %w", err)
	}
	return payload, nil
}

func decodeEntry(payload []byte) (Entry, error) {
	var raw struct {
		GeneratedAt *int64  `json:"generatedAt"`
		Payload     *string `json:"payload"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if raw.GeneratedAt == nil || raw.Payload == nil {
		return Entry{}, fmt.Errorf("%w: missing field", ErrMalformedEntry)
	}
	entry := Entry{GeneratedAt: *raw.GeneratedAt, Payload: *raw.Payload}
	if err := entry.Validate(); err != nil {
		return Entry{}, err
	}
	return entry, nil
}
