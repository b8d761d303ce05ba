package cache

import (
	"context"
	"errors"
	"fmt"
)

// NoEntry is passed as the expected generation timestamp to CompareAndSwap when
// the caller observed no stored entry.
const NoEntry int64 = -1

// ErrMalformedEntry reports a stored record that could not be decoded into a
// valid Entry. Callers treat it the same as a miss.
var ErrMalformedEntry = errors.New("cache: malformed entry")

// Entry is the persisted summary artifact. GeneratedAt is expressed in unix
// milliseconds and is always stored alongside Payload in a single record.
type Entry struct {
	GeneratedAt int64  `json:"generatedAt"`
	Payload     string `json:"payload"`
}

// Validate enforces the pairing invariant between the timestamp and payload.
func (e Entry) Validate() error {
	if e.GeneratedAt < 0 {
		return fmt.Errorf("%w: negative generatedAt %d", ErrMalformedEntry, e.GeneratedAt)
	}
	return nil
}

// Backend persists summary entries. Read returns (Entry{}, false, nil) when the
// key is absent; absence is never an error. Write replaces both fields in one
// atomic operation. CompareAndSwap stores next only when the currently stored
// GeneratedAt equals prev (or when nothing is stored and prev is NoEntry).
type Backend interface {
	Name() string
	Read(ctx context.Context, key string) (Entry, bool, error)
	Write(ctx context.Context, key string, entry Entry) error
	CompareAndSwap(ctx context.Context, key string, prev int64, next Entry) (bool, error)
	Close(ctx context.Context) error
}
