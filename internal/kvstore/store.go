// Package kvstore provides the TTL key/value store used for limiter counters,
// block markers and cached values.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned when a transaction could not commit because the
// watched keys kept changing underneath it.
var ErrConflict = errors.New("kvstore: transaction conflict")

// Entry is the state of a single key read inside a transaction.
type Entry struct {
	Value string
	Found bool
}

// Writer queues writes that commit atomically with the transaction.
type Writer interface {
	Set(key, value string, ttl time.Duration)
	Delete(key string)
}

// TxFunc inspects the current values of the watched keys and queues writes.
// Returning an error aborts the transaction without writing.
type TxFunc func(entries map[string]Entry, w Writer) error

// Store is a TTL key/value store. No method retries on backend failure; the
// caller decides between failing open and failing closed.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Transaction reads keys and applies the writes queued by fn as one
	// atomic unit. Concurrent transactions on the same keys never interleave
	// their read-modify-write.
	Transaction(ctx context.Context, keys []string, fn TxFunc) error
	Close() error
}

type op struct {
	key    string
	value  string
	ttl    time.Duration
	delete bool
}

type opBuffer struct {
	ops []op
}

func (b *opBuffer) Set(key, value string, ttl time.Duration) {
	b.ops = append(b.ops, op{key: key, value: value, ttl: ttl})
}

func (b *opBuffer) Delete(key string) {
	b.ops = append(b.ops, op{key: key, delete: true})
}
