package kvstore

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	value     string
	expiresAt time.Time
}

// Memory is an in-process Store. A single mutex serialises every operation,
// which makes Transaction trivially atomic. Used in tests and when no Redis
// address is configured.
type Memory struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]memoryItem
	err   error
}

// NewMemory constructs a Memory store. A nil clock defaults to time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, items: make(map[string]memoryItem)}
}

// FailWith makes every subsequent call return err until cleared with nil.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *Memory) lookup(key string) (string, bool) {
	item, ok := m.items[key]
	if !ok {
		return "", false
	}
	if !item.expiresAt.IsZero() && !m.now().Before(item.expiresAt) {
		delete(m.items, key)
		return "", false
	}
	return item.value, true
}

func (m *Memory) write(key, value string, ttl time.Duration) {
	item := memoryItem{value: value}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = item
}

// Get returns the value stored at key.
func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", false, m.err
	}
	value, ok := m.lookup(key)
	return value, ok, nil
}

// Set stores value at key. A non-positive ttl keeps the key forever.
func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.write(key, value, ttl)
	return nil
}

// Delete removes key.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.items, key)
	return nil
}

// Transaction runs fn and applies its writes while holding the store lock.
func (m *Memory) Transaction(ctx context.Context, keys []string, fn TxFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	entries := make(map[string]Entry, len(keys))
	for _, key := range keys {
		value, ok := m.lookup(key)
		entries[key] = Entry{Value: value, Found: ok}
	}

	buf := &opBuffer{}
	if err := fn(entries, buf); err != nil {
		return err
	}
	for _, o := range buf.ops {
		if o.delete {
			delete(m.items, o.key)
			continue
		}
		m.write(o.key, o.value, o.ttl)
	}
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}

var _ Store = (*Memory)(nil)
