// Package contextstore defines the shared key-value store contract used to
// pass intermediate artifacts between dependent tasks without routing large
// payloads through the scheduler. The engine depends on the contract only;
// an in-memory implementation is provided for tests and load runs.
package contextstore

import (
	"sync"
	"time"
)

// Store is the shared context store contract.
type Store interface {
	// Set stores a value under key. A zero ttl means no expiry.
	Set(key string, value any, ttl time.Duration)
	// Get returns the value for key, or ok=false when absent or expired.
	Get(key string) (value any, ok bool)
	// Increment atomically adds delta to the integer at key and returns the
	// new value. A missing key starts at zero.
	Increment(key string, delta int64) int64
	// Append appends values to the list at key.
	Append(key string, values ...any)
	// List returns a copy of the list at key.
	List(key string) []any
	// Publish sends a message to all subscribers of the named channel.
	Publish(channel string, msg any)
	// Subscribe returns a channel receiving messages published to the named
	// channel. Full subscribers miss messages rather than block publishers.
	Subscribe(channel string, bufSize int) <-chan any
}

// entry is a stored value with optional expiry.
type entry struct {
	value     any
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is an in-process Store implementation.
type Memory struct {
	mu       sync.Mutex
	values   map[string]entry
	counters map[string]int64
	lists    map[string][]any
	channels map[string][]chan any
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values:   make(map[string]entry),
		counters: make(map[string]int64),
		lists:    make(map[string][]any),
		channels: make(map[string][]chan any),
	}
}

// Set stores a value under key with optional TTL.
func (m *Memory) Set(key string, value any, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.values[key] = e
}

// Get returns the value for key. Expired entries are dropped lazily.
func (m *Memory) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.values[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(m.values, key)
		return nil, false
	}
	return e.value, true
}

// Increment atomically adds delta to the counter at key.
func (m *Memory) Increment(key string, delta int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[key] += delta
	return m.counters[key]
}

// Append appends values to the list at key.
func (m *Memory) Append(key string, values ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], values...)
}

// List returns a copy of the list at key.
func (m *Memory) List(key string) []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.lists[key]...)
}

// Publish sends msg to every subscriber of channel without blocking.
func (m *Memory) Publish(channel string, msg any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.channels[channel] {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribe registers a new subscriber on channel.
func (m *Memory) Subscribe(channel string, bufSize int) <-chan any {
	if bufSize <= 0 {
		bufSize = 64
	}

	ch := make(chan any, bufSize)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[channel] = append(m.channels[channel], ch)
	return ch
}
