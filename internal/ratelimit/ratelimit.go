// Package ratelimit provides a fixed-window attempt counter used to throttle
// credential-guessing against the login endpoint.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a key exhausted its window allowance.
var ErrRateLimited = errors.New("rate limited")

// Counter throttles attempts per key. Implementations must be safe for
// concurrent use; the check and the increment happen as one operation so two
// racing callers can never both slip under the limit.
type Counter interface {
	// CheckAndIncrement consumes one attempt for key. It returns
	// ErrRateLimited when the attempt would exceed limit within the current
	// window.
	CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) error
}

type windowState struct {
	start time.Time
	count int
}

// Memory is an in-process Counter. Windows are anchored at the first attempt
// for a key and expire lazily on the next touch.
type Memory struct {
	mu      sync.Mutex
	windows map[string]*windowState
	now     func() time.Time
}

// MemoryOption customizes a Memory counter.
type MemoryOption func(*Memory)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory returns an empty in-process counter.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{windows: make(map[string]*windowState), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckAndIncrement implements Counter.
func (m *Memory) CheckAndIncrement(_ context.Context, key string, limit int, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st, ok := m.windows[key]
	if !ok || now.Sub(st.start) >= window {
		m.windows[key] = &windowState{start: now, count: 1}
		return nil
	}
	if st.count >= limit {
		return ErrRateLimited
	}
	st.count++
	return nil
}
