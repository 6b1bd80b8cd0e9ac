package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := m.CheckAndIncrement(ctx, "login:alice", 5, time.Minute); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if err := m.CheckAndIncrement(ctx, "login:alice", 5, time.Minute); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
	// Other keys are unaffected.
	if err := m.CheckAndIncrement(ctx, "login:bob", 5, time.Minute); err != nil {
		t.Fatalf("independent key: %v", err)
	}

	// Window expiry frees the key again.
	now = now.Add(time.Minute)
	if err := m.CheckAndIncrement(ctx, "login:alice", 5, time.Minute); err != nil {
		t.Fatalf("after window: %v", err)
	}
}

func TestMemoryConcurrent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	const attempts = 50
	const limit = 10
	var allowed int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.CheckAndIncrement(ctx, "k", limit, time.Hour); err == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != limit {
		t.Fatalf("allowed %d attempts, want %d", allowed, limit)
	}
}
