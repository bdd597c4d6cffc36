package http

import (
	"context"
	"sync"
)

// InFlightTracker counts requests that have entered MetricsMiddleware and
// not yet returned. Each Handler owns one.
type InFlightTracker struct {
	mu    sync.Mutex
	count int64
	// idle is closed while count is zero and replaced when a request arrives.
	idle chan struct{}
}

// NewInFlightTracker returns an idle tracker.
func NewInFlightTracker() *InFlightTracker {
	idle := make(chan struct{})
	close(idle)
	return &InFlightTracker{idle: idle}
}

func (t *InFlightTracker) begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count++
	if t.count == 1 {
		t.idle = make(chan struct{})
	}
}

func (t *InFlightTracker) end() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count--
	if t.count == 0 {
		close(t.idle)
	}
}

// Count returns the number of requests being served.
func (t *InFlightTracker) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Wait blocks until no request is being served or ctx is done.
func (t *InFlightTracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
