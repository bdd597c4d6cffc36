package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sandarbhasthana/pms-gateway/internal/models"
)

// gatedUpstream blocks every fetch until release is closed.
type gatedUpstream struct {
	started chan struct{}
	release chan struct{}
}

func (g *gatedUpstream) Fetch(ctx context.Context, key string) (models.Resource, error) {
	g.started <- struct{}{}
	<-g.release
	return models.Resource{Body: json.RawMessage(`{}`), ContentType: "application/json"}, nil
}

func TestHandler_WaitForInFlight(t *testing.T) {
	up := &gatedUpstream{started: make(chan struct{}, 1), release: make(chan struct{})}
	h, router := newTestRouter(t, up, nil)
	idle, _ := newTestRouter(t, &mockUpstream{}, nil)

	if n := h.InFlightCount(); n != 0 {
		t.Fatalf("InFlightCount() = %d before any request, want 0", n)
	}

	served := make(chan int, 1)
	go func() {
		served <- serve(router, http.MethodGet, "/v1/rooms", nil).Code
	}()
	<-up.started

	if n := h.InFlightCount(); n != 1 {
		t.Errorf("InFlightCount() = %d during request, want 1", n)
	}
	if n := idle.InFlightCount(); n != 0 {
		t.Errorf("other handler InFlightCount() = %d, want 0", n)
	}

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.WaitForInFlight(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForInFlight() with request open = %v, want deadline exceeded", err)
	}

	waited := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		waited <- h.WaitForInFlight(ctx)
	}()
	close(up.release)

	if code := <-served; code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if err := <-waited; err != nil {
		t.Errorf("WaitForInFlight() after request = %v, want nil", err)
	}
	if n := h.InFlightCount(); n != 0 {
		t.Errorf("InFlightCount() = %d after request, want 0", n)
	}
}

func TestInFlightTracker_ReusableAfterIdle(t *testing.T) {
	tracker := NewInFlightTracker()
	if err := tracker.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() on idle tracker = %v", err)
	}

	tracker.begin()
	tracker.begin()
	tracker.end()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tracker.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() with one request open = %v, want canceled", err)
	}

	tracker.end()
	if err := tracker.Wait(context.Background()); err != nil {
		t.Errorf("Wait() after last request = %v", err)
	}
	tracker.begin()
	if n := tracker.Count(); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
	tracker.end()
}
