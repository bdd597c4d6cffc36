// Package coalesce collapses concurrent requests for the same key into a
// single execution whose outcome every caller shares.
package coalesce

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sandarbhasthana/pms-gateway/internal/observability"
)

// DefaultTimeout is how long a pending operation may go without completing
// before the sweep stops handing it to new callers.
const DefaultTimeout = 30 * time.Second

// Op is the work executed once per key. Its context is detached from the
// cancellation of whichever caller happened to start it.
type Op[T any] func(ctx context.Context) (T, error)

// Outcome is the shared result of one coalesced operation.
type Outcome[T any] struct {
	Value     T
	Err       error
	StartedAt time.Time
	// Seq orders operations by registration; a larger Seq started later.
	Seq uint64
	// Shared is true when the caller attached to an operation started by someone else.
	Shared bool
}

// PendingInfo describes one in-flight key for diagnostics.
type PendingInfo struct {
	Key       string        `json:"key"`
	StartedAt time.Time     `json:"startedAt"`
	Age       time.Duration `json:"age"`
	Waiters   int           `json:"waiters"`
}

// pendingOperation is a write-once result cell shared by every caller of one key.
type pendingOperation[T any] struct {
	key       string
	startedAt time.Time
	seq       uint64
	waiters   int // guarded by Coalescer.mu
	done      chan struct{}
	value     T
	err       error
}

// Coalescer ensures at most one operation per key is in flight.
type Coalescer[T any] struct {
	mu       sync.Mutex
	group    singleflight.Group
	inFlight map[string]*pendingOperation[T]
	seq      uint64
	timeout  time.Duration
	now      func() time.Time
	logger   *zap.Logger
	name     string
}

type options struct {
	now    func() time.Time
	logger *zap.Logger
	name   string
}

// Option configures a Coalescer.
type Option func(*options)

// WithClock overrides the time source used for startedAt and the sweep.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger used for eviction and panic events.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithName sets the coalescer label used in metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// New creates a Coalescer. A timeout <= 0 uses DefaultTimeout.
func New[T any](timeout time.Duration, opts ...Option) *Coalescer[T] {
	o := options{now: time.Now, logger: zap.NewNop(), name: "default"}
	for _, opt := range opts {
		opt(&o)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coalescer[T]{
		inFlight: make(map[string]*pendingOperation[T]),
		timeout:  timeout,
		now:      o.now,
		logger:   o.logger,
		name:     o.name,
	}
}

// Do runs op for key unless an operation for key is already pending, in
// which case it waits for that operation's outcome instead and op is never
// invoked. The returned error is non-nil only when ctx ends before the
// outcome is ready; failures of the operation itself, including a recovered
// panic, are in Outcome.Err.
func (c *Coalescer[T]) Do(ctx context.Context, key string, op Op[T]) (Outcome[T], error) {
	c.mu.Lock()
	now := c.now()
	if p, ok := c.inFlight[key]; ok && !c.expired(p, now) {
		p.waiters++
		c.mu.Unlock()
		observability.CoalescerCallsTotal.WithLabelValues(c.name, "shared").Inc()
		return c.wait(ctx, p, true)
	} else if ok {
		c.evictLocked(p, now)
	}

	c.seq++
	p := &pendingOperation[T]{
		key:       key,
		startedAt: now,
		seq:       c.seq,
		waiters:   1,
		done:      make(chan struct{}),
	}
	c.inFlight[key] = p
	opCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (v interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				observability.CoalescerCallsTotal.WithLabelValues(c.name, "panicked").Inc()
				c.logger.Error("coalesced operation panicked",
					zap.String("key", key),
					zap.Any("panic", r),
					zap.Stack("stack"))
				err = fmt.Errorf("coalesce: operation for %q panicked: %v", key, r)
			}
		}()
		return op(opCtx)
	})
	c.mu.Unlock()
	observability.CoalescerCallsTotal.WithLabelValues(c.name, "started").Inc()

	go c.complete(p, ch)
	return c.wait(ctx, p, false)
}

// Run is Do for callers that only need the value or the failure.
func (c *Coalescer[T]) Run(ctx context.Context, key string, op Op[T]) (T, error) {
	out, err := c.Do(ctx, key, op)
	if err != nil {
		var zero T
		return zero, err
	}
	return out.Value, out.Err
}

// complete publishes the result and removes the registry entry, unless the
// entry was already swept and replaced by a newer operation.
func (c *Coalescer[T]) complete(p *pendingOperation[T], ch <-chan singleflight.Result) {
	res := <-ch

	c.mu.Lock()
	if c.inFlight[p.key] == p {
		delete(c.inFlight, p.key)
	}
	c.mu.Unlock()

	if v, ok := res.Val.(T); ok {
		p.value = v
	}
	p.err = res.Err
	close(p.done)
}

func (c *Coalescer[T]) wait(ctx context.Context, p *pendingOperation[T], shared bool) (Outcome[T], error) {
	start := time.Now()
	select {
	case <-p.done:
		observability.CoalescerWaitSeconds.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
		return Outcome[T]{Value: p.value, Err: p.err, StartedAt: p.startedAt, Seq: p.seq, Shared: shared}, nil
	case <-ctx.Done():
		return Outcome[T]{StartedAt: p.startedAt, Seq: p.seq, Shared: shared}, ctx.Err()
	}
}

// PendingCount sweeps expired entries and returns the number of in-flight keys.
func (c *Coalescer[T]) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(c.now())
	return len(c.inFlight)
}

// Pending sweeps expired entries and describes the remaining ones, sorted by key.
func (c *Coalescer[T]) Pending() []PendingInfo {
	c.mu.Lock()
	now := c.now()
	c.sweepLocked(now)
	out := make([]PendingInfo, 0, len(c.inFlight))
	for _, p := range c.inFlight {
		out = append(out, PendingInfo{Key: p.key, StartedAt: p.startedAt, Age: now.Sub(p.startedAt), Waiters: p.waiters})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Sweep removes entries older than the timeout and returns how many were removed.
// The evicted operations keep running; only new callers stop waiting on them.
func (c *Coalescer[T]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now())
}

// StartJanitor sweeps every interval until ctx is done.
func (c *Coalescer[T]) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Timeout returns the eviction threshold.
func (c *Coalescer[T]) Timeout() time.Duration {
	return c.timeout
}

func (c *Coalescer[T]) expired(p *pendingOperation[T], now time.Time) bool {
	return now.Sub(p.startedAt) >= c.timeout
}

func (c *Coalescer[T]) sweepLocked(now time.Time) int {
	n := 0
	for _, p := range c.inFlight {
		if c.expired(p, now) {
			c.evictLocked(p, now)
			n++
		}
	}
	return n
}

// evictLocked drops p from the registry and from the singleflight group so
// the next caller for the key starts new work. Must be called with mu held.
func (c *Coalescer[T]) evictLocked(p *pendingOperation[T], now time.Time) {
	delete(c.inFlight, p.key)
	c.group.Forget(p.key)
	observability.CoalescerEvictionsTotal.WithLabelValues(c.name).Inc()
	c.logger.Debug("pending operation evicted",
		zap.String("key", p.key),
		zap.Duration("age", now.Sub(p.startedAt)),
		zap.Int("waiters", p.waiters))
}
