// Package swr implements a stale-while-revalidate cache client on top of
// the request coalescer: key-based caching, periodic refresh, error retry,
// a deduping window, focus and reconnect triggers, optimistic mutation and
// subscriber notification.
package swr

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sandarbhasthana/pms-gateway/internal/coalesce"
	"github.com/sandarbhasthana/pms-gateway/internal/observability"
)

var (
	// ErrClosed is returned by operations on a closed Client.
	ErrClosed = errors.New("swr: client closed")
	// ErrNoFetcher is returned when a key has never been given a fetch function.
	ErrNoFetcher = errors.New("swr: no fetcher for key")
)

// Fetcher retrieves the current value for a key from the data source.
type Fetcher[T any] func(ctx context.Context) (T, error)

const (
	triggerSubscribe = "subscribe"
	triggerGet       = "get"
	triggerForce     = "force"
	triggerFollowUp  = "followup"
	triggerInterval  = "interval"
	triggerRetry     = "retry"
	triggerFocus     = "focus"
	triggerReconnect = "reconnect"
)

const maxRetryDelay = 2 * time.Minute

type entry[T any] struct {
	key     string
	data    T
	hasData bool
	// fetchedAt is the completion time of the last success; completedAt of
	// the last applied completion of either kind.
	fetchedAt   time.Time
	completedAt time.Time
	err         error
	retryCount  int
	// cycleFailures counts failures since the last non-retry dispatch and
	// bounds automatic retry.
	cycleFailures int
	appliedSeq    uint64
	stale         bool
	inFlight      int
	subs          map[*Subscription[T]]struct{}
	opts          Options
	fetch         Fetcher[T]
	refreshTimer  *time.Timer
	retryTimer    *time.Timer
	// refreshGen and retryGen identify the armed timer; a callback whose
	// generation no longer matches belongs to a replaced timer.
	refreshGen uint64
	retryGen   uint64
}

func (e *entry[T]) stopRefresh() {
	stopTimer(&e.refreshTimer)
	e.refreshGen++
}

func (e *entry[T]) stopRetry() {
	stopTimer(&e.retryTimer)
	e.retryGen++
}

type fetchResult[T any] struct {
	value T
	err   error
}

// Client is a revalidating cache keyed by string. The zero value is not usable; call New.
type Client[T any] struct {
	mu          sync.Mutex
	entries     map[string]*entry[T]
	defaults    Options
	co          *coalesce.Coalescer[T]
	provider    Provider[T]
	providerTTL time.Duration
	evict       bool
	onExhausted func(key string, err error)
	logger      *zap.Logger
	now         func() time.Time
	closed      bool
}

// ClientOption configures a Client.
type ClientOption[T any] func(*Client[T])

// WithCoalescer routes fetches through co. Without it the client creates its own.
func WithCoalescer[T any](co *coalesce.Coalescer[T]) ClientOption[T] {
	return func(c *Client[T]) { c.co = co }
}

func WithLogger[T any](logger *zap.Logger) ClientOption[T] {
	return func(c *Client[T]) { c.logger = logger }
}

// WithClock overrides the time source for freshness and deduping decisions.
// Timers still run on wall-clock time.
func WithClock[T any](now func() time.Time) ClientOption[T] {
	return func(c *Client[T]) { c.now = now }
}

// WithProvider seeds empty entries from p and writes successful fetches back to it.
func WithProvider[T any](p Provider[T]) ClientOption[T] {
	return func(c *Client[T]) { c.provider = p }
}

func WithProviderTTL[T any](ttl time.Duration) ClientOption[T] {
	return func(c *Client[T]) { c.providerTTL = ttl }
}

// WithEvictUnsubscribed drops an entry when its last subscriber leaves.
func WithEvictUnsubscribed[T any]() ClientOption[T] {
	return func(c *Client[T]) { c.evict = true }
}

// WithOnRetryExhausted registers a hook run when automatic retry for a key gives up.
func WithOnRetryExhausted[T any](fn func(key string, err error)) ClientOption[T] {
	return func(c *Client[T]) { c.onExhausted = fn }
}

// New creates a Client whose entries use defaults unless overridden per key.
func New[T any](defaults Options, opts ...ClientOption[T]) *Client[T] {
	c := &Client[T]{
		entries:  make(map[string]*entry[T]),
		defaults: defaults,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.co == nil {
		c.co = coalesce.New[T](coalesce.DefaultTimeout, coalesce.WithLogger(c.logger), coalesce.WithName("swr"))
	}
	return c
}

// Subscribe registers interest in key and returns the current snapshot. A
// fetch is started when the entry has no data, when the refresh interval has
// elapsed, or when the entry is stale and RevalidateIfStale is set. Only the
// first case ignores the deduping window.
func (c *Client[T]) Subscribe(key string, fetch Fetcher[T], opts ...Option) (*Subscription[T], Snapshot[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entryLocked(key, fetch, opts)
	sub := &Subscription[T]{client: c, entry: e, updates: make(chan Snapshot[T], 1)}
	if c.closed {
		close(sub.updates)
		sub.once.Do(func() {})
		return sub, c.snapshotLocked(e, c.now())
	}
	e.subs[sub] = struct{}{}
	observability.CacheSubscribers.Inc()

	now := c.now()
	switch {
	case e.inFlight > 0:
	case !e.hasData && e.err == nil:
		c.startFetchLocked(context.Background(), e, triggerSubscribe)
	case c.withinDedupeLocked(e, now):
	case e.opts.RefreshInterval > 0 && now.Sub(e.fetchedAt) >= e.opts.RefreshInterval,
		e.opts.RevalidateIfStale && (e.err != nil || c.isStaleLocked(e, now)):
		c.startFetchLocked(context.Background(), e, triggerSubscribe)
	}
	if e.refreshTimer == nil {
		c.scheduleRefreshLocked(e)
	}
	return sub, c.snapshotLocked(e, now)
}

// Refresh fetches key unconditionally through the coalescer, applies the
// result and restarts the refresh interval.
func (c *Client[T]) Refresh(ctx context.Context, key string, fetch Fetcher[T]) (T, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		var zero T
		return zero, ErrClosed
	}
	e := c.entryLocked(key, fetch, nil)
	ch := c.startFetchLocked(ctx, e, triggerForce)
	c.mu.Unlock()
	return awaitFetch(ctx, ch)
}

// Mutate replaces the cached value without fetching and marks it stale.
// The next applied fetch completion overwrites it.
func (c *Client[T]) Mutate(key string, data T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	e := c.entryLocked(key, nil, nil)
	e.data = data
	e.hasData = true
	e.stale = true
	c.notifyLocked(e)
}

// Get returns the cached value for key, fetching it when nothing is cached.
func (c *Client[T]) Get(ctx context.Context, key string, fetch Fetcher[T]) (T, error) {
	res, err := c.Load(ctx, key, fetch)
	return res.Value, err
}

// Load is Get that also reports whether the value was fresh, stale, or
// fetched on this call. Stale values are returned immediately and
// revalidated in the background.
func (c *Client[T]) Load(ctx context.Context, key string, fetch Fetcher[T]) (Result[T], error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Result[T]{}, ErrClosed
	}
	e := c.entryLocked(key, fetch, nil)
	if res, ok := c.cachedLocked(ctx, e); ok {
		c.mu.Unlock()
		return res, nil
	}
	c.mu.Unlock()

	if c.provider != nil {
		if v, ok := c.providerGet(ctx, key); ok {
			c.mu.Lock()
			if !e.hasData {
				c.seedLocked(e, v)
			}
			res, ok := c.cachedLocked(ctx, e)
			c.mu.Unlock()
			if ok {
				return res, nil
			}
		}
	}

	c.mu.Lock()
	if !e.hasData && e.err != nil && e.inFlight == 0 && c.withinDedupeLocked(e, c.now()) {
		err := e.err
		c.mu.Unlock()
		observability.CacheHitsTotal.WithLabelValues("error").Inc()
		return Result[T]{}, err
	}
	ch := c.startFetchLocked(ctx, e, triggerGet)
	c.mu.Unlock()

	observability.CacheHitsTotal.WithLabelValues("miss").Inc()
	v, err := awaitFetch(ctx, ch)
	if err != nil {
		return Result[T]{}, err
	}
	return Result[T]{Value: v, Source: SourceFetched}, nil
}

// cachedLocked serves e's data when present, starting a background
// revalidation if it is stale.
func (c *Client[T]) cachedLocked(ctx context.Context, e *entry[T]) (Result[T], bool) {
	if !e.hasData {
		return Result[T]{}, false
	}
	now := c.now()
	stale := e.err != nil || c.isStaleLocked(e, now)
	if stale && e.opts.RevalidateIfStale && e.inFlight == 0 && !c.withinDedupeLocked(e, now) {
		c.startFetchLocked(ctx, e, triggerGet)
	}
	if stale {
		observability.CacheHitsTotal.WithLabelValues(string(SourceStale)).Inc()
		return Result[T]{Value: e.data, Source: SourceStale}, true
	}
	observability.CacheHitsTotal.WithLabelValues(string(SourceFresh)).Inc()
	return Result[T]{Value: e.data, Source: SourceFresh}, true
}

// Focus revalidates every subscribed key with RevalidateOnFocus. It returns
// the number of fetches started.
func (c *Client[T]) Focus() int {
	return c.revalidateAll(triggerFocus, func(o Options) bool { return o.RevalidateOnFocus })
}

// Reconnect revalidates every subscribed key with RevalidateOnReconnect.
func (c *Client[T]) Reconnect() int {
	return c.revalidateAll(triggerReconnect, func(o Options) bool { return o.RevalidateOnReconnect })
}

func (c *Client[T]) revalidateAll(trigger string, enabled func(Options) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	now := c.now()
	started := 0
	for _, e := range c.entries {
		if !enabled(e.opts) || len(e.subs) == 0 {
			continue
		}
		e.stale = true
		if e.inFlight > 0 || c.withinDedupeLocked(e, now) {
			c.notifyLocked(e)
			continue
		}
		if c.startFetchLocked(context.Background(), e, trigger) != nil {
			started++
		}
	}
	c.logger.Debug("revalidation triggered", zap.String("trigger", trigger), zap.Int("fetches", started))
	return started
}

// Snapshot returns the current view of key.
func (c *Client[T]) Snapshot(key string) (Snapshot[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Snapshot[T]{Key: key, State: StateEmpty}, false
	}
	return c.snapshotLocked(e, c.now()), true
}

// Entries describes every entry, sorted by key.
func (c *Client[T]) Entries() []EntryInfo {
	c.mu.Lock()
	now := c.now()
	out := make([]EntryInfo, 0, len(c.entries))
	for _, e := range c.entries {
		info := EntryInfo{
			Key:         e.key,
			State:       c.stateLocked(e, now).String(),
			HasData:     e.hasData,
			FetchedAt:   e.fetchedAt,
			RetryCount:  e.retryCount,
			Subscribers: len(e.subs),
			InFlight:    e.inFlight,
		}
		if !e.fetchedAt.IsZero() {
			info.Age = now.Sub(e.fetchedAt)
		}
		if e.err != nil {
			info.Error = e.err.Error()
		}
		out = append(out, info)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Close stops all timers and ends every subscription. In-flight fetches
// finish but are no longer delivered.
func (c *Client[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for key, e := range c.entries {
		e.stopRefresh()
		e.stopRetry()
		for sub := range e.subs {
			sub.once.Do(func() {})
			close(sub.updates)
			observability.CacheSubscribers.Dec()
		}
		e.subs = nil
		delete(c.entries, key)
		observability.CacheEntries.Dec()
	}
}

func (c *Client[T]) unsubscribe(sub *Subscription[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := sub.entry
	if _, ok := e.subs[sub]; !ok {
		return
	}
	delete(e.subs, sub)
	close(sub.updates)
	observability.CacheSubscribers.Dec()
	if len(e.subs) > 0 {
		return
	}
	e.stopRefresh()
	e.stopRetry()
	if c.evict && c.entries[e.key] == e {
		c.dropLocked(e)
		return
	}
	c.scheduleDropLocked(e)
}

func (c *Client[T]) dropLocked(e *entry[T]) {
	e.stopRefresh()
	e.stopRetry()
	if c.entries[e.key] != e {
		return
	}
	delete(c.entries, e.key)
	observability.CacheEntries.Dec()
}

// scheduleDropLocked removes a failed entry that holds nothing worth keeping
// once its error has aged out of the deduping window. Retry never runs
// without subscribers, so the retry timer carries the drop.
func (c *Client[T]) scheduleDropLocked(e *entry[T]) {
	if e.err == nil || e.hasData || len(e.subs) > 0 || e.inFlight > 0 || c.closed || c.entries[e.key] != e {
		return
	}
	if e.opts.DedupingInterval <= 0 {
		c.dropLocked(e)
		return
	}
	e.stopRetry()
	gen := e.retryGen
	e.retryTimer = time.AfterFunc(e.opts.DedupingInterval, func() { c.dropIdle(e, gen) })
}

func (c *Client[T]) dropIdle(e *entry[T], gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != e.retryGen || c.closed || e.hasData || len(e.subs) > 0 || e.inFlight > 0 {
		return
	}
	e.retryTimer = nil
	c.logger.Debug("dropping failed entry", zap.String("key", e.key), zap.Error(e.err))
	c.dropLocked(e)
}

func (c *Client[T]) entryLocked(key string, fetch Fetcher[T], overrides []Option) *entry[T] {
	e, ok := c.entries[key]
	if !ok {
		e = &entry[T]{
			key:  key,
			subs: make(map[*Subscription[T]]struct{}),
			opts: resolveOptions(c.defaults, overrides),
		}
		if !c.closed {
			c.entries[key] = e
			observability.CacheEntries.Inc()
		}
	} else if len(overrides) > 0 {
		e.opts = resolveOptions(c.defaults, overrides)
	}
	if fetch != nil {
		e.fetch = fetch
	}
	return e
}

// startFetchLocked dispatches a fetch for e in the background and returns
// the channel its result is sent on, or nil when e has no fetcher.
func (c *Client[T]) startFetchLocked(ctx context.Context, e *entry[T], trigger string) <-chan fetchResult[T] {
	if e.fetch == nil {
		return nil
	}
	if trigger != triggerRetry {
		e.cycleFailures = 0
		e.stopRetry()
	}
	e.inFlight++
	c.notifyLocked(e)
	c.logger.Debug("revalidating", zap.String("key", e.key), zap.String("trigger", trigger))

	ch := make(chan fetchResult[T], 1)
	go c.runFetch(context.WithoutCancel(ctx), e, e.fetch, trigger, ch)
	return ch
}

func (c *Client[T]) runFetch(ctx context.Context, e *entry[T], fetch Fetcher[T], trigger string, ch chan<- fetchResult[T]) {
	if c.provider != nil && trigger != triggerGet {
		c.mu.Lock()
		empty := !e.hasData
		c.mu.Unlock()
		if empty {
			if v, ok := c.providerGet(ctx, e.key); ok {
				c.mu.Lock()
				if !e.hasData {
					c.seedLocked(e, v)
				}
				c.mu.Unlock()
			}
		}
	}

	out, err := c.co.Do(ctx, e.key, coalesce.Op[T](fetch))
	if err != nil {
		out.Err = err
	}
	if c.apply(e, out, trigger) && out.Err == nil && c.provider != nil {
		if err := c.provider.Set(ctx, e.key, out.Value, c.providerTTL); err != nil {
			c.logger.Warn("provider write failed", zap.String("key", e.key), zap.Error(err))
		}
	}
	ch <- fetchResult[T]{value: out.Value, err: out.Err}
}

// apply records a completion on e unless a completion with a newer or equal
// start sequence has already been applied. It reports whether it applied.
func (c *Client[T]) apply(e *entry[T], out coalesce.Outcome[T], trigger string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.inFlight--
	if out.Seq <= e.appliedSeq {
		if out.Seq < e.appliedSeq {
			observability.CacheStaleDiscardsTotal.Inc()
			observability.CacheFetchesTotal.WithLabelValues(trigger, "discarded").Inc()
			c.logger.Debug("discarding out-of-order completion",
				zap.String("key", e.key),
				zap.Uint64("seq", out.Seq),
				zap.Uint64("appliedSeq", e.appliedSeq))
		}
		c.notifyLocked(e)
		c.scheduleDropLocked(e)
		return false
	}

	e.appliedSeq = out.Seq
	now := c.now()
	e.completedAt = now
	if out.Err == nil {
		e.data = out.Value
		e.hasData = true
		e.fetchedAt = now
		e.err = nil
		e.retryCount = 0
		e.cycleFailures = 0
		e.stale = false
		e.stopRetry()
		observability.CacheFetchesTotal.WithLabelValues(trigger, "success").Inc()
	} else {
		e.err = out.Err
		e.retryCount++
		e.cycleFailures++
		observability.CacheFetchesTotal.WithLabelValues(trigger, "error").Inc()
		c.logger.Debug("fetch failed",
			zap.String("key", e.key),
			zap.String("trigger", trigger),
			zap.Int("retryCount", e.retryCount),
			zap.Error(out.Err))
		c.scheduleRetryLocked(e)
	}
	if c.entries[e.key] == e && !c.closed {
		c.scheduleRefreshLocked(e)
	}
	c.notifyLocked(e)
	c.scheduleDropLocked(e)

	if trigger == triggerForce && out.Err == nil && e.opts.RevalidateAfterForce {
		if len(e.subs) > 0 && !c.closed {
			c.startFetchLocked(context.Background(), e, triggerFollowUp)
		} else {
			e.stale = true
		}
	}
	return true
}

func (c *Client[T]) scheduleRetryLocked(e *entry[T]) {
	if !e.opts.ShouldRetryOnError || c.closed {
		return
	}
	if e.cycleFailures >= e.opts.ErrorRetryCount {
		observability.CacheRetryExhaustedTotal.Inc()
		c.logger.Warn("retry exhausted",
			zap.String("key", e.key),
			zap.Int("retryCount", e.retryCount),
			zap.Error(e.err))
		if c.onExhausted != nil {
			go c.onExhausted(e.key, e.err)
		}
		return
	}
	if len(e.subs) == 0 {
		return
	}
	e.stopRetry()
	gen := e.retryGen
	e.retryTimer = time.AfterFunc(retryDelay(e.opts.ErrorRetryInterval, e.cycleFailures), func() { c.retry(e, gen) })
}

// retryDelay doubles base for each failure in the cycle after the first,
// capped at maxRetryDelay.
func retryDelay(base time.Duration, failures int) time.Duration {
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

func (c *Client[T]) retry(e *entry[T], gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != e.retryGen {
		return
	}
	e.retryTimer = nil
	if c.closed || c.entries[e.key] != e || len(e.subs) == 0 || e.inFlight > 0 {
		return
	}
	c.startFetchLocked(context.Background(), e, triggerRetry)
}

func (c *Client[T]) scheduleRefreshLocked(e *entry[T]) {
	e.stopRefresh()
	if e.opts.RefreshInterval <= 0 || len(e.subs) == 0 || c.closed {
		return
	}
	gen := e.refreshGen
	e.refreshTimer = time.AfterFunc(e.opts.RefreshInterval, func() { c.refreshTick(e, gen) })
}

func (c *Client[T]) refreshTick(e *entry[T], gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != e.refreshGen {
		return
	}
	e.refreshTimer = nil
	if c.closed || c.entries[e.key] != e || len(e.subs) == 0 {
		return
	}
	e.stale = true
	if e.inFlight > 0 {
		c.scheduleRefreshLocked(e)
		c.notifyLocked(e)
		return
	}
	if c.startFetchLocked(context.Background(), e, triggerInterval) == nil {
		c.scheduleRefreshLocked(e)
	}
}

func (c *Client[T]) seedLocked(e *entry[T], v T) {
	e.data = v
	e.hasData = true
	e.stale = true
	c.notifyLocked(e)
}

func (c *Client[T]) providerGet(ctx context.Context, key string) (T, bool) {
	v, ok, err := c.provider.Get(ctx, key)
	if err != nil {
		c.logger.Warn("provider read failed", zap.String("key", key), zap.Error(err))
		return v, false
	}
	return v, ok
}

func (c *Client[T]) withinDedupeLocked(e *entry[T], now time.Time) bool {
	d := e.opts.DedupingInterval
	return d > 0 && !e.completedAt.IsZero() && now.Sub(e.completedAt) < d
}

func (c *Client[T]) isStaleLocked(e *entry[T], now time.Time) bool {
	if e.stale {
		return true
	}
	age := now.Sub(e.fetchedAt)
	if d := e.opts.DedupingInterval; d > 0 && age >= d {
		return true
	}
	if r := e.opts.RefreshInterval; r > 0 && age >= r {
		return true
	}
	return false
}

func (c *Client[T]) stateLocked(e *entry[T], now time.Time) State {
	switch {
	case e.inFlight > 0:
		return StateFetching
	case e.err != nil:
		return StateError
	case !e.hasData:
		return StateEmpty
	case c.isStaleLocked(e, now):
		return StateStale
	default:
		return StateFresh
	}
}

func (c *Client[T]) snapshotLocked(e *entry[T], now time.Time) Snapshot[T] {
	snap := Snapshot[T]{
		Key:          e.key,
		Err:          e.err,
		State:        c.stateLocked(e, now),
		FetchedAt:    e.fetchedAt,
		RetryCount:   e.retryCount,
		IsValidating: e.inFlight > 0,
	}
	if e.hasData && (e.inFlight == 0 || e.opts.KeepPreviousData) {
		snap.Data = e.data
		snap.HasData = true
	}
	return snap
}

func (c *Client[T]) notifyLocked(e *entry[T]) {
	if len(e.subs) == 0 {
		return
	}
	snap := c.snapshotLocked(e, c.now())
	for sub := range e.subs {
		sub.deliver(snap)
	}
}

func awaitFetch[T any](ctx context.Context, ch <-chan fetchResult[T]) (T, error) {
	var zero T
	if ch == nil {
		return zero, ErrNoFetcher
	}
	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
