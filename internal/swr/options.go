package swr

import "time"

// Options controls revalidation policy for one key.
type Options struct {
	// RevalidateOnFocus schedules a passive fetch when Focus is called.
	RevalidateOnFocus bool
	// RevalidateOnReconnect schedules a passive fetch when Reconnect is called.
	RevalidateOnReconnect bool
	// RevalidateIfStale lets staleness alone trigger a fetch on Subscribe and Get.
	RevalidateIfStale bool
	// DedupingInterval suppresses passive fetches that would start within this
	// window of the previous completion.
	DedupingInterval time.Duration
	// RefreshInterval schedules repeating fetches while the key has
	// subscribers. Zero disables periodic refresh.
	RefreshInterval time.Duration
	ShouldRetryOnError bool
	// ErrorRetryCount is the number of consecutive failed attempts in one
	// failure cycle after which automatic retry stops. The attempt that
	// opened the cycle counts, so 3 means one attempt plus two retries.
	ErrorRetryCount int
	// ErrorRetryInterval spaces the first retry; each later retry in the
	// cycle waits twice as long as the one before, up to two minutes.
	ErrorRetryInterval time.Duration
	// KeepPreviousData keeps the last value visible in snapshots while a new
	// fetch for the key is outstanding.
	KeepPreviousData bool
	// RevalidateAfterForce triggers a follow-up passive fetch after Refresh
	// instead of treating the forced result as authoritative.
	RevalidateAfterForce bool
}

// DefaultOptions returns the policy used when no overrides are supplied.
func DefaultOptions() Options {
	return Options{
		RevalidateOnFocus:     true,
		RevalidateOnReconnect: true,
		RevalidateIfStale:     true,
		DedupingInterval:      2 * time.Second,
		ShouldRetryOnError:    true,
		ErrorRetryCount:       3,
		ErrorRetryInterval:    5 * time.Second,
	}
}

// Option overrides a field of Options for one key.
type Option func(*Options)

func WithRefreshInterval(d time.Duration) Option {
	return func(o *Options) { o.RefreshInterval = d }
}

func WithDedupingInterval(d time.Duration) Option {
	return func(o *Options) { o.DedupingInterval = d }
}

func WithKeepPreviousData(keep bool) Option {
	return func(o *Options) { o.KeepPreviousData = keep }
}

// WithRetry enables error retry with the given attempt count and spacing.
func WithRetry(count int, interval time.Duration) Option {
	return func(o *Options) {
		o.ShouldRetryOnError = true
		o.ErrorRetryCount = count
		o.ErrorRetryInterval = interval
	}
}

// WithoutRetry disables error retry.
func WithoutRetry() Option {
	return func(o *Options) { o.ShouldRetryOnError = false }
}

func resolveOptions(base Options, overrides []Option) Options {
	for _, opt := range overrides {
		opt(&base)
	}
	return base
}
