package swr

import "time"

// State is the lifecycle position of a cache entry.
type State int

const (
	StateEmpty State = iota
	StateFetching
	StateFresh
	StateStale
	StateError
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateFetching:
		return "fetching"
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable view of an entry delivered to callers and subscribers.
type Snapshot[T any] struct {
	Key     string
	Data    T
	HasData bool
	Err     error
	State   State
	// FetchedAt is the completion time of the last successful fetch.
	FetchedAt    time.Time
	RetryCount   int
	IsValidating bool
}

// EntryInfo is the diagnostic view of one entry.
type EntryInfo struct {
	Key         string        `json:"key"`
	State       string        `json:"state"`
	HasData     bool          `json:"hasData"`
	FetchedAt   time.Time     `json:"fetchedAt,omitempty"`
	Age         time.Duration `json:"age"`
	RetryCount  int           `json:"retryCount"`
	Subscribers int           `json:"subscribers"`
	InFlight    int           `json:"inFlight"`
	Error       string        `json:"error,omitempty"`
}

// Source tells a Load caller where the returned value came from.
type Source string

const (
	SourceFresh   Source = "fresh"
	SourceStale   Source = "stale"
	SourceFetched Source = "fetched"
)

// Result is the value returned by Load.
type Result[T any] struct {
	Value  T
	Source Source
}
