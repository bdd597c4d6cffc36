// Package lifecycle tracks the upstream and process state that decides
// whether the gateway should take traffic.
package lifecycle

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sandarbhasthana/pms-gateway/internal/observability"
)

const defaultProbeTimeout = 5 * time.Second

// ProbeFunc checks upstream reachability. nil means reachable.
type ProbeFunc func(ctx context.Context) error

// MonitorConfig configures a connectivity Monitor.
type MonitorConfig struct {
	Probe ProbeFunc
	// Interval between routine probes while online. 0 probes only on NotifyFailure.
	Interval time.Duration
	// RecoveryInitial and RecoveryMax bound the Fibonacci delays between probes while offline.
	RecoveryInitial time.Duration
	RecoveryMax     time.Duration
	ProbeTimeout    time.Duration
	// OnOffline and OnReconnect run on the monitor goroutine at each transition.
	OnOffline   func(err error)
	OnReconnect func()
	Logger      *zap.Logger
}

// Monitor tracks whether the upstream is reachable and whether the process
// is draining. It starts online and not draining.
type Monitor struct {
	cfg      MonitorConfig
	delays   []time.Duration
	online   atomic.Bool
	draining atomic.Bool
	trigger  chan struct{}
}

// NewMonitor returns a Monitor. Call Run to start probing.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	delays := fibDelays(cfg.RecoveryInitial, cfg.RecoveryMax)
	if len(delays) == 0 {
		delays = []time.Duration{time.Second}
	}
	m := &Monitor{cfg: cfg, delays: delays, trigger: make(chan struct{}, 1)}
	m.online.Store(true)
	observability.UpstreamOnline.Set(1)
	return m
}

// Online reports the last observed upstream reachability.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// BeginShutdown marks the process as draining. Health reports
// shutting-down from then on and reconnects no longer trigger OnReconnect.
func (m *Monitor) BeginShutdown() {
	if !m.draining.Swap(true) {
		m.cfg.Logger.Info("draining")
	}
}

// ShuttingDown reports whether BeginShutdown has been called.
func (m *Monitor) ShuttingDown() bool {
	return m.draining.Load()
}

// NotifyFailure asks for an immediate probe. Non-blocking; coalesces with a pending request.
func (m *Monitor) NotifyFailure() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run probes until ctx is done. While offline it backs off through the
// Fibonacci delays, holding at the last one, until a probe succeeds.
func (m *Monitor) Run(ctx context.Context) {
	var tick <-chan time.Time
	if m.cfg.Interval > 0 {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-m.trigger:
		}
		if m.check(ctx) {
			continue
		}
		m.recover(ctx)
	}
}

func (m *Monitor) recover(ctx context.Context) {
	for i := 0; ; i++ {
		d := m.delays[min(i, len(m.delays)-1)]
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if m.check(ctx) {
			return
		}
		m.cfg.Logger.Debug("upstream still unreachable", zap.Int("attempt", i+1), zap.Duration("delay", d))
	}
}

// check runs one probe and applies the transition. Returns true when reachable.
func (m *Monitor) check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.cfg.Probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return true
	}
	if err != nil {
		if m.online.Swap(false) {
			observability.UpstreamOnline.Set(0)
			m.cfg.Logger.Warn("upstream offline", zap.Error(err))
			if m.cfg.OnOffline != nil {
				m.cfg.OnOffline(err)
			}
		}
		return false
	}
	if !m.online.Swap(true) {
		observability.UpstreamOnline.Set(1)
		m.cfg.Logger.Info("upstream reconnected")
		if m.cfg.OnReconnect != nil && !m.draining.Load() {
			m.cfg.OnReconnect()
		}
	}
	return true
}

// fibDelays returns initial scaled by 1, 2, 3, 5, 8, ... while <= max.
func fibDelays(initial, max time.Duration) []time.Duration {
	if initial <= 0 || max < initial {
		return nil
	}
	var out []time.Duration
	for a, b := int64(1), int64(2); ; a, b = b, a+b {
		d := time.Duration(a) * initial
		if d > max {
			break
		}
		out = append(out, d)
	}
	return out
}
