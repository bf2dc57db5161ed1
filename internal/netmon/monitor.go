// Package netmon tracks connectivity to the remote API and notifies
// subscribers on reachability transitions. It probes on a fixed interval
// but emits only when the state actually changes, so flapping probes do not
// translate into redundant sync triggers.
package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// State describes the two layers of reachability the sync engine cares
// about: link-level connectivity and end-to-end internet reachability.
type State struct {
	Connected         bool
	InternetReachable bool
}

// IsOnline reports whether sync traffic can be attempted at all.
func (s State) IsOnline() bool {
	return s.Connected && s.InternetReachable
}

// Probe measures the current reachability state.
type Probe func(ctx context.Context) State

// Monitor polls a [Probe] and fans state transitions out to subscribers.
type Monitor struct {
	probe    Probe
	interval time.Duration
	log      *slog.Logger

	mu    sync.Mutex
	state State
	subs  map[int]func(State)
	next  int
}

// New creates a Monitor. The monitor starts offline until the first probe
// or [Monitor.SetState] call says otherwise.
func New(probe Probe, interval time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		probe:    probe,
		interval: interval,
		log:      logger,
		subs:     make(map[int]func(State)),
	}
}

// HTTPProbe returns a Probe that issues a HEAD request against url. Any
// HTTP response, including an error status, proves reachability; only
// transport failures count as offline.
func HTTPProbe(url string, timeout time.Duration) Probe {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) State {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return State{}
		}
		resp, err := client.Do(req)
		if err != nil {
			return State{Connected: true, InternetReachable: false}
		}
		_ = resp.Body.Close()
		return State{Connected: true, InternetReachable: true}
	}
}

// Current returns the last observed state.
func (m *Monitor) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOnline is shorthand for Current().IsOnline().
func (m *Monitor) IsOnline() bool {
	return m.Current().IsOnline()
}

// Subscribe registers fn to be called on every state transition and returns
// an unsubscribe function. Callbacks run on the monitor's goroutine and
// must not block.
func (m *Monitor) Subscribe(fn func(State)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.next
	m.next++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// SetState records a new reachability state, notifying subscribers only if
// it differs from the previous one. Exposed for tests and for platforms
// that push reachability events instead of being polled.
func (m *Monitor) SetState(s State) {
	m.mu.Lock()
	if s == m.state {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = s
	fns := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	m.log.Info("connectivity changed",
		"was_online", prev.IsOnline(),
		"online", s.IsOnline(),
	)
	for _, fn := range fns {
		fn(s)
	}
}

// Run drives the probe loop until ctx is cancelled. The first probe fires
// immediately so startup does not wait a full interval to learn the state.
func (m *Monitor) Run(ctx context.Context) error {
	m.SetState(m.probe(ctx))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.SetState(m.probe(ctx))
		}
	}
}
