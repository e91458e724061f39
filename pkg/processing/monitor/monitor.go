package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/kartware/kartlive/log"
	"github.com/kartware/kartlive/pkg/model"
)

const (
	DefaultInactiveTimeout = 2 * time.Minute
	DefaultCheckInterval   = 30 * time.Second
)

// Monitor watches update recency for one track and flips the session
// liveness state. It is deliberately independent of the connection state:
// an open connection without data is still inactive. Events are emitted on
// transitions only, never on steady state.
type Monitor struct {
	mu             sync.Mutex
	trackID        int
	state          model.LivenessState
	lastData       time.Time
	lastTransition time.Time
	timeout        time.Duration
	interval       time.Duration
	events         chan model.SessionLiveness
	l              *log.Logger
	now            func() time.Time
}

type Option func(*Monitor)

func WithInactiveTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		m.timeout = d
	}
}

func WithCheckInterval(d time.Duration) Option {
	return func(m *Monitor) {
		m.interval = d
	}
}

func WithLogger(l *log.Logger) Option {
	return func(m *Monitor) {
		m.l = l
	}
}

// WithClock replaces the time source (used in tests)
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

func New(trackID int, opts ...Option) *Monitor {
	ret := &Monitor{
		trackID:  trackID,
		state:    model.LivenessInactive,
		timeout:  DefaultInactiveTimeout,
		interval: DefaultCheckInterval,
		events:   make(chan model.SessionLiveness, 8),
		l:        log.Default().Named("monitor"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Events delivers liveness transitions. The channel is buffered; a stalled
// consumer loses oldest transitions rather than blocking the track.
func (m *Monitor) Events() <-chan model.SessionLiveness {
	return m.events
}

// Touch records a successful state store update. Receiving data while
// inactive transitions to Active immediately, without waiting for the next
// check cycle.
func (m *Monitor) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastData = m.now()
	if m.state == model.LivenessInactive {
		m.transition(model.LivenessActive)
	}
}

// Deactivate forces the session inactive, e.g. when the operator stops a
// simulated session. No-op when already inactive.
func (m *Monitor) Deactivate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == model.LivenessActive {
		m.transition(model.LivenessInactive)
	}
}

func (m *Monitor) State() model.SessionLiveness {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Check runs one liveness evaluation. Exposed for tests; Run drives it.
func (m *Monitor) Check() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == model.LivenessActive &&
		m.now().Sub(m.lastData) > m.timeout {
		m.transition(model.LivenessInactive)
	}
}

// Run drives the periodic liveness check until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// callers hold m.mu
func (m *Monitor) transition(to model.LivenessState) {
	m.state = to
	m.lastTransition = m.now()
	ev := m.snapshotLocked()
	m.l.Info("session liveness changed",
		log.Int("trackId", m.trackID),
		log.String("state", string(to)))
	select {
	case m.events <- ev:
	default:
		// drop oldest so the latest transition always fits
		select {
		case <-m.events:
		default:
		}
		m.events <- ev
	}
}

func (m *Monitor) snapshotLocked() model.SessionLiveness {
	return model.SessionLiveness{
		TrackID:        m.trackID,
		State:          m.state,
		LastData:       m.lastData,
		LastTransition: m.lastTransition,
	}
}
