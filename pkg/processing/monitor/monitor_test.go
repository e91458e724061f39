//nolint:thelper,whitespace,lll,funlen,gocritic,dupl // ok for tests
package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartware/kartlive/pkg/model"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestMonitor(clock *fakeClock) *Monitor {
	return New(1,
		WithClock(clock.Now),
		WithInactiveTimeout(2*time.Minute))
}

func drainEvents(m *Monitor) []model.SessionLiveness {
	var ret []model.SessionLiveness
	for {
		select {
		case ev := <-m.Events():
			ret = append(ret, ev)
		default:
			return ret
		}
	}
}

func TestMonitor_ActivatesOnFirstData(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := newTestMonitor(clock)
	assert.Equal(t, model.LivenessInactive, m.State().State)

	m.Touch()
	assert.Equal(t, model.LivenessActive, m.State().State)

	events := drainEvents(m)
	require.Len(t, events, 1)
	assert.Equal(t, model.LivenessActive, events[0].State)
	assert.Equal(t, 1, events[0].TrackID)
}

func TestMonitor_NoTransitionWithinTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := newTestMonitor(clock)
	m.Touch()
	drainEvents(m)

	// data flows steadily: checks never flip the state
	for i := 0; i < 10; i++ {
		clock.Advance(time.Minute)
		m.Touch()
		m.Check()
	}
	assert.Equal(t, model.LivenessActive, m.State().State)
	assert.Empty(t, drainEvents(m))
}

func TestMonitor_SingleInactiveTransition(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := newTestMonitor(clock)
	m.Touch()
	drainEvents(m)

	clock.Advance(2*time.Minute + time.Second)
	// repeated checks on a silent feed emit exactly one transition
	m.Check()
	m.Check()
	m.Check()
	assert.Equal(t, model.LivenessInactive, m.State().State)
	events := drainEvents(m)
	require.Len(t, events, 1)
	assert.Equal(t, model.LivenessInactive, events[0].State)
}

func TestMonitor_ReactivatesImmediately(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := newTestMonitor(clock)
	m.Touch()
	clock.Advance(3 * time.Minute)
	m.Check()
	drainEvents(m)

	// data resumes: active right away, no waiting for the next check
	m.Touch()
	assert.Equal(t, model.LivenessActive, m.State().State)
	events := drainEvents(m)
	require.Len(t, events, 1)
	assert.Equal(t, model.LivenessActive, events[0].State)
}

func TestMonitor_Deactivate(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := newTestMonitor(clock)
	m.Touch()
	drainEvents(m)

	m.Deactivate()
	assert.Equal(t, model.LivenessInactive, m.State().State)
	// already inactive: no second event
	m.Deactivate()
	assert.Len(t, drainEvents(m), 1)
}

func TestMonitor_StalledConsumerKeepsLatest(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := newTestMonitor(clock)

	// nobody reads: more transitions than the buffer holds
	for i := 0; i < 12; i++ {
		m.Touch()
		m.Deactivate()
	}
	m.Touch()
	events := drainEvents(m)
	require.NotEmpty(t, events)
	assert.Equal(t, model.LivenessActive, events[len(events)-1].State)
}
