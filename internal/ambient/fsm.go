// Package ambient decides when dere proactively reaches out: a per-user
// state machine fused from activity, emotion, and responsiveness signals,
// an engagement decider, and the monitor loop that drives both.
package ambient

import (
	"math/rand"
	"sync"
	"time"

	"github.com/dere-ai/dere/internal/config"
	"github.com/dere-ai/dere/internal/metrics"
)

// State is one mode of the ambient engagement machine.
type State string

const (
	StateIdle       State = "idle"
	StateMonitoring State = "monitoring"
	StateEngaged    State = "engaged"
	StateCooldown   State = "cooldown"
	StateEscalating State = "escalating"
	StateSuppressed State = "suppressed"
	StateExploring  State = "exploring"
)

// FSM tracks engagement state per user. Transitions are serialized by the
// internal mutex; the monitor is the only writer in practice.
type FSM struct {
	mu  sync.Mutex
	cfg config.AmbientConfig
	rng *rand.Rand

	state                State
	notificationAttempts int
	lastNotification     time.Time
}

// NewFSM starts in Monitoring.
func NewFSM(cfg config.AmbientConfig) *FSM {
	return &FSM{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		state: StateMonitoring,
	}
}

// State returns the current state.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// NextInterval draws the sleep before the next monitor tick from the
// current state's range. Engaged uses a fixed short interval so the
// acknowledgment is noticed promptly.
func (f *FSM) NextInterval() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	var r config.IntervalRange
	switch f.state {
	case StateIdle:
		r = f.cfg.FSMIdleInterval
	case StateMonitoring:
		r = f.cfg.FSMMonitoringInterval
	case StateEngaged:
		return time.Duration(f.cfg.FSMEngagedMinutes) * time.Minute
	case StateCooldown:
		r = f.cfg.FSMCooldownInterval
	case StateEscalating:
		r = f.cfg.FSMEscalatingInterval
	case StateSuppressed:
		r = f.cfg.FSMSuppressedInterval
	case StateExploring:
		r = f.cfg.FSMExploringInterval
	default:
		r = f.cfg.FSMMonitoringInterval
	}
	minutes := r.Min
	if r.Max > r.Min {
		minutes += f.rng.Intn(r.Max - r.Min + 1)
	}
	return time.Duration(minutes) * time.Minute
}

// Evaluate applies the score-driven transition rules and returns the new
// state, or nil when no transition is warranted.
func (f *FSM) Evaluate(score, taskSignal float64) *State {
	f.mu.Lock()
	defer f.mu.Unlock()

	var next State
	switch f.state {
	case StateMonitoring:
		if score < -0.5 {
			next = StateSuppressed
		}
	case StateCooldown:
		if taskSignal > 0.7 {
			next = StateEscalating
		} else if score > 0.3 {
			next = StateMonitoring
		}
	case StateSuppressed:
		if score > 0 {
			next = StateMonitoring
		}
	case StateEscalating:
		if f.notificationAttempts > 3 {
			next = StateSuppressed
		}
	}
	if next == "" {
		return nil
	}
	f.transition(next)
	return &next
}

// NotificationSent records an outbound notification: always transitions into
// Engaged and stamps the monotonic send time.
func (f *FSM) NotificationSent(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notificationAttempts++
	f.lastNotification = now
	f.transition(StateEngaged)
}

// Acknowledged is driven externally when the user answers; it releases
// Engaged into Cooldown and resets the escalation counter.
func (f *FSM) Acknowledged() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notificationAttempts = 0
	if f.state == StateEngaged {
		f.transition(StateCooldown)
	}
}

// EngagementLapsed releases Engaged into Cooldown when the engagement
// window passes without an acknowledgment. The attempt counter is kept so
// continued silence still escalates.
func (f *FSM) EngagementLapsed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateEngaged {
		f.transition(StateCooldown)
	}
}

// LastNotification returns the monotonic time of the last outbound
// notification, zero when none was sent.
func (f *FSM) LastNotification() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastNotification
}

// EnterExploring moves into Exploring; the monitor owns this edge.
func (f *FSM) EnterExploring() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transition(StateExploring)
}

// ExitExploring leaves Exploring for the given state, if still exploring.
func (f *FSM) ExitExploring(to State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateExploring {
		f.transition(to)
	}
}

func (f *FSM) transition(to State) {
	if f.state == to {
		return
	}
	metrics.FSMTransitions.WithLabelValues(string(f.state), string(to)).Inc()
	f.state = to
}
