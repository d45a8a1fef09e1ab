package check

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateIdle           State = "idle"
	StateAcquiring      State = "acquiring"
	StateSolvingCaptcha State = "solving_captcha"
	StateEvaluating     State = "evaluating"
	StateEscalating     State = "escalating"
	StateCleaning       State = "cleaning"
	StateDone           State = "done"
	StateAborted        State = "aborted"
	StateFailed         State = "failed"
)

// Terminal reports whether no further work happens in s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted || s == StateFailed
}

type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerStartup  Trigger = "startup"
)

// Availability says which period had free appointments.
type Availability string

const (
	AvailabilityNone    Availability = ""
	AvailabilityCurrent Availability = "current"
	AvailabilityNext    Availability = "next"
)

// session is owned by the orchestrator; nothing else mutates it.
type session struct {
	id      string
	trigger Trigger
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	state        State
	attempts     int
	availability Availability
	err          error
	finished     time.Time
}

func newSession(parent context.Context, trigger Trigger) *session {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	ctx, cancel := context.WithCancel(parent)
	return &session{
		id:      id.String(),
		trigger: trigger,
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   StateIdle,
	}
}

func (s *session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) incAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts
}

func (s *session) snapshot() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		ID:           s.id,
		Trigger:      s.trigger,
		State:        s.state,
		Attempts:     s.attempts,
		Availability: s.availability,
		StartedAt:    s.started,
		FinishedAt:   s.finished,
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	return info
}

// SessionInfo is a read-only copy of a session for status and events.
type SessionInfo struct {
	ID           string       `json:"id"`
	Trigger      Trigger      `json:"trigger"`
	State        State        `json:"state"`
	Attempts     int          `json:"attempts"`
	Availability Availability `json:"availability,omitempty"`
	Error        string       `json:"error,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   time.Time    `json:"finished_at,omitzero"`
}

// Status is the orchestrator view used by the status command and ops endpoint.
type Status struct {
	Active   *SessionInfo `json:"active,omitempty"`
	Last     *SessionInfo `json:"last,omitempty"`
	Sessions uint64       `json:"sessions"`
	Closing  bool         `json:"closing"`
}
