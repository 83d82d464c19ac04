package domain

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Session Modes
// =============================================================================

// Mode selects which subset of the catalog a session targets.
type Mode string

const (
	ModeFull   Mode = "full"   // every service in the catalog
	ModeSimple Mode = "simple" // the catalog's reduced core set
	ModeCustom Mode = "custom" // explicit subset plus transitive dependencies
)

// ValidMode reports whether the mode is one of the known modes.
func ValidMode(m Mode) bool {
	switch m {
	case ModeFull, ModeSimple, ModeCustom:
		return true
	}
	return false
}

// =============================================================================
// Outcome States
// =============================================================================

// OutcomeState is the per-service deployment state machine:
//
//	PENDING → {SKIPPED | DEPLOYING → {READY | READY_DEGRADED | FAILED}}
//
// READY, READY_DEGRADED, SKIPPED, and FAILED are terminal; no outcome
// transitions out of a terminal state within a session.
type OutcomeState string

const (
	StatePending       OutcomeState = "pending"
	StateDeploying     OutcomeState = "deploying"
	StateReady         OutcomeState = "ready"
	StateReadyDegraded OutcomeState = "ready_degraded"
	StateFailed        OutcomeState = "failed"
	StateSkipped       OutcomeState = "skipped"
)

// Terminal reports whether the state ends the node's lifecycle.
func (s OutcomeState) Terminal() bool {
	switch s {
	case StateReady, StateReadyDegraded, StateFailed, StateSkipped:
		return true
	}
	return false
}

// Succeeded reports whether the state counts toward session success.
// A degraded-but-reachable service is sufficient for dependents to proceed.
func (s OutcomeState) Succeeded() bool {
	return s == StateReady || s == StateReadyDegraded
}

// =============================================================================
// Diagnostics
// =============================================================================

// Diagnostics is the point-in-time snapshot captured when a node fails,
// sufficient for an operator to diagnose without re-running the session.
type Diagnostics struct {
	ContainerExists bool         `yaml:"container_exists"`
	ContainerStatus string       `yaml:"container_status,omitempty"`
	ContainerHealth string       `yaml:"container_health,omitempty"`
	LogTail         string       `yaml:"log_tail,omitempty"`
	PortsListening  map[int]bool `yaml:"ports_listening,omitempty"`
	CapturedAt      time.Time    `yaml:"captured_at"`
}

// =============================================================================
// Service Outcome
// =============================================================================

// ServiceOutcome records one service's result within a session.
type ServiceOutcome struct {
	State       OutcomeState `yaml:"state"`
	Attempts    int          `yaml:"attempts,omitempty"`
	LastError   string       `yaml:"last_error,omitempty"`
	Detail      string       `yaml:"detail,omitempty"`
	Diagnostics *Diagnostics `yaml:"diagnostics,omitempty"`
}

// =============================================================================
// Deployment Session
// =============================================================================

var (
	// ErrOutcomeFinal is returned when recording over a terminal outcome.
	ErrOutcomeFinal = errors.New("outcome is already terminal")

	// ErrNotTargeted is returned when recording an outcome for a service
	// outside the session's target set.
	ErrNotTargeted = errors.New("service is not targeted by this session")
)

// Session is one end-to-end orchestration run. The outcome map is the only
// mutable shared structure during scheduling; updates are serialized so
// parallel branch execution would remain safe.
type Session struct {
	ID        string
	StartedAt time.Time
	Mode      Mode
	Targets   []string // reachable target set in deployment order

	mu       sync.Mutex
	outcomes map[string]ServiceOutcome
}

// NewSession creates a session for the given targets. Every target starts
// in the PENDING state.
func NewSession(mode Mode, targets []string) *Session {
	outcomes := make(map[string]ServiceOutcome, len(targets))
	for _, name := range targets {
		outcomes[name] = ServiceOutcome{State: StatePending}
	}
	return &Session{
		ID:        uuid.New().String(),
		StartedAt: time.Now().UTC(),
		Mode:      mode,
		Targets:   append([]string(nil), targets...),
		outcomes:  outcomes,
	}
}

// Record sets the outcome for a targeted service. Recording over a terminal
// outcome is rejected.
func (s *Session) Record(name string, outcome ServiceOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.outcomes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTargeted, name)
	}
	if current.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrOutcomeFinal, name, current.State)
	}
	s.outcomes[name] = outcome
	return nil
}

// Outcome returns the recorded outcome for a service.
func (s *Session) Outcome(name string) (ServiceOutcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outcomes[name]
	return o, ok
}

// Outcomes returns a copy of the outcome map.
func (s *Session) Outcomes() map[string]ServiceOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ServiceOutcome, len(s.outcomes))
	for k, v := range s.outcomes {
		out[k] = v
	}
	return out
}

// Finalized reports whether every targeted service has a terminal outcome.
func (s *Session) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.outcomes {
		if !o.State.Terminal() {
			return false
		}
	}
	return true
}

// Succeeded reports whether every targeted service reached READY or
// READY_DEGRADED.
func (s *Session) Succeeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.outcomes {
		if !o.State.Succeeded() {
			return false
		}
	}
	return true
}
