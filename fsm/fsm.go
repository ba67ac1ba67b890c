// Package fsm implements the per-module lifecycle state machine: the sole
// authority over whether a module instance is deactivated, idle, locked, or
// mid-transition. Every module owns exactly one FSM; the module manager and
// the module's own hooks are the only callers that ever drive it.
package fsm

import (
	"fmt"
	"sync"
)

// State is one of a module's lifecycle states.
type State int

const (
	// Deactivated is the initial and terminal state: no resources held, no
	// hooks running.
	Deactivated State = iota
	// Activating is transient: on_activate is running.
	Activating
	// Idle is steady-state, ready to serve calls and connector binds.
	Idle
	// Locked is steady-state, self-entered from Idle by the module's own
	// handler code to signal a busy/critical section; only the module
	// itself may enter or leave it.
	Locked
	// Deactivating is transient: on_deactivate is running, status is being
	// dumped.
	Deactivating
)

func (s State) String() string {
	switch s {
	case Deactivated:
		return "deactivated"
	case Activating:
		return "activating"
	case Idle:
		return "idle"
	case Locked:
		return "locked"
	case Deactivating:
		return "deactivating"
	default:
		return "unknown"
	}
}

// Live reports whether a state counts as "idle or locked" for the purposes
// of connector binding and dependency-ready checks.
func (s State) Live() bool {
	return s == Idle || s == Locked
}

// ErrInvalidTransition is raised whenever a caller asks for a transition the
// state machine does not allow from its current state, including external
// code trying to force Locked directly.
type ErrInvalidTransition struct {
	From State
	To   State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// FSM is a module's lifecycle state machine. All mutation goes through its
// methods, which serialize with a mutex: the module manager schedules at
// most one outstanding state transition per module, and this mutex is the
// last line of defense if two callers race anyway.
type FSM struct {
	mu    sync.Mutex
	state State
}

// New returns an FSM starting in Deactivated.
func New() *FSM {
	return &FSM{state: Deactivated}
}

// State returns the current state. Safe to call from any goroutine;
// readers never need to agree with an in-flight transition's eventual
// outcome, only with some state the FSM was actually in.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// BeginActivate transitions Deactivated -> Activating. Fails from any other
// state.
func (f *FSM) BeginActivate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Deactivated {
		return &ErrInvalidTransition{From: f.state, To: Activating}
	}
	f.state = Activating
	return nil
}

// FinishActivate transitions Activating -> Idle, the on_activate-succeeded
// path.
func (f *FSM) FinishActivate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Activating {
		return &ErrInvalidTransition{From: f.state, To: Idle}
	}
	f.state = Idle
	return nil
}

// AbortActivate transitions Activating -> Deactivated, the on_activate-
// failed path. Bounded: there is no intermediate state an aborted
// activation can get stuck in.
func (f *FSM) AbortActivate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Activating {
		return &ErrInvalidTransition{From: f.state, To: Deactivated}
	}
	f.state = Deactivated
	return nil
}

// Lock transitions Idle -> Locked. Only the module's own code is expected
// to call this (the self-lock discipline); the FSM itself has no notion of
// caller identity, so enforcing "only the module calls this" is the
// responsibility of what holds the *FSM, not of FSM itself.
func (f *FSM) Lock() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Idle {
		return &ErrInvalidTransition{From: f.state, To: Locked}
	}
	f.state = Locked
	return nil
}

// Unlock transitions Locked -> Idle.
func (f *FSM) Unlock() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Locked {
		return &ErrInvalidTransition{From: f.state, To: Idle}
	}
	f.state = Idle
	return nil
}

// BeginDeactivate transitions Idle or Locked -> Deactivating.
func (f *FSM) BeginDeactivate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.Live() {
		return &ErrInvalidTransition{From: f.state, To: Deactivating}
	}
	f.state = Deactivating
	return nil
}

// FinishDeactivate transitions Deactivating -> Deactivated unconditionally:
// whatever on_deactivate did or raised, the caller has already dumped
// status and this always succeeds so deactivation is bounded in steps.
func (f *FSM) FinishDeactivate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Deactivating {
		return &ErrInvalidTransition{From: f.state, To: Deactivated}
	}
	f.state = Deactivated
	return nil
}
