package ike

import "time"

// StateChange describes a single ModeCfg FSM transition, emitted to
// subscribers after the transition's actions have executed.
//
// Notification is decoupled from the transition itself so a slow or
// misbehaving subscriber cannot stall the session's owning goroutine.
// Subscribers are reached through a dedicated dispatch path (the
// Manager's notification fan-out), never inline inside executeFSMActions.
type StateChange struct {
	CookiePair CookiePair
	OldState   State
	NewState   State
	Timestamp  time.Time
}

// StateCallback is the function shape for consuming session state-change
// notifications, including a peer declared dead via retransmit exhaustion
// (OldState -> StateDone) or a FAIL-notify abandonment: every terminal
// transition is reported on Manager.StateChanges, not through a separate
// channel. The Manager does not invoke StateCallback values itself; a
// consumer reading StateChanges calls its own callback with each change.
type StateCallback func(change StateChange)
