package models

import (
	"time"
)

// Tier is the subscription class controlling the daily request quota.
type Tier string

const (
	TierFree  Tier = "free"
	TierBasic Tier = "basic"
	TierPro   Tier = "pro"
)

// RunStatus is the state of a session's generation pipeline.
type RunStatus string

const (
	StatusIdle                 RunStatus = "idle"
	StatusAnalyzing            RunStatus = "analyzing"
	StatusSelectingStack       RunStatus = "selecting_stack"
	StatusAwaitingConfirmation RunStatus = "awaiting_confirmation"
	StatusGenerating           RunStatus = "generating"
	StatusValidating           RunStatus = "validating"
	StatusRepairing            RunStatus = "repairing"
	StatusPreviewing           RunStatus = "previewing"
	StatusFinalized            RunStatus = "finalized"
	StatusCompleted            RunStatus = "completed"
	StatusFailed               RunStatus = "failed"
	StatusCancelled            RunStatus = "cancelled"
)

// validTransitions enumerates the legal pipeline state transitions.
// Cancellation is handled separately: any non-terminal state may move to
// StatusCancelled.
var validTransitions = map[RunStatus][]RunStatus{
	StatusIdle:                 {StatusAnalyzing},
	StatusAnalyzing:            {StatusSelectingStack, StatusFailed},
	StatusSelectingStack:       {StatusAwaitingConfirmation, StatusFailed},
	StatusAwaitingConfirmation: {StatusGenerating, StatusIdle, StatusFailed},
	StatusGenerating:           {StatusValidating, StatusFailed},
	StatusValidating:           {StatusPreviewing, StatusRepairing, StatusFailed},
	StatusRepairing:            {StatusValidating, StatusFailed},
	StatusPreviewing:           {StatusFinalized},
	StatusFinalized:            {StatusCompleted},
	StatusCompleted:            {},
	StatusFailed:               {},
	StatusCancelled:            {},
}

// IsTerminal reports whether the status is a terminal run outcome.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanStartRun reports whether a session in this status may accept a new
// submission. Terminal outcomes are idle-equivalent: the previous run is
// finished and its result (if any) has already been folded into the session.
func (s RunStatus) CanStartRun() bool {
	return s == StatusIdle || s.IsTerminal()
}

// ValidateTransition checks that moving from current to next is legal.
func ValidateTransition(current, next RunStatus) error {
	if next == StatusCancelled {
		if current.IsTerminal() {
			return &InvalidTransitionError{From: current, To: next}
		}
		return nil
	}

	allowed, ok := validTransitions[current]
	if !ok {
		return &InvalidTransitionError{From: current, To: next}
	}
	for _, a := range allowed {
		if a == next {
			return nil
		}
	}
	return &InvalidTransitionError{From: current, To: next}
}

// Turn is one entry in a session's conversation memory.
type Turn struct {
	Role string    `json:"role"` // "user" or "assistant"
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Session is one user's continuous interaction with the orchestrator.
// Memory is append-only and owned exclusively by the session; ActiveProject
// is replaced wholesale when a run completes.
type Session struct {
	ID            string     `json:"id"`
	Tier          Tier       `json:"tier"`
	Status        RunStatus  `json:"status"`
	Memory        []Turn     `json:"memory"`
	ActiveProject *Project   `json:"active_project,omitempty"`
	RunSeq        uint64     `json:"run_seq"`
	LastActivity  time.Time  `json:"last_activity"`
}

// AppendTurn records a conversation turn and bumps the activity clock.
func (s *Session) AppendTurn(role, text string) {
	now := time.Now().UTC()
	s.Memory = append(s.Memory, Turn{Role: role, Text: text, At: now})
	s.LastActivity = now
}
