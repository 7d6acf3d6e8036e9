package models

import (
	"time"
)

// RunEventKind discriminates the events emitted on a run's event stream.
type RunEventKind string

const (
	// EventStage marks a pipeline state transition.
	EventStage RunEventKind = "stage"
	// EventFile carries one streamed generated file.
	EventFile RunEventKind = "file"
	// EventProgress carries a free-text progress message from the engine.
	EventProgress RunEventKind = "progress"
	// EventAwaitingConfirmation carries the proposed stack awaiting a
	// confirm/modify decision.
	EventAwaitingConfirmation RunEventKind = "awaiting_confirmation"
	// EventResult carries the published RunResult of a completed run.
	EventResult RunEventKind = "result"
	// EventError carries the terminal failure of a run.
	EventError RunEventKind = "error"
)

// RunEvent is one unit of the ordered, finite event stream produced by a run.
// The stream is closed when the run reaches a terminal state and is not
// restartable.
type RunEvent struct {
	Kind      RunEventKind `json:"kind"`
	RunID     string       `json:"run_id"`
	Status    RunStatus    `json:"status,omitempty"`
	Path      string       `json:"path,omitempty"`
	Content   string       `json:"content,omitempty"`
	Message   string       `json:"message,omitempty"`
	Code      string       `json:"code,omitempty"`
	Stack     *TechStack   `json:"stack,omitempty"`
	Result    *RunResult   `json:"result,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// ConfirmDecision is the user's answer at the confirmation gate.
type ConfirmDecision string

const (
	DecisionConfirm ConfirmDecision = "confirm"
	DecisionModify  ConfirmDecision = "modify"
)

// Valid reports whether the decision is one of the two accepted values.
func (d ConfirmDecision) Valid() bool {
	return d == DecisionConfirm || d == DecisionModify
}
