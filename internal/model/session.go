package model

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a workflow session. Terminal
// statuses are final: no further transition is ever accepted.
type SessionStatus string

// Session status constants.
const (
	StatusLoading       SessionStatus = "loading"
	StatusProcessing    SessionStatus = "processing"
	StatusAwaitingHuman SessionStatus = "awaiting_human"
	StatusCompleted     SessionStatus = "completed"
	StatusCancelled     SessionStatus = "cancelled"
	StatusErrored       SessionStatus = "errored"
)

// Terminal reports whether a status accepts no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusErrored:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal status
// transition.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusLoading:
		return false
	case StatusProcessing:
		return s == StatusLoading || s == StatusAwaitingHuman
	case StatusAwaitingHuman:
		return s == StatusLoading || s == StatusProcessing
	case StatusCompleted, StatusErrored:
		return s == StatusLoading || s == StatusProcessing || s == StatusAwaitingHuman
	case StatusCancelled:
		return true
	default:
		return false
	}
}

// WorkflowKind names a registered workflow definition.
type WorkflowKind string

// Workflow kind constants.
const (
	KindReconciliation WorkflowKind = "reconciliation"
	KindClassification WorkflowKind = "classification"
	KindTreasury       WorkflowKind = "treasury"
)

// AwaitingMarker records where a suspended session stopped and what the
// feedback object must contain to resume it.
type AwaitingMarker struct {
	Step           string   `json:"step"`
	RequiredFields []string `json:"required_fields,omitempty"`
}

// WorkflowSession is the persisted unit of checkpointed work. State holds
// the workflow-specific snapshot serialized at the last completed step, so
// any process instance can resume the session.
type WorkflowSession struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	Awaiting  *AwaitingMarker
	ID        string
	TenantID  string
	Kind      WorkflowKind
	Status    SessionStatus
	LastError string
	State     json.RawMessage
	Step      int // Index of the next step to run
}
