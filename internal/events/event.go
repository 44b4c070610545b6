// Package events provides the in-process publish/subscribe bus and the
// optional durable event log that drive monitoring and learning.
package events

import (
	"time"
)

// Kind identifies the event variant and selects its payload type.
type Kind string

const (
	KindTaskAssigned       Kind = "task_assigned"
	KindTaskStarted        Kind = "task_started"
	KindProgressReported   Kind = "progress_reported"
	KindTaskCompleted      Kind = "task_completed"
	KindBlockerReported    Kind = "blocker_reported"
	KindLeaseRenewed       Kind = "lease_renewed"
	KindLeaseExpired       Kind = "lease_expired"
	KindDecisionRecorded   Kind = "decision_recorded"
	KindArtifactRecorded   Kind = "artifact_recorded"
	KindDependencyResolved Kind = "dependency_resolved"
	KindContextBuilt       Kind = "context_built"
	KindAssignmentOrphaned Kind = "assignment_orphaned"
)

// Payload is implemented by the tagged variant structs below. Subscribers
// receive value copies; state changes must re-enter the core through its
// public API.
type Payload interface {
	EventKind() Kind
}

// Event is one occurrence on the bus.
type Event struct {
	Kind          Kind      `json:"kind"`
	Timestamp     time.Time `json:"ts"`
	ProjectID     string    `json:"project_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Payload       Payload   `json:"payload"`
}

type TaskAssigned struct {
	TaskID         string    `json:"task_id"`
	AgentID        string    `json:"agent_id"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

func (TaskAssigned) EventKind() Kind { return KindTaskAssigned }

type TaskStarted struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

func (TaskStarted) EventKind() Kind { return KindTaskStarted }

type ProgressReported struct {
	TaskID  string  `json:"task_id"`
	AgentID string  `json:"agent_id"`
	Pct     float64 `json:"pct"`
	Notes   string  `json:"notes,omitempty"`
}

func (ProgressReported) EventKind() Kind { return KindProgressReported }

type TaskCompleted struct {
	TaskID      string  `json:"task_id"`
	AgentID     string  `json:"agent_id"`
	ActualHours float64 `json:"actual_hours"`
	Outcome     string  `json:"outcome,omitempty"`
}

func (TaskCompleted) EventKind() Kind { return KindTaskCompleted }

type BlockerReported struct {
	TaskID      string `json:"task_id"`
	AgentID     string `json:"agent_id"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

func (BlockerReported) EventKind() Kind { return KindBlockerReported }

type LeaseRenewed struct {
	TaskID       string    `json:"task_id"`
	AgentID      string    `json:"agent_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	RenewalCount int       `json:"renewal_count"`
	ProgressPct  float64   `json:"progress_pct"`
}

func (LeaseRenewed) EventKind() Kind { return KindLeaseRenewed }

type LeaseExpired struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

func (LeaseExpired) EventKind() Kind { return KindLeaseExpired }

type DecisionRecorded struct {
	TaskID          string   `json:"task_id"`
	AgentID         string   `json:"agent_id"`
	What            string   `json:"what"`
	Why             string   `json:"why"`
	Impact          string   `json:"impact"`
	Confidence      float64  `json:"confidence"`
	AffectedTaskIDs []string `json:"affected_task_ids,omitempty"`
}

func (DecisionRecorded) EventKind() Kind { return KindDecisionRecorded }

type ArtifactRecorded struct {
	TaskID      string `json:"task_id"`
	AgentID     string `json:"agent_id"`
	Type        string `json:"type"`
	Location    string `json:"location"`
	Size        int64  `json:"size"`
	Description string `json:"description,omitempty"`
}

func (ArtifactRecorded) EventKind() Kind { return KindArtifactRecorded }

type DependencyResolved struct {
	TaskID          string `json:"task_id"`           // the completed dependency
	UnblockedTaskID string `json:"unblocked_task_id"` // the successor now ready
}

func (DependencyResolved) EventKind() Kind { return KindDependencyResolved }

type ContextBuilt struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id,omitempty"`
	Bytes   int    `json:"bytes"`
}

func (ContextBuilt) EventKind() Kind { return KindContextBuilt }

type AssignmentOrphaned struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

func (AssignmentOrphaned) EventKind() Kind { return KindAssignmentOrphaned }
