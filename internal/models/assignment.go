package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AssignmentStatus tracks one (task, node) binding through its lifecycle.
type AssignmentStatus string

const (
	AssignmentStatusAssigned   AssignmentStatus = "assigned"
	AssignmentStatusProcessing AssignmentStatus = "processing"
	AssignmentStatusCompleted  AssignmentStatus = "completed"
	AssignmentStatusFailed     AssignmentStatus = "failed"
	AssignmentStatusTimeout    AssignmentStatus = "timeout"
)

// Active reports whether the assignment still occupies one of its task's
// redundancy slots for admission purposes (a node may not claim the same
// task twice while one of these is open).
func (s AssignmentStatus) Active() bool {
	return s == AssignmentStatusAssigned || s == AssignmentStatusProcessing
}

// CountsTowardRedundancy reports whether the assignment consumes one of the
// task's redundancy slots. Failed and timed-out assignments release theirs.
func (s AssignmentStatus) CountsTowardRedundancy() bool {
	return s.Active() || s == AssignmentStatusCompleted
}

// Assignment binds one task to one node. Created by the dispatcher, mutated
// only by the verifier (or the timeout reaper). CreditsAwarded defaults to
// zero and is set exactly once.
type Assignment struct {
	ID              uuid.UUID        `json:"id" db:"id"`
	TaskID          uuid.UUID        `json:"task_id" db:"task_id"`
	NodeID          string           `json:"node_id" db:"node_id"`
	Status          AssignmentStatus `json:"status" db:"status"`
	ResultPayload   json.RawMessage  `json:"result_payload,omitempty" db:"result_payload"`
	ResultHash      string           `json:"result_hash,omitempty" db:"result_hash"`
	ExecutionTimeMs int64            `json:"execution_time_ms" db:"execution_time_ms"`
	Verified        bool             `json:"verified" db:"verified"`
	CreditsAwarded  decimal.Decimal  `json:"credits_awarded" db:"credits_awarded"`
	AssignedAt      time.Time        `json:"assigned_at" db:"assigned_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
}

// Earning is one row of the append-only credit ledger, written when a
// verified submission is paid out.
type Earning struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	NodeID    string          `json:"node_id" db:"node_id"`
	TaskID    uuid.UUID       `json:"task_id" db:"task_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// NodeRecord holds a node's declared capabilities. Capabilities are declared
// over the wire, never probed; the dispatcher trusts them only for matching,
// never for verification.
type NodeRecord struct {
	NodeID       string    `json:"node_id" db:"node_id"`
	HasGPU       bool      `json:"has_gpu" db:"has_gpu"`
	Capabilities []string  `json:"capabilities" db:"capabilities"`
	RegisteredAt time.Time `json:"registered_at" db:"registered_at"`
	LastSeenAt   time.Time `json:"last_seen_at" db:"last_seen_at"`
}

// Capabilities is the capability set a node declares when requesting work.
type Capabilities struct {
	HasGPU bool     `json:"has_gpu"`
	Tags   []string `json:"tags,omitempty"`
}
