package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TaskType identifies the kind of computation a task asks a node to perform.
type TaskType string

const (
	TaskTypeMatrixMultiply TaskType = "matrix_multiply"
	TaskTypeHashIteration  TaskType = "hash_iteration"
	TaskTypeMLInference    TaskType = "ml_inference"
)

// AllTaskTypes lists every supported task type, in pool top-up order.
var AllTaskTypes = []TaskType{TaskTypeMatrixMultiply, TaskTypeHashIteration, TaskTypeMLInference}

// IsValid reports whether tt is one of the supported task types.
func (tt TaskType) IsValid() bool {
	switch tt {
	case TaskTypeMatrixMultiply, TaskTypeHashIteration, TaskTypeMLInference:
		return true
	}
	return false
}

// Deterministic reports whether results for this type can be recomputed
// server-side. Deterministic types carry an expected output hash; the rest
// are verified by majority consensus only.
func (tt TaskType) Deterministic() bool {
	return tt == TaskTypeMatrixMultiply || tt == TaskTypeHashIteration
}

// TaskStatus tracks a task through its lifecycle.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusExpired   TaskStatus = "expired"
)

// Task is one unit of work handed out to untrusted nodes.
// InputPayload is the canonical JSON the node computes over; InputHash is its
// canonical hash. ExpectedOutputHash is only set for deterministic types.
type Task struct {
	ID                 uuid.UUID       `json:"id" db:"id"`
	Type               TaskType        `json:"type" db:"type"`
	Difficulty         int             `json:"difficulty" db:"difficulty"`
	InputPayload       json.RawMessage `json:"input_payload" db:"input_payload"`
	InputHash          string          `json:"input_hash" db:"input_hash"`
	ExpectedOutputHash *string         `json:"-" db:"expected_output_hash"`
	Reward             decimal.Decimal `json:"reward" db:"reward"`
	MaxExecutionMs     int64           `json:"max_execution_ms" db:"max_execution_ms"`
	RequiresGPU        bool            `json:"requires_gpu" db:"requires_gpu"`
	Redundancy         int             `json:"redundancy" db:"redundancy"`
	Status             TaskStatus      `json:"status" db:"status"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt          time.Time       `json:"expires_at" db:"expires_at"`
}

// Validate checks the construction-time invariants: a supported type, a
// positive difficulty, redundancy of at least one and an expiry in the future.
func (t *Task) Validate() error {
	if !t.Type.IsValid() {
		return ErrInvalidTaskType
	}
	if t.Difficulty < 1 {
		return ErrInvalidTaskData
	}
	if t.Redundancy < 1 {
		return ErrInvalidTaskData
	}
	if !t.ExpiresAt.After(t.CreatedAt) {
		return ErrInvalidTaskData
	}
	return nil
}

// ConsensusQuorum is the number of matching submissions required for a
// non-deterministic task to reach consensus: half the redundancy target,
// rounded up.
func (t *Task) ConsensusQuorum() int {
	return (t.Redundancy + 1) / 2
}

// CanaryIDPrefix namespaces canary identifiers so they are distinguishable
// from real task IDs by prefix alone.
const CanaryIDPrefix = "canary-"

// CanaryTask is a probe task whose correct answer the issuer already knows.
// It has no redundancy or expiry; it exists purely to test node honesty.
// Immutable once created.
type CanaryTask struct {
	ID              string          `json:"id" db:"id"`
	Type            TaskType        `json:"type" db:"type"`
	Difficulty      int             `json:"difficulty" db:"difficulty"`
	InputPayload    json.RawMessage `json:"input_payload" db:"input_payload"`
	InputHash       string          `json:"input_hash" db:"input_hash"`
	KnownOutputHash string          `json:"-" db:"known_output_hash"`
	KnownResult     json.RawMessage `json:"-" db:"known_result"`
	// Reward is displayed to nodes so a canary envelope looks like any
	// other task; no credit is ever paid for one.
	Reward          decimal.Decimal `json:"reward" db:"reward"`
	RequiresGPU     bool            `json:"requires_gpu" db:"requires_gpu"`
	MaxExecutionMs  int64           `json:"max_execution_ms" db:"max_execution_ms"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// TaskEnvelope is what a node actually receives: the client-visible task
// fields plus the signed manifest. Server-only fields (expected hashes,
// canary ground truth) never travel in it.
type TaskEnvelope struct {
	TaskID         string          `json:"task_id"`
	Type           TaskType        `json:"type"`
	Difficulty     int             `json:"difficulty"`
	InputPayload   json.RawMessage `json:"input_payload"`
	InputHash      string          `json:"input_hash"`
	Reward         decimal.Decimal `json:"reward"`
	MaxExecutionMs int64           `json:"max_execution_ms"`
	RequiresGPU    bool            `json:"requires_gpu"`
	ExpiresAt      time.Time       `json:"expires_at"`
	Signature      string          `json:"signature"`
}

// TaskResult is the immutable consensus outcome written exactly once when a
// task's completed submissions reach its redundancy target.
type TaskResult struct {
	ID               uuid.UUID `json:"id" db:"id"`
	TaskID           uuid.UUID `json:"task_id" db:"task_id"`
	ConsensusHash    string    `json:"consensus_hash" db:"consensus_hash"`
	TotalSubmissions int       `json:"total_submissions" db:"total_submissions"`
	MatchingCount    int       `json:"matching_count" db:"matching_count"`
	ConsensusReached bool      `json:"consensus_reached" db:"consensus_reached"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}
