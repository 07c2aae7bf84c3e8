package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Orius-AI/Orius-Node/internal/models"
)

// Store defines the task-store contract: transactional, row-locking storage
// for the task pool, assignments and trust records. It is the single source
// of truth; nothing in-process caches its state authoritatively.
type Store interface {
	// Initialize sets up any necessary structures or connections.
	Initialize(ctx context.Context) error

	// Task pool
	InsertTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	CountPendingTasks(ctx context.Context, taskType models.TaskType) (int, error)
	GetTaskResult(ctx context.Context, taskID uuid.UUID) (*models.TaskResult, error)

	// Canary pool. InsertCanary reports whether a new row was written; an
	// identical existing canary makes it a no-op.
	InsertCanary(ctx context.Context, canary *models.CanaryTask) (bool, error)
	GetCanary(ctx context.Context, id string) (*models.CanaryTask, error)
	// SampleCanary picks one canary uniformly at random, filtered by GPU
	// capability. Returns ErrCanaryNotFound when the filtered pool is empty.
	SampleCanary(ctx context.Context, hasGPU bool) (*models.CanaryTask, error)

	// Node registry
	UpsertNodeCapabilities(ctx context.Context, nodeID string, caps models.Capabilities) (*models.NodeRecord, error)
	GetNode(ctx context.Context, nodeID string) (*models.NodeRecord, error)

	// ClaimNextTask atomically selects one eligible pending task for the node
	// and binds it with a fresh assignment. Eligibility: not expired, GPU
	// requirement satisfiable, no prior assignment for this node still
	// occupying a slot, and fewer counting assignments than the redundancy
	// target. Candidates are taken in reward-then-age order under an
	// exclusive non-blocking row lock: a locked candidate is skipped, never
	// waited on. Returns ErrNoTaskAvailable when nothing matches.
	ClaimNextTask(ctx context.Context, nodeID string, caps models.Capabilities) (*models.Task, *models.Assignment, error)

	// InTaskTx runs fn inside a transaction holding an exclusive lock on the
	// task row. All submission recording and finalization happens here so
	// that concurrent submissions for the same task serialize, and a failing
	// fn rolls the whole submission back.
	InTaskTx(ctx context.Context, taskID uuid.UUID, fn func(tx TaskTx) error) error

	// Trust records. Both lazily create the record at full score on first
	// contact. UpdateTrust applies fn under row-level mutual exclusion and
	// clamps the score before committing.
	GetTrust(ctx context.Context, nodeID string) (*models.TrustRecord, error)
	UpdateTrust(ctx context.Context, nodeID string, fn func(tr *models.TrustRecord) error) (*models.TrustRecord, error)
	// ListLowTrustNodes returns unbanned nodes below the score threshold
	// with at least minTasks lifetime submissions, for the integrity sweep.
	ListLowTrustNodes(ctx context.Context, scoreBelow float64, minTasks int) ([]*models.TrustRecord, error)

	// RecentCompletedAssignments returns the node's most recent completed
	// submissions, newest first, for anomaly detection.
	RecentCompletedAssignments(ctx context.Context, nodeID string, limit int) ([]*models.Assignment, error)

	// ReapStaleAssignments times out assignments stuck in assigned or
	// processing past their task's max execution time plus grace, releasing
	// their redundancy slots. Returns the number of assignments released.
	ReapStaleAssignments(ctx context.Context, grace time.Duration) (int, error)

	// Close cleans up any resources used by the store.
	Close() error
}

// TaskTx is the transaction-scoped view handed to InTaskTx callbacks. Every
// write is staged against the same locked transaction and commits or rolls
// back as one unit.
type TaskTx interface {
	// Task returns the locked task row as of transaction start.
	Task() *models.Task

	// AssignmentFor returns this node's assignment for the locked task, or
	// ErrAssignmentNotFound.
	AssignmentFor(nodeID string) (*models.Assignment, error)

	// UpdateAssignment persists the assignment's mutated fields.
	UpdateAssignment(a *models.Assignment) error

	// CompletedAssignments returns all completed submissions for the locked
	// task, including any staged by this transaction.
	CompletedAssignments() ([]*models.Assignment, error)

	// SetTaskStatus transitions the locked task.
	SetTaskStatus(status models.TaskStatus) error

	// InsertTaskResult writes the immutable consensus record. Inserting a
	// second result for the same task is an error.
	InsertTaskResult(r *models.TaskResult) error

	// AppendEarning appends one credit-ledger row.
	AppendEarning(e *models.Earning) error
}
