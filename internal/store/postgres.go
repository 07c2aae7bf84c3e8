package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Orius-AI/Orius-Node/internal/models"
)

// PostgresStore implements the Store interface using PostgreSQL. Row-level
// locking (FOR UPDATE, with SKIP LOCKED on the claim path) provides the
// mutual exclusion the dispatch and verification paths rely on.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a new PostgresStore.
// It expects a connected pgxpool.Pool.
func NewPostgresStore(db *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// Initialize creates the necessary tables if they don't already exist.
func (s *PostgresStore) Initialize(ctx context.Context) error {
	queries := []string{
		createTasksTable,
		createCanaryTasksTable,
		createAssignmentsTable,
		createTrustRecordsTable,
		createTaskResultsTable,
		createNodesTable,
		createEarningsTable,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("initializing grid schema: %w", err)
		}
	}

	s.logger.Info("Grid dispatch tables checked/created successfully")
	return nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	if s.db != nil {
		s.db.Close()
	}
	return nil
}

// --- Task pool ---

const taskColumns = `id, type, difficulty, input_payload, input_hash, expected_output_hash,
       reward, max_execution_ms, requires_gpu, redundancy, status, created_at, expires_at`

// InsertTask stores a new task in the pending pool.
func (s *PostgresStore) InsertTask(ctx context.Context, task *models.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.db.Exec(ctx, query,
		task.ID, task.Type, task.Difficulty, []byte(task.InputPayload), task.InputHash,
		task.ExpectedOutputHash, task.Reward, task.MaxExecutionMs, task.RequiresGPU,
		task.Redundancy, task.Status, task.CreatedAt, task.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", task.ID, err)
	}

	s.logger.Debug("Task inserted",
		zap.String("task_id", task.ID.String()),
		zap.String("type", string(task.Type)),
	)
	return nil
}

func scanTask(row pgx.Row) (*models.Task, error) {
	task := &models.Task{}
	var payload []byte
	var expected sql.NullString

	err := row.Scan(
		&task.ID, &task.Type, &task.Difficulty, &payload, &task.InputHash, &expected,
		&task.Reward, &task.MaxExecutionMs, &task.RequiresGPU, &task.Redundancy,
		&task.Status, &task.CreatedAt, &task.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	task.InputPayload = json.RawMessage(payload)
	if expected.Valid {
		task.ExpectedOutputHash = &expected.String
	}
	return task, nil
}

// GetTask retrieves a task by ID.
func (s *PostgresStore) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	task, err := scanTask(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrTaskNotFound
		}
		return nil, fmt.Errorf("getting task %s: %w", id, err)
	}
	return task, nil
}

// CountPendingTasks returns the number of unexpired pending tasks of a type.
func (s *PostgresStore) CountPendingTasks(ctx context.Context, taskType models.TaskType) (int, error) {
	query := `SELECT COUNT(*) FROM tasks WHERE type = $1 AND status = 'pending' AND expires_at > NOW()`
	var count int
	if err := s.db.QueryRow(ctx, query, taskType).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting pending %s tasks: %w", taskType, err)
	}
	return count, nil
}

// GetTaskResult retrieves the finalized consensus record for a task.
func (s *PostgresStore) GetTaskResult(ctx context.Context, taskID uuid.UUID) (*models.TaskResult, error) {
	query := `
		SELECT id, task_id, consensus_hash, total_submissions, matching_count, consensus_reached, created_at
		FROM task_results WHERE task_id = $1
	`
	r := &models.TaskResult{}
	err := s.db.QueryRow(ctx, query, taskID).Scan(
		&r.ID, &r.TaskID, &r.ConsensusHash, &r.TotalSubmissions, &r.MatchingCount,
		&r.ConsensusReached, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrTaskNotFound
		}
		return nil, fmt.Errorf("getting task result for %s: %w", taskID, err)
	}
	return r, nil
}

// --- Canary pool ---

const canaryColumns = `id, type, difficulty, input_payload, input_hash, known_output_hash,
       known_result, reward, requires_gpu, max_execution_ms, created_at`

// InsertCanary stores a canary task. Inserting an identical canary (same
// derived ID) is a no-op; the return value reports whether a row was written.
func (s *PostgresStore) InsertCanary(ctx context.Context, canary *models.CanaryTask) (bool, error) {
	query := `
		INSERT INTO canary_tasks (` + canaryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := s.db.Exec(ctx, query,
		canary.ID, canary.Type, canary.Difficulty, []byte(canary.InputPayload),
		canary.InputHash, canary.KnownOutputHash, []byte(canary.KnownResult),
		canary.Reward, canary.RequiresGPU, canary.MaxExecutionMs, canary.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("inserting canary %s: %w", canary.ID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanCanary(row pgx.Row) (*models.CanaryTask, error) {
	c := &models.CanaryTask{}
	var payload, known []byte
	err := row.Scan(
		&c.ID, &c.Type, &c.Difficulty, &payload, &c.InputHash, &c.KnownOutputHash,
		&known, &c.Reward, &c.RequiresGPU, &c.MaxExecutionMs, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.InputPayload = json.RawMessage(payload)
	c.KnownResult = json.RawMessage(known)
	return c, nil
}

// GetCanary retrieves a canary by its namespaced ID.
func (s *PostgresStore) GetCanary(ctx context.Context, id string) (*models.CanaryTask, error) {
	query := `SELECT ` + canaryColumns + ` FROM canary_tasks WHERE id = $1`
	canary, err := scanCanary(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrCanaryNotFound
		}
		return nil, fmt.Errorf("getting canary %s: %w", id, err)
	}
	return canary, nil
}

// SampleCanary picks one canary uniformly at random. GPU-only canaries are
// withheld from non-GPU nodes.
func (s *PostgresStore) SampleCanary(ctx context.Context, hasGPU bool) (*models.CanaryTask, error) {
	query := `
		SELECT ` + canaryColumns + ` FROM canary_tasks
		WHERE ($1 OR NOT requires_gpu)
		ORDER BY random() LIMIT 1
	`
	canary, err := scanCanary(s.db.QueryRow(ctx, query, hasGPU))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrCanaryNotFound
		}
		return nil, fmt.Errorf("sampling canary: %w", err)
	}
	return canary, nil
}

// --- Node registry ---

// UpsertNodeCapabilities records a node's declared capabilities, creating the
// node row on first contact.
func (s *PostgresStore) UpsertNodeCapabilities(ctx context.Context, nodeID string, caps models.Capabilities) (*models.NodeRecord, error) {
	tags := caps.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshalling capabilities for node %s: %w", nodeID, err)
	}

	query := `
		INSERT INTO nodes (node_id, has_gpu, capabilities, registered_at, last_seen_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (node_id) DO UPDATE SET
			has_gpu = EXCLUDED.has_gpu,
			capabilities = EXCLUDED.capabilities,
			last_seen_at = NOW()
		RETURNING node_id, has_gpu, capabilities, registered_at, last_seen_at
	`
	return scanNode(s.db.QueryRow(ctx, query, nodeID, caps.HasGPU, tagsJSON))
}

func scanNode(row pgx.Row) (*models.NodeRecord, error) {
	n := &models.NodeRecord{}
	var capsJSON []byte
	if err := row.Scan(&n.NodeID, &n.HasGPU, &capsJSON, &n.RegisteredAt, &n.LastSeenAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(capsJSON, &n.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshalling node capabilities: %w", err)
	}
	return n, nil
}

// GetNode retrieves a node record by ID.
func (s *PostgresStore) GetNode(ctx context.Context, nodeID string) (*models.NodeRecord, error) {
	query := `SELECT node_id, has_gpu, capabilities, registered_at, last_seen_at FROM nodes WHERE node_id = $1`
	node, err := scanNode(s.db.QueryRow(ctx, query, nodeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNodeNotFound
		}
		return nil, fmt.Errorf("getting node %s: %w", nodeID, err)
	}
	return node, nil
}

// --- Dispatch ---

// ClaimNextTask atomically claims one eligible task for the node. The
// candidate select takes an exclusive row lock with SKIP LOCKED, so a hot
// row under contention is skipped rather than waited on: two concurrent
// requests can never claim the same slot, and neither blocks the other.
func (s *PostgresStore) ClaimNextTask(ctx context.Context, nodeID string, caps models.Capabilities) (*models.Task, *models.Assignment, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		SELECT ` + taskColumns + ` FROM tasks t
		WHERE t.status IN ('pending', 'assigned')
		  AND t.expires_at > NOW()
		  AND ($2 OR NOT t.requires_gpu)
		  AND NOT EXISTS (
			SELECT 1 FROM assignments a
			WHERE a.task_id = t.id AND a.node_id = $1
			  AND a.status IN ('assigned', 'processing', 'completed')
		  )
		  AND (
			SELECT COUNT(*) FROM assignments a
			WHERE a.task_id = t.id
			  AND a.status IN ('assigned', 'processing', 'completed')
		  ) < t.redundancy
		ORDER BY t.reward DESC, t.created_at ASC
		LIMIT 1
		FOR UPDATE OF t SKIP LOCKED
	`
	task, err := scanTask(tx.QueryRow(ctx, query, nodeID, caps.HasGPU))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, models.ErrNoTaskAvailable
		}
		return nil, nil, fmt.Errorf("selecting claimable task for node %s: %w", nodeID, err)
	}

	assignment := &models.Assignment{
		ID:         uuid.New(),
		TaskID:     task.ID,
		NodeID:     nodeID,
		Status:     models.AssignmentStatusAssigned,
		AssignedAt: time.Now().UTC(),
	}

	insertQuery := `
		INSERT INTO assignments (id, task_id, node_id, status, assigned_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := tx.Exec(ctx, insertQuery,
		assignment.ID, assignment.TaskID, assignment.NodeID, assignment.Status, assignment.AssignedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Unique slot index tripped; treat as nothing claimable.
			return nil, nil, models.ErrNoTaskAvailable
		}
		return nil, nil, fmt.Errorf("inserting assignment for task %s: %w", task.ID, err)
	}

	if task.Status == models.TaskStatusPending {
		if _, err := tx.Exec(ctx, `UPDATE tasks SET status = 'assigned' WHERE id = $1`, task.ID); err != nil {
			return nil, nil, fmt.Errorf("transitioning task %s to assigned: %w", task.ID, err)
		}
		task.Status = models.TaskStatusAssigned
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("committing claim for task %s: %w", task.ID, err)
	}

	s.logger.Debug("Task claimed",
		zap.String("task_id", task.ID.String()),
		zap.String("node_id", nodeID),
	)
	return task, assignment, nil
}

// --- Submission transaction ---

// pgTaskTx is the Postgres-backed TaskTx. All methods run against the same
// pgx transaction holding the task row lock.
type pgTaskTx struct {
	ctx  context.Context
	tx   pgx.Tx
	task *models.Task
}

// InTaskTx locks the task row, runs fn against the transaction, and commits
// only if fn succeeds. Any error rolls back every staged write.
func (s *PostgresStore) InTaskTx(ctx context.Context, taskID uuid.UUID, fn func(tx TaskTx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning task transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1 FOR UPDATE`
	task, err := scanTask(tx.QueryRow(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrTaskNotFound
		}
		return fmt.Errorf("locking task %s: %w", taskID, err)
	}

	if err := fn(&pgTaskTx{ctx: ctx, tx: tx, task: task}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing task transaction for %s: %w", taskID, err)
	}
	return nil
}

func (t *pgTaskTx) Task() *models.Task {
	return t.task
}

const assignmentColumns = `id, task_id, node_id, status, result_payload, result_hash,
       execution_time_ms, verified, credits_awarded, assigned_at, completed_at`

func scanAssignment(row pgx.Row) (*models.Assignment, error) {
	a := &models.Assignment{}
	var payload []byte
	var hash sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&a.ID, &a.TaskID, &a.NodeID, &a.Status, &payload, &hash,
		&a.ExecutionTimeMs, &a.Verified, &a.CreditsAwarded, &a.AssignedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	a.ResultPayload = json.RawMessage(payload)
	if hash.Valid {
		a.ResultHash = hash.String
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.Time
	}
	return a, nil
}

func (t *pgTaskTx) AssignmentFor(nodeID string) (*models.Assignment, error) {
	query := `
		SELECT ` + assignmentColumns + ` FROM assignments
		WHERE task_id = $1 AND node_id = $2
		ORDER BY assigned_at DESC LIMIT 1
	`
	a, err := scanAssignment(t.tx.QueryRow(t.ctx, query, t.task.ID, nodeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrAssignmentNotFound
		}
		return nil, fmt.Errorf("getting assignment for node %s: %w", nodeID, err)
	}
	return a, nil
}

func (t *pgTaskTx) UpdateAssignment(a *models.Assignment) error {
	query := `
		UPDATE assignments
		SET status = $2, result_payload = $3, result_hash = NULLIF($4, ''),
		    execution_time_ms = $5, verified = $6, credits_awarded = $7, completed_at = $8
		WHERE id = $1
	`
	tag, err := t.tx.Exec(t.ctx, query,
		a.ID, a.Status, []byte(a.ResultPayload), a.ResultHash,
		a.ExecutionTimeMs, a.Verified, a.CreditsAwarded, a.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("updating assignment %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrAssignmentNotFound
	}
	return nil
}

func (t *pgTaskTx) CompletedAssignments() ([]*models.Assignment, error) {
	query := `
		SELECT ` + assignmentColumns + ` FROM assignments
		WHERE task_id = $1 AND status = 'completed'
		ORDER BY completed_at ASC
	`
	rows, err := t.tx.Query(t.ctx, query, t.task.ID)
	if err != nil {
		return nil, fmt.Errorf("listing completed assignments for task %s: %w", t.task.ID, err)
	}
	defer rows.Close()

	var out []*models.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning assignment row: %w", err)
		}
		out = append(out, a)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterating assignment rows: %w", rows.Err())
	}
	return out, nil
}

func (t *pgTaskTx) SetTaskStatus(status models.TaskStatus) error {
	if _, err := t.tx.Exec(t.ctx, `UPDATE tasks SET status = $2 WHERE id = $1`, t.task.ID, status); err != nil {
		return fmt.Errorf("setting task %s status to %s: %w", t.task.ID, status, err)
	}
	t.task.Status = status
	return nil
}

func (t *pgTaskTx) InsertTaskResult(r *models.TaskResult) error {
	query := `
		INSERT INTO task_results (id, task_id, consensus_hash, total_submissions, matching_count, consensus_reached, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := t.tx.Exec(t.ctx, query,
		r.ID, r.TaskID, r.ConsensusHash, r.TotalSubmissions, r.MatchingCount, r.ConsensusReached, r.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.ErrTaskFinalized
		}
		return fmt.Errorf("inserting task result for %s: %w", r.TaskID, err)
	}
	return nil
}

func (t *pgTaskTx) AppendEarning(e *models.Earning) error {
	query := `INSERT INTO earnings (id, node_id, task_id, amount, created_at) VALUES ($1, $2, $3, $4, $5)`
	if _, err := t.tx.Exec(t.ctx, query, e.ID, e.NodeID, e.TaskID, e.Amount, e.CreatedAt); err != nil {
		return fmt.Errorf("appending earning for node %s: %w", e.NodeID, err)
	}
	return nil
}

// --- Trust records ---

const trustColumns = `node_id, score, total_tasks, successful_tasks, failed_tasks, canary_failures,
       banned, banned_at, ban_reason, last_failure_at, created_at, updated_at`

func scanTrust(row pgx.Row) (*models.TrustRecord, error) {
	tr := &models.TrustRecord{}
	var bannedAt, lastFailureAt sql.NullTime

	err := row.Scan(
		&tr.NodeID, &tr.Score, &tr.TotalTasks, &tr.SuccessfulTasks, &tr.FailedTasks,
		&tr.CanaryFailures, &tr.Banned, &bannedAt, &tr.BanReason, &lastFailureAt,
		&tr.CreatedAt, &tr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if bannedAt.Valid {
		tr.BannedAt = &bannedAt.Time
	}
	if lastFailureAt.Valid {
		tr.LastFailureAt = &lastFailureAt.Time
	}
	return tr, nil
}

// GetTrust returns the node's trust record, creating it at full score on
// first contact.
func (s *PostgresStore) GetTrust(ctx context.Context, nodeID string) (*models.TrustRecord, error) {
	insert := `INSERT INTO trust_records (node_id) VALUES ($1) ON CONFLICT (node_id) DO NOTHING`
	if _, err := s.db.Exec(ctx, insert, nodeID); err != nil {
		return nil, fmt.Errorf("initializing trust record for %s: %w", nodeID, err)
	}

	query := `SELECT ` + trustColumns + ` FROM trust_records WHERE node_id = $1`
	tr, err := scanTrust(s.db.QueryRow(ctx, query, nodeID))
	if err != nil {
		return nil, fmt.Errorf("getting trust record for %s: %w", nodeID, err)
	}
	return tr, nil
}

// UpdateTrust applies fn to the node's trust record under a row lock. The
// score is clamped before the update commits; fn returning an error rolls
// everything back.
func (s *PostgresStore) UpdateTrust(ctx context.Context, nodeID string, fn func(tr *models.TrustRecord) error) (*models.TrustRecord, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("beginning trust transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := `INSERT INTO trust_records (node_id) VALUES ($1) ON CONFLICT (node_id) DO NOTHING`
	if _, err := tx.Exec(ctx, insert, nodeID); err != nil {
		return nil, fmt.Errorf("initializing trust record for %s: %w", nodeID, err)
	}

	query := `SELECT ` + trustColumns + ` FROM trust_records WHERE node_id = $1 FOR UPDATE`
	tr, err := scanTrust(tx.QueryRow(ctx, query, nodeID))
	if err != nil {
		return nil, fmt.Errorf("locking trust record for %s: %w", nodeID, err)
	}

	if err := fn(tr); err != nil {
		return nil, err
	}
	tr.ClampScore()
	tr.UpdatedAt = time.Now().UTC()

	update := `
		UPDATE trust_records
		SET score = $2, total_tasks = $3, successful_tasks = $4, failed_tasks = $5,
		    canary_failures = $6, banned = $7, banned_at = $8, ban_reason = $9,
		    last_failure_at = $10, updated_at = $11
		WHERE node_id = $1
	`
	if _, err := tx.Exec(ctx, update,
		tr.NodeID, tr.Score, tr.TotalTasks, tr.SuccessfulTasks, tr.FailedTasks,
		tr.CanaryFailures, tr.Banned, tr.BannedAt, tr.BanReason, tr.LastFailureAt, tr.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("updating trust record for %s: %w", nodeID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing trust update for %s: %w", nodeID, err)
	}
	return tr, nil
}

// ListLowTrustNodes returns unbanned nodes below the score threshold with
// enough task volume to judge, for the offline integrity sweep.
func (s *PostgresStore) ListLowTrustNodes(ctx context.Context, scoreBelow float64, minTasks int) ([]*models.TrustRecord, error) {
	query := `
		SELECT ` + trustColumns + ` FROM trust_records
		WHERE NOT banned AND score < $1 AND total_tasks >= $2
		ORDER BY score ASC
	`
	rows, err := s.db.Query(ctx, query, scoreBelow, minTasks)
	if err != nil {
		return nil, fmt.Errorf("listing low-trust nodes: %w", err)
	}
	defer rows.Close()

	var out []*models.TrustRecord
	for rows.Next() {
		tr, err := scanTrust(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning trust row: %w", err)
		}
		out = append(out, tr)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterating trust rows: %w", rows.Err())
	}
	return out, nil
}

// RecentCompletedAssignments returns the node's latest completed submissions,
// newest first.
func (s *PostgresStore) RecentCompletedAssignments(ctx context.Context, nodeID string, limit int) ([]*models.Assignment, error) {
	query := `
		SELECT ` + assignmentColumns + ` FROM assignments
		WHERE node_id = $1 AND status = 'completed'
		ORDER BY completed_at DESC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent assignments for %s: %w", nodeID, err)
	}
	defer rows.Close()

	var out []*models.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning assignment row: %w", err)
		}
		out = append(out, a)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterating assignment rows: %w", rows.Err())
	}
	return out, nil
}

// ReapStaleAssignments times out assignments stuck past their task's
// max-execution window plus grace. Locked rows are skipped and picked up on
// the next sweep. Tasks left with no counting assignments drop back to the
// pending pool.
func (s *PostgresStore) ReapStaleAssignments(ctx context.Context, grace time.Duration) (int, error) {
	query := `
		WITH stale AS (
			SELECT a.id FROM assignments a
			JOIN tasks t ON t.id = a.task_id
			WHERE a.status IN ('assigned', 'processing')
			  AND a.assigned_at + (t.max_execution_ms + $1) * INTERVAL '1 millisecond' < NOW()
			FOR UPDATE OF a SKIP LOCKED
		)
		UPDATE assignments SET status = 'timeout', completed_at = NOW()
		WHERE id IN (SELECT id FROM stale)
	`
	tag, err := s.db.Exec(ctx, query, grace.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("reaping stale assignments: %w", err)
	}
	reaped := int(tag.RowsAffected())

	if reaped > 0 {
		reopen := `
			UPDATE tasks t SET status = 'pending'
			WHERE t.status = 'assigned'
			  AND NOT EXISTS (
				SELECT 1 FROM assignments a
				WHERE a.task_id = t.id
				  AND a.status IN ('assigned', 'processing', 'completed')
			  )
		`
		if _, err := s.db.Exec(ctx, reopen); err != nil {
			return reaped, fmt.Errorf("reopening reaped tasks: %w", err)
		}
		s.logger.Info("Reaped stale assignments", zap.Int("count", reaped))
	}
	return reaped, nil
}
