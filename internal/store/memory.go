package store

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Orius-AI/Orius-Node/internal/models"
)

// MemoryStore is an in-memory Store for tests and single-node development.
// One mutex serializes every transaction-shaped operation, which trivially
// satisfies the per-task linearizability the interface promises. Reads hand
// out copies so callers can never mutate shared state.
type MemoryStore struct {
	mu          sync.Mutex
	tasks       map[uuid.UUID]*models.Task
	canaries    map[string]*models.CanaryTask
	assignments map[uuid.UUID]*models.Assignment
	trust       map[string]*models.TrustRecord
	results     map[uuid.UUID]*models.TaskResult
	nodes       map[string]*models.NodeRecord
	earnings    []*models.Earning
	rng         *rand.Rand
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[uuid.UUID]*models.Task),
		canaries:    make(map[string]*models.CanaryTask),
		assignments: make(map[uuid.UUID]*models.Assignment),
		trust:       make(map[string]*models.TrustRecord),
		results:     make(map[uuid.UUID]*models.TaskResult),
		nodes:       make(map[string]*models.NodeRecord),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Initialize is a no-op; the maps are created in the constructor.
func (s *MemoryStore) Initialize(ctx context.Context) error {
	return nil
}

// Close is a no-op; there are no external resources.
func (s *MemoryStore) Close() error {
	return nil
}

func copyTask(t *models.Task) *models.Task {
	cp := *t
	if t.ExpectedOutputHash != nil {
		h := *t.ExpectedOutputHash
		cp.ExpectedOutputHash = &h
	}
	return &cp
}

func copyAssignment(a *models.Assignment) *models.Assignment {
	cp := *a
	if a.CompletedAt != nil {
		ts := *a.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}

func copyTrust(tr *models.TrustRecord) *models.TrustRecord {
	cp := *tr
	if tr.BannedAt != nil {
		ts := *tr.BannedAt
		cp.BannedAt = &ts
	}
	if tr.LastFailureAt != nil {
		ts := *tr.LastFailureAt
		cp.LastFailureAt = &ts
	}
	return &cp
}

// --- Task pool ---

func (s *MemoryStore) InsertTask(ctx context.Context, task *models.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = copyTask(task)
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, models.ErrTaskNotFound
	}
	return copyTask(task), nil
}

func (s *MemoryStore) CountPendingTasks(ctx context.Context, taskType models.TaskType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	count := 0
	for _, t := range s.tasks {
		if t.Type == taskType && t.Status == models.TaskStatusPending && t.ExpiresAt.After(now) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) GetTaskResult(ctx context.Context, taskID uuid.UUID) (*models.TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.results[taskID]
	if !ok {
		return nil, models.ErrTaskNotFound
	}
	cp := *r
	return &cp, nil
}

// --- Canary pool ---

func (s *MemoryStore) InsertCanary(ctx context.Context, canary *models.CanaryTask) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.canaries[canary.ID]; exists {
		return false, nil
	}
	cp := *canary
	s.canaries[canary.ID] = &cp
	return true, nil
}

func (s *MemoryStore) GetCanary(ctx context.Context, id string) (*models.CanaryTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.canaries[id]
	if !ok {
		return nil, models.ErrCanaryNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) SampleCanary(ctx context.Context, hasGPU bool) (*models.CanaryTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pool []*models.CanaryTask
	for _, c := range s.canaries {
		if c.RequiresGPU && !hasGPU {
			continue
		}
		pool = append(pool, c)
	}
	if len(pool) == 0 {
		return nil, models.ErrCanaryNotFound
	}
	cp := *pool[s.rng.Intn(len(pool))]
	return &cp, nil
}

// --- Node registry ---

func (s *MemoryStore) UpsertNodeCapabilities(ctx context.Context, nodeID string, caps models.Capabilities) (*models.NodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	tags := caps.Tags
	if tags == nil {
		tags = []string{}
	}

	node, ok := s.nodes[nodeID]
	if !ok {
		node = &models.NodeRecord{NodeID: nodeID, RegisteredAt: now}
		s.nodes[nodeID] = node
	}
	node.HasGPU = caps.HasGPU
	node.Capabilities = tags
	node.LastSeenAt = now

	cp := *node
	return &cp, nil
}

func (s *MemoryStore) GetNode(ctx context.Context, nodeID string) (*models.NodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return nil, models.ErrNodeNotFound
	}
	cp := *node
	return &cp, nil
}

// --- Dispatch ---

func (s *MemoryStore) ClaimNextTask(ctx context.Context, nodeID string, caps models.Capabilities) (*models.Task, *models.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var candidates []*models.Task
	for _, t := range s.tasks {
		if t.Status != models.TaskStatusPending && t.Status != models.TaskStatusAssigned {
			continue
		}
		if !t.ExpiresAt.After(now) {
			continue
		}
		if t.RequiresGPU && !caps.HasGPU {
			continue
		}
		if s.countingAssignmentsLocked(t.ID) >= t.Redundancy {
			continue
		}
		if s.nodeHoldsSlotLocked(t.ID, nodeID) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, nil, models.ErrNoTaskAvailable
	}

	sort.Slice(candidates, func(i, j int) bool {
		if cmp := candidates[i].Reward.Cmp(candidates[j].Reward); cmp != 0 {
			return cmp > 0
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	task := candidates[0]
	assignment := &models.Assignment{
		ID:         uuid.New(),
		TaskID:     task.ID,
		NodeID:     nodeID,
		Status:     models.AssignmentStatusAssigned,
		AssignedAt: now,
	}
	s.assignments[assignment.ID] = copyAssignment(assignment)

	if task.Status == models.TaskStatusPending {
		task.Status = models.TaskStatusAssigned
	}
	return copyTask(task), assignment, nil
}

func (s *MemoryStore) countingAssignmentsLocked(taskID uuid.UUID) int {
	count := 0
	for _, a := range s.assignments {
		if a.TaskID == taskID && a.Status.CountsTowardRedundancy() {
			count++
		}
	}
	return count
}

func (s *MemoryStore) nodeHoldsSlotLocked(taskID uuid.UUID, nodeID string) bool {
	for _, a := range s.assignments {
		if a.TaskID == taskID && a.NodeID == nodeID && a.Status.CountsTowardRedundancy() {
			return true
		}
	}
	return false
}

// --- Submission transaction ---

// memTaskTx stages mutations against copies; nothing touches the shared maps
// until the callback succeeds, giving the same commit-or-rollback behavior
// as the Postgres transaction.
type memTaskTx struct {
	store             *MemoryStore
	task              *models.Task
	stagedAssignments map[uuid.UUID]*models.Assignment
	stagedStatus      *models.TaskStatus
	stagedResult      *models.TaskResult
	stagedEarnings    []*models.Earning
}

func (s *MemoryStore) InTaskTx(ctx context.Context, taskID uuid.UUID, fn func(tx TaskTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return models.ErrTaskNotFound
	}

	tx := &memTaskTx{
		store:             s,
		task:              copyTask(task),
		stagedAssignments: make(map[uuid.UUID]*models.Assignment),
	}
	if err := fn(tx); err != nil {
		return err
	}

	// Commit staged writes.
	for id, a := range tx.stagedAssignments {
		s.assignments[id] = copyAssignment(a)
	}
	if tx.stagedStatus != nil {
		task.Status = *tx.stagedStatus
	}
	if tx.stagedResult != nil {
		cp := *tx.stagedResult
		s.results[cp.TaskID] = &cp
	}
	for _, e := range tx.stagedEarnings {
		cp := *e
		s.earnings = append(s.earnings, &cp)
	}
	return nil
}

func (t *memTaskTx) Task() *models.Task {
	return t.task
}

func (t *memTaskTx) AssignmentFor(nodeID string) (*models.Assignment, error) {
	var latest *models.Assignment
	for _, a := range t.store.assignments {
		if a.TaskID != t.task.ID || a.NodeID != nodeID {
			continue
		}
		if staged, ok := t.stagedAssignments[a.ID]; ok {
			a = staged
		}
		if latest == nil || a.AssignedAt.After(latest.AssignedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, models.ErrAssignmentNotFound
	}
	return copyAssignment(latest), nil
}

func (t *memTaskTx) UpdateAssignment(a *models.Assignment) error {
	if _, ok := t.store.assignments[a.ID]; !ok {
		return models.ErrAssignmentNotFound
	}
	t.stagedAssignments[a.ID] = copyAssignment(a)
	return nil
}

func (t *memTaskTx) CompletedAssignments() ([]*models.Assignment, error) {
	var out []*models.Assignment
	for _, a := range t.store.assignments {
		if a.TaskID != t.task.ID {
			continue
		}
		if staged, ok := t.stagedAssignments[a.ID]; ok {
			a = staged
		}
		if a.Status == models.AssignmentStatusCompleted {
			out = append(out, copyAssignment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].CompletedAt, out[j].CompletedAt
		if ti == nil || tj == nil {
			return tj == nil
		}
		return ti.Before(*tj)
	})
	return out, nil
}

func (t *memTaskTx) SetTaskStatus(status models.TaskStatus) error {
	t.stagedStatus = &status
	t.task.Status = status
	return nil
}

func (t *memTaskTx) InsertTaskResult(r *models.TaskResult) error {
	if _, exists := t.store.results[r.TaskID]; exists || t.stagedResult != nil {
		return models.ErrTaskFinalized
	}
	cp := *r
	t.stagedResult = &cp
	return nil
}

func (t *memTaskTx) AppendEarning(e *models.Earning) error {
	cp := *e
	t.stagedEarnings = append(t.stagedEarnings, &cp)
	return nil
}

// --- Trust records ---

func (s *MemoryStore) getOrCreateTrustLocked(nodeID string) *models.TrustRecord {
	tr, ok := s.trust[nodeID]
	if !ok {
		tr = models.NewTrustRecord(nodeID)
		s.trust[nodeID] = tr
	}
	return tr
}

func (s *MemoryStore) GetTrust(ctx context.Context, nodeID string) (*models.TrustRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyTrust(s.getOrCreateTrustLocked(nodeID)), nil
}

func (s *MemoryStore) UpdateTrust(ctx context.Context, nodeID string, fn func(tr *models.TrustRecord) error) (*models.TrustRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.getOrCreateTrustLocked(nodeID)
	staged := copyTrust(current)
	if err := fn(staged); err != nil {
		return nil, err
	}
	staged.ClampScore()
	staged.UpdatedAt = time.Now().UTC()

	s.trust[nodeID] = staged
	return copyTrust(staged), nil
}

func (s *MemoryStore) ListLowTrustNodes(ctx context.Context, scoreBelow float64, minTasks int) ([]*models.TrustRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.TrustRecord
	for _, tr := range s.trust {
		if !tr.Banned && tr.Score < scoreBelow && tr.TotalTasks >= minTasks {
			out = append(out, copyTrust(tr))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out, nil
}

func (s *MemoryStore) RecentCompletedAssignments(ctx context.Context, nodeID string, limit int) ([]*models.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Assignment
	for _, a := range s.assignments {
		if a.NodeID == nodeID && a.Status == models.AssignmentStatusCompleted {
			out = append(out, copyAssignment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].CompletedAt, out[j].CompletedAt
		if ti == nil || tj == nil {
			return ti != nil
		}
		return ti.After(*tj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ReapStaleAssignments(ctx context.Context, grace time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	reaped := 0
	for _, a := range s.assignments {
		if !a.Status.Active() {
			continue
		}
		task, ok := s.tasks[a.TaskID]
		if !ok {
			continue
		}
		deadline := a.AssignedAt.Add(time.Duration(task.MaxExecutionMs)*time.Millisecond + grace)
		if now.After(deadline) {
			a.Status = models.AssignmentStatusTimeout
			ts := now
			a.CompletedAt = &ts
			reaped++
		}
	}

	if reaped > 0 {
		for _, t := range s.tasks {
			if t.Status == models.TaskStatusAssigned && s.countingAssignmentsLocked(t.ID) == 0 {
				t.Status = models.TaskStatusPending
			}
		}
	}
	return reaped, nil
}
