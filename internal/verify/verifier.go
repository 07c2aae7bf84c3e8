package verify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Orius-AI/Orius-Node/internal/config"
	"github.com/Orius-AI/Orius-Node/internal/integrity"
	"github.com/Orius-AI/Orius-Node/internal/models"
	"github.com/Orius-AI/Orius-Node/internal/store"
	"github.com/Orius-AI/Orius-Node/internal/trust"
)

// Events receives verifier notifications. A nil Events is ignored.
type Events interface {
	TaskCompleted(taskID string, consensusReached bool)
}

// Verifier evaluates submitted results: timing plausibility, canary
// ground-truth matching, deterministic-hash verification and majority
// consensus. Every consensus-state mutation happens inside one task-row
// transaction so concurrent submissions serialize and failures roll back
// with no partial state.
type Verifier struct {
	store  store.Store
	trust  *trust.Service
	cfg    config.VerificationConfig
	secret []byte
	events Events
	logger *zap.Logger
}

// NewVerifier creates a Verifier. events may be nil.
func NewVerifier(st store.Store, ts *trust.Service, cfg config.VerificationConfig, secret []byte, events Events, logger *zap.Logger) *Verifier {
	return &Verifier{
		store:  st,
		trust:  ts,
		cfg:    cfg,
		secret: secret,
		events: events,
		logger: logger,
	}
}

// SubmitResult processes one submission from a node. Canary submissions
// route purely into the trust subsystem; regular submissions go through the
// consensus transaction. Plausibility and signature checks happen before any
// state is touched.
func (v *Verifier) SubmitResult(ctx context.Context, nodeID, taskID string, req *models.SubmitRequest) (*models.SubmitOutcome, error) {
	if len(req.Result) == 0 || !json.Valid(req.Result) {
		return nil, models.ErrInvalidResult
	}

	if strings.HasPrefix(taskID, models.CanaryIDPrefix) {
		return v.submitCanary(ctx, nodeID, taskID, req)
	}
	return v.submitRegular(ctx, nodeID, taskID, req)
}

// submitCanary compares the result against the known output hash. No credit,
// no consensus bookkeeping; the outcome feeds the trust signal only.
func (v *Verifier) submitCanary(ctx context.Context, nodeID, canaryID string, req *models.SubmitRequest) (*models.SubmitOutcome, error) {
	canary, err := v.store.GetCanary(ctx, canaryID)
	if err != nil {
		return nil, err
	}

	if err := v.checkPlausibility(canary.Type, canary.Difficulty, req.ExecutionTimeMs); err != nil {
		return nil, err
	}

	resultHash, err := integrity.CanonicalHash(req.Result)
	if err != nil {
		return nil, models.ErrInvalidResult
	}

	matched := resultHash == canary.KnownOutputHash
	if matched {
		if err := v.trust.OnSuccess(ctx, nodeID, true); err != nil {
			return nil, err
		}
	} else {
		v.logger.Warn("Canary mismatch",
			zap.String("canary_id", canaryID),
			zap.String("node_id", nodeID),
		)
		if err := v.trust.OnFailure(ctx, nodeID, trust.FailureCanary); err != nil {
			return nil, err
		}
	}

	return &models.SubmitOutcome{
		Verified:       matched,
		CreditsAwarded: decimal.Zero,
		ResultHash:     resultHash,
	}, nil
}

func (v *Verifier) submitRegular(ctx context.Context, nodeID, taskID string, req *models.SubmitRequest) (*models.SubmitOutcome, error) {
	id, err := uuid.Parse(taskID)
	if err != nil {
		return nil, models.ErrTaskNotFound
	}

	// Cheap fail-fast reads before opening the consensus transaction.
	task, err := v.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := v.checkPlausibility(task.Type, task.Difficulty, req.ExecutionTimeMs); err != nil {
		return nil, err
	}
	if v.cfg.RequireSignature {
		if req.Signature == "" {
			return nil, models.ErrMissingSignature
		}
		manifest := integrity.Manifest{
			TaskID:    task.ID.String(),
			Type:      task.Type,
			InputHash: task.InputHash,
			ExpiresAt: task.ExpiresAt,
		}
		if !integrity.VerifyManifest(manifest, v.secret, req.Signature) {
			return nil, models.ErrInvalidSignature
		}
	}

	resultHash, err := integrity.CanonicalHash(req.Result)
	if err != nil {
		return nil, models.ErrInvalidResult
	}

	outcome := &models.SubmitOutcome{ResultHash: resultHash, CreditsAwarded: decimal.Zero}
	var consensusReached bool

	err = v.store.InTaskTx(ctx, id, func(tx store.TaskTx) error {
		task := tx.Task()

		assignment, err := tx.AssignmentFor(nodeID)
		if err != nil {
			return err
		}
		if assignment.Status == models.AssignmentStatusCompleted {
			return models.ErrAlreadySubmitted
		}
		// A reaped (or otherwise failed) assignment no longer holds a
		// redundancy slot; accepting it would overfill the task and pay
		// for a slot another node may now legitimately occupy.
		if !assignment.Status.Active() {
			return models.ErrAssignmentTimedOut
		}
		if task.Status == models.TaskStatusCompleted {
			return models.ErrTaskFinalized
		}

		// Record the submission.
		now := time.Now().UTC()
		assignment.Status = models.AssignmentStatusCompleted
		assignment.ResultPayload = req.Result
		assignment.ResultHash = resultHash
		assignment.ExecutionTimeMs = req.ExecutionTimeMs
		assignment.CompletedAt = &now

		completed, err := tx.CompletedAssignments()
		if err != nil {
			return err
		}
		completed = append(completed, assignment)

		counts := hashFrequencies(completed)
		modalHash, modalCount := modal(counts)

		verified := v.isVerified(task, resultHash, counts)
		if verified {
			assignment.Verified = true
			assignment.CreditsAwarded = task.Reward
		}
		if err := tx.UpdateAssignment(assignment); err != nil {
			return err
		}
		if verified {
			if err := tx.AppendEarning(&models.Earning{
				ID:        uuid.New(),
				NodeID:    nodeID,
				TaskID:    task.ID,
				Amount:    task.Reward,
				CreatedAt: now,
			}); err != nil {
				return err
			}
			outcome.CreditsAwarded = task.Reward
		}
		outcome.Verified = verified

		// Finalize exactly once, inside the same locked transaction as the
		// submission that crosses the redundancy threshold.
		if len(completed) >= task.Redundancy {
			consensusReached = modalCount >= task.ConsensusQuorum()
			if task.ExpectedOutputHash != nil {
				consensusReached = consensusReached && modalHash == *task.ExpectedOutputHash
			}

			if err := tx.SetTaskStatus(models.TaskStatusCompleted); err != nil {
				return err
			}
			if err := tx.InsertTaskResult(&models.TaskResult{
				ID:               uuid.New(),
				TaskID:           task.ID,
				ConsensusHash:    modalHash,
				TotalSubmissions: len(completed),
				MatchingCount:    modalCount,
				ConsensusReached: consensusReached,
				CreatedAt:        now,
			}); err != nil {
				return err
			}
			outcome.Finalized = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Trust reacts after the submission committed; a trust write failure
	// must not unwind an already-recorded submission.
	if outcome.Verified {
		if err := v.trust.OnSuccess(ctx, nodeID, false); err != nil {
			v.logger.Error("Trust success update failed", zap.String("node_id", nodeID), zap.Error(err))
		}
	} else {
		if err := v.trust.OnFailure(ctx, nodeID, trust.FailureRegular); err != nil {
			v.logger.Error("Trust failure update failed", zap.String("node_id", nodeID), zap.Error(err))
		}
	}

	if outcome.Finalized {
		v.logger.Info("Task finalized",
			zap.String("task_id", taskID),
			zap.Bool("consensus_reached", consensusReached),
		)
		if v.events != nil {
			v.events.TaskCompleted(taskID, consensusReached)
		}
	}
	return outcome, nil
}

// isVerified applies the verification rule for this submission given the
// hash-frequency distribution across all completed submissions.
//
// Deterministic tasks: the submission must match the stored expected hash
// and that hash must also be the most frequent; a single lucky match is not
// consensus when the bulk of the pool disagrees (a lone submission still
// wins by default). Non-deterministic tasks: the submission's hash must be
// modal and its count must reach half the redundancy target, rounded up.
func (v *Verifier) isVerified(task *models.Task, resultHash string, counts map[string]int) bool {
	if task.ExpectedOutputHash != nil {
		if resultHash != *task.ExpectedOutputHash {
			return false
		}
		return isModal(counts, resultHash)
	}

	if !isModal(counts, resultHash) {
		return false
	}
	return counts[resultHash] >= task.ConsensusQuorum()
}

func (v *Verifier) checkPlausibility(taskType models.TaskType, difficulty int, claimedMs int64) error {
	window, ok := v.cfg.Plausibility[string(taskType)]
	if !ok {
		return nil
	}
	if claimedMs < window.MinMs*int64(difficulty) {
		return models.ErrExecutionTooFast
	}
	if claimedMs > window.MaxMs*int64(difficulty) {
		return models.ErrExecutionTooSlow
	}
	return nil
}

func hashFrequencies(completed []*models.Assignment) map[string]int {
	counts := make(map[string]int, len(completed))
	for _, a := range completed {
		if a.ResultHash != "" {
			counts[a.ResultHash]++
		}
	}
	return counts
}

// modal returns the most frequent hash and its count. Ties break toward the
// lexicographically smallest hash so the choice is deterministic across
// replicas.
func modal(counts map[string]int) (string, int) {
	var bestHash string
	bestCount := 0
	for h, c := range counts {
		if c > bestCount || (c == bestCount && (bestHash == "" || h < bestHash)) {
			bestHash = h
			bestCount = c
		}
	}
	return bestHash, bestCount
}

// isModal reports whether hash's count is at least as large as every other
// hash's count.
func isModal(counts map[string]int, hash string) bool {
	own := counts[hash]
	if own == 0 {
		return false
	}
	for _, c := range counts {
		if c > own {
			return false
		}
	}
	return true
}
