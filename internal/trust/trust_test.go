package trust

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Orius-AI/Orius-Node/internal/config"
	"github.com/Orius-AI/Orius-Node/internal/models"
	"github.com/Orius-AI/Orius-Node/internal/store"
)

type banRecorder struct {
	mu    sync.Mutex
	bans  []string
}

func (r *banRecorder) NodeBanned(nodeID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bans = append(r.bans, nodeID)
}

func testTrustConfig() config.TrustConfig {
	return config.TrustConfig{
		SuccessDelta:         0.5,
		CanarySuccessDelta:   1.5,
		FailurePenalty:       2,
		CanaryFailurePenalty: 12,
		AnomalyWindow:        20,
		AnomalyMinSample:     10,
		TimingStddevFloorMs:  25,
		SweepScoreThreshold:  40,
		SweepMinTasks:        20,
		SweepBanSuccessRate:  0.3,
	}
}

func newTestService(t *testing.T) (*Service, *store.MemoryStore, *banRecorder) {
	t.Helper()
	st := store.NewMemoryStore()
	rec := &banRecorder{}
	return NewService(st, testTrustConfig(), rec, zap.NewNop()), st, rec
}

func TestOnSuccessStaysAtCeiling(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	// A fresh node starts at the ceiling; success cannot push it past.
	if err := s.OnSuccess(ctx, "node-1", false); err != nil {
		t.Fatalf("on success: %v", err)
	}
	tr, _ := s.Record(ctx, "node-1")
	if tr.Score != models.TrustScoreMax {
		t.Errorf("score = %f, want %f", tr.Score, models.TrustScoreMax)
	}
	if tr.TotalTasks != 1 || tr.SuccessfulTasks != 1 {
		t.Errorf("counters = %d/%d", tr.SuccessfulTasks, tr.TotalTasks)
	}
}

func TestOnSuccessRecoversLostScore(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	if err := s.OnFailure(ctx, "node-1", FailureRegular); err != nil {
		t.Fatalf("on failure: %v", err)
	}
	tr, _ := s.Record(ctx, "node-1")
	if tr.Score != models.TrustScoreMax-2 {
		t.Fatalf("score after failure = %f", tr.Score)
	}

	if err := s.OnSuccess(ctx, "node-1", true); err != nil {
		t.Fatalf("on success: %v", err)
	}
	tr, _ = s.Record(ctx, "node-1")
	if tr.Score != models.TrustScoreMax-2+1.5 {
		t.Errorf("score after canary success = %f", tr.Score)
	}
}

func TestOnFailureScoreNeverBelowFloor(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		if err := s.OnFailure(ctx, "node-1", FailureRegular); err != nil {
			t.Fatalf("on failure: %v", err)
		}
	}
	tr, _ := s.Record(ctx, "node-1")
	if tr.Score != models.TrustScoreMin {
		t.Errorf("score = %f, want floor %f", tr.Score, models.TrustScoreMin)
	}
	if tr.Banned {
		t.Errorf("regular failures alone must not ban")
	}
}

func TestCanaryFailuresBanAtThreshold(t *testing.T) {
	s, _, rec := newTestService(t)
	ctx := context.Background()

	for i := 0; i < models.CanaryFailureBanLimit-1; i++ {
		if err := s.OnFailure(ctx, "node-1", FailureCanary); err != nil {
			t.Fatalf("on failure: %v", err)
		}
		tr, _ := s.Record(ctx, "node-1")
		if tr.Banned {
			t.Fatalf("banned after %d canary failures", i+1)
		}
	}

	if err := s.OnFailure(ctx, "node-1", FailureCanary); err != nil {
		t.Fatalf("threshold failure: %v", err)
	}
	tr, _ := s.Record(ctx, "node-1")
	if !tr.Banned {
		t.Fatalf("not banned at %d canary failures", models.CanaryFailureBanLimit)
	}
	if tr.EffectiveScore() != models.TrustScoreMin {
		t.Errorf("banned node effective score = %f", tr.EffectiveScore())
	}
	if tr.BannedAt == nil || tr.BanReason == "" {
		t.Errorf("ban metadata missing: %+v", tr)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.bans) != 1 || rec.bans[0] != "node-1" {
		t.Errorf("ban event not emitted exactly once: %v", rec.bans)
	}
}

func TestScoreReadsZeroForBanned(t *testing.T) {
	s, st, _ := newTestService(t)
	ctx := context.Background()

	if _, err := st.UpdateTrust(ctx, "node-1", func(tr *models.TrustRecord) error {
		tr.Banned = true
		tr.Score = 80
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	score, err := s.Score(ctx, "node-1")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score != 0 {
		t.Errorf("banned node score = %f, want 0", score)
	}
}

func seedCompleted(t *testing.T, st *store.MemoryStore, nodeID string, n int, verified bool, execMs int64, jitter int64) {
	t.Helper()
	base := time.Now().UTC()
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		task := &models.Task{
			ID:             uuid.New(),
			Type:           models.TaskTypeMatrixMultiply,
			Difficulty:     1,
			Redundancy:     1,
			MaxExecutionMs: 30000,
			Status:         models.TaskStatusPending,
			CreatedAt:      base,
			ExpiresAt:      base.Add(time.Hour),
		}
		if err := st.InsertTask(context.Background(), task); err != nil {
			t.Fatalf("insert task: %v", err)
		}
		if _, _, err := st.ClaimNextTask(context.Background(), nodeID, models.Capabilities{}); err != nil {
			t.Fatalf("claim: %v", err)
		}
		err := st.InTaskTx(context.Background(), task.ID, func(tx store.TaskTx) error {
			a, err := tx.AssignmentFor(nodeID)
			if err != nil {
				return err
			}
			a.Status = models.AssignmentStatusCompleted
			a.Verified = verified
			a.ExecutionTimeMs = execMs + int64(i)*jitter
			a.CompletedAt = &ts
			return tx.UpdateAssignment(a)
		})
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
}

func TestDetectAnomaliesFlagsLowSuccessRate(t *testing.T) {
	s, st, _ := newTestService(t)

	seedCompleted(t, st, "node-1", 12, false, 5000, 500)

	report, err := s.DetectAnomalies(context.Background(), "node-1")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !hasFlag(report.Flags, models.AnomalyLowSuccessRate) {
		t.Errorf("low success rate not flagged: %+v", report)
	}
}

func TestDetectAnomaliesFlagsUniformTiming(t *testing.T) {
	s, st, _ := newTestService(t)

	// Identical execution times across the window look scripted.
	seedCompleted(t, st, "node-1", 12, true, 5000, 0)

	report, err := s.DetectAnomalies(context.Background(), "node-1")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !hasFlag(report.Flags, models.AnomalyTimingFingerprint) {
		t.Errorf("uniform timing not flagged: %+v", report)
	}
	if hasFlag(report.Flags, models.AnomalyLowSuccessRate) {
		t.Errorf("healthy success rate flagged: %+v", report)
	}
}

func TestDetectAnomaliesRequiresMinimumSample(t *testing.T) {
	s, st, _ := newTestService(t)

	seedCompleted(t, st, "node-1", 3, false, 5000, 0)

	report, err := s.DetectAnomalies(context.Background(), "node-1")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(report.Flags) != 0 {
		t.Errorf("flags raised below minimum sample: %v", report.Flags)
	}
	if report.SampleSize != 3 {
		t.Errorf("sample size = %d", report.SampleSize)
	}
}

func TestRunIntegrityCheckClassifiesVerdicts(t *testing.T) {
	s, st, _ := newTestService(t)
	ctx := context.Background()

	// Low score, terrible success rate: ban candidate.
	if _, err := st.UpdateTrust(ctx, "bad-node", func(tr *models.TrustRecord) error {
		tr.Score = 20
		tr.TotalTasks = 30
		tr.SuccessfulTasks = 3
		tr.FailedTasks = 27
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Low score but decent success rate: monitor only.
	if _, err := st.UpdateTrust(ctx, "meh-node", func(tr *models.TrustRecord) error {
		tr.Score = 30
		tr.TotalTasks = 30
		tr.SuccessfulTasks = 20
		tr.FailedTasks = 10
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Healthy node: not listed at all.
	if _, err := st.UpdateTrust(ctx, "good-node", func(tr *models.TrustRecord) error {
		tr.TotalTasks = 30
		tr.SuccessfulTasks = 30
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	findings, err := s.RunIntegrityCheck(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}

	verdicts := make(map[string]models.IntegrityVerdict)
	for _, f := range findings {
		verdicts[f.NodeID] = f.Verdict
	}
	if verdicts["bad-node"] != models.VerdictBanCandidate {
		t.Errorf("bad-node verdict = %s", verdicts["bad-node"])
	}
	if verdicts["meh-node"] != models.VerdictMonitor {
		t.Errorf("meh-node verdict = %s", verdicts["meh-node"])
	}
	if _, listed := verdicts["good-node"]; listed {
		t.Errorf("healthy node swept up in integrity check")
	}
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
