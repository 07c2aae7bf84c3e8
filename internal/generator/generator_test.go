package generator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Orius-AI/Orius-Node/internal/config"
	"github.com/Orius-AI/Orius-Node/internal/integrity"
	"github.com/Orius-AI/Orius-Node/internal/models"
	"github.com/Orius-AI/Orius-Node/internal/store"
)

func newTestGenerator(t *testing.T) (*Generator, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	cfg := config.GeneratorConfig{
		MinPoolPerType:    5,
		PoolInterval:      time.Minute,
		DefaultRedundancy: 3,
		TaskTTL:           time.Hour,
		CanariesPerType:   2,
	}
	return NewGenerator(st, cfg, nil, zap.NewNop()), st
}

func TestEnsureTaskPoolTopsUpEveryType(t *testing.T) {
	g, st := newTestGenerator(t)
	ctx := context.Background()

	if err := g.EnsureTaskPool(ctx, 5); err != nil {
		t.Fatalf("top up: %v", err)
	}
	for _, taskType := range models.AllTaskTypes {
		pending, err := st.CountPendingTasks(ctx, taskType)
		if err != nil {
			t.Fatalf("count %s: %v", taskType, err)
		}
		if pending != 5 {
			t.Errorf("%s pool = %d, want 5", taskType, pending)
		}
	}
}

func TestEnsureTaskPoolIsIdempotentWhenFull(t *testing.T) {
	g, st := newTestGenerator(t)
	ctx := context.Background()

	if err := g.EnsureTaskPool(ctx, 5); err != nil {
		t.Fatalf("first top up: %v", err)
	}
	if err := g.EnsureTaskPool(ctx, 5); err != nil {
		t.Fatalf("second top up: %v", err)
	}
	pending, _ := st.CountPendingTasks(ctx, models.TaskTypeMatrixMultiply)
	if pending != 5 {
		t.Errorf("pool grew past target: %d", pending)
	}
}

func TestSynthesizeTaskDeterministicCarriesExpectedHash(t *testing.T) {
	g, _ := newTestGenerator(t)

	for _, taskType := range []models.TaskType{models.TaskTypeMatrixMultiply, models.TaskTypeHashIteration} {
		task, err := g.SynthesizeTask(taskType, 2)
		if err != nil {
			t.Fatalf("synthesize %s: %v", taskType, err)
		}
		if task.ExpectedOutputHash == nil {
			t.Errorf("%s task missing expected output hash", taskType)
		}
		if task.InputHash == "" {
			t.Errorf("%s task missing input hash", taskType)
		}
		if !json.Valid(task.InputPayload) {
			t.Errorf("%s payload is not valid JSON", taskType)
		}
	}
}

func TestSynthesizeTaskMLInferenceHasNoExpectedHash(t *testing.T) {
	g, _ := newTestGenerator(t)

	task, err := g.SynthesizeTask(models.TaskTypeMLInference, 1)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if task.ExpectedOutputHash != nil {
		t.Errorf("non-deterministic task carries an expected output hash")
	}
	if !task.RequiresGPU {
		t.Errorf("ml_inference should require GPU")
	}
}

func TestSynthesizeTaskRewardScalesWithDifficulty(t *testing.T) {
	g, _ := newTestGenerator(t)

	one, err := g.SynthesizeTask(models.TaskTypeMatrixMultiply, 1)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	three, err := g.SynthesizeTask(models.TaskTypeMatrixMultiply, 3)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if !three.Reward.Equal(one.Reward.Mul(decimal.NewFromInt(3))) {
		t.Errorf("reward did not scale: %s vs %s", one.Reward, three.Reward)
	}
	if three.MaxExecutionMs != one.MaxExecutionMs*3 {
		t.Errorf("execution budget did not scale")
	}
}

func TestSynthesizeTaskRejectsBadInput(t *testing.T) {
	g, _ := newTestGenerator(t)

	if _, err := g.SynthesizeTask("bogus", 1); !errors.Is(err, models.ErrInvalidTaskType) {
		t.Errorf("bogus type, err = %v", err)
	}
	if _, err := g.SynthesizeTask(models.TaskTypeMatrixMultiply, 0); !errors.Is(err, models.ErrInvalidTaskData) {
		t.Errorf("zero difficulty, err = %v", err)
	}
}

func TestCreateCanaryTaskKnownResultMatchesHash(t *testing.T) {
	g, _ := newTestGenerator(t)
	ctx := context.Background()

	canary, inserted, err := g.CreateCanaryTask(ctx, models.TaskTypeHashIteration)
	if err != nil {
		t.Fatalf("create canary: %v", err)
	}
	if !inserted {
		t.Fatalf("fresh canary not inserted")
	}
	if !strings.HasPrefix(canary.ID, models.CanaryIDPrefix) {
		t.Errorf("canary ID %q lacks the canary prefix", canary.ID)
	}

	// The stored ground truth must hash to the stored hash; this is the
	// exact comparison the verifier performs on submission.
	recomputed, err := integrity.CanonicalHash(canary.KnownResult)
	if err != nil {
		t.Fatalf("rehash: %v", err)
	}
	if recomputed != canary.KnownOutputHash {
		t.Errorf("known result does not hash to known output hash")
	}
	if canary.Reward.IsZero() {
		t.Errorf("canary reward is zero; envelopes would be distinguishable")
	}
}

func TestCreateCanaryTaskRejectsNonDeterministic(t *testing.T) {
	g, _ := newTestGenerator(t)

	_, _, err := g.CreateCanaryTask(context.Background(), models.TaskTypeMLInference)
	if !errors.Is(err, models.ErrCanaryNonDeterministic) {
		t.Errorf("ml_inference canary, err = %v", err)
	}
}

func TestSynthesizeIsSeedDeterministic(t *testing.T) {
	p1, e1, err := synthesize(models.TaskTypeMatrixMultiply, 2, 42)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	p2, e2, err := synthesize(models.TaskTypeMatrixMultiply, 2, 42)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}

	h1, _ := integrity.CanonicalHash(p1)
	h2, _ := integrity.CanonicalHash(p2)
	if h1 != h2 {
		t.Errorf("same seed produced different payloads")
	}
	r1, _ := integrity.CanonicalHash(e1)
	r2, _ := integrity.CanonicalHash(e2)
	if r1 != r2 {
		t.Errorf("same seed produced different expected results")
	}
}

func TestMultiplyMatrices(t *testing.T) {
	a := [][]int64{{1, 2}, {3, 4}}
	b := [][]int64{{5, 6}, {7, 8}}
	got := multiplyMatrices(a, b)
	want := [][]int64{{19, 22}, {43, 50}}
	for i := range want {
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				t.Fatalf("product[%d][%d] = %d, want %d", i, j, got[i][j], want[i][j])
			}
		}
	}
}
