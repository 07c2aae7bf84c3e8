package generator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Orius-AI/Orius-Node/internal/config"
	"github.com/Orius-AI/Orius-Node/internal/integrity"
	"github.com/Orius-AI/Orius-Node/internal/models"
	"github.com/Orius-AI/Orius-Node/internal/store"
)

// Per-type synthesis parameters: reward for difficulty 1 and the execution
// budget the dispatcher hands out with the task.
var taskProfiles = map[models.TaskType]struct {
	baseReward decimal.Decimal
	baseMaxMs  int64
	gpu        bool
}{
	models.TaskTypeMatrixMultiply: {baseReward: decimal.NewFromFloat(0.5), baseMaxMs: 30000, gpu: false},
	models.TaskTypeHashIteration:  {baseReward: decimal.NewFromFloat(0.3), baseMaxMs: 20000, gpu: false},
	models.TaskTypeMLInference:    {baseReward: decimal.NewFromFloat(2), baseMaxMs: 120000, gpu: true},
}

// Events receives generator notifications. A nil Events is ignored.
type Events interface {
	TaskCreated(taskID, taskType string)
}

// Generator synthesizes tasks and canary probes. For deterministic types it
// computes the expected result server-side at generation time and stores its
// canonical hash; non-deterministic types get no expected hash and fall back
// to majority consensus.
type Generator struct {
	store  store.Store
	cfg    config.GeneratorConfig
	events Events
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator creates a Generator. The rng seeds task inputs; the inputs
// themselves record their seed so any instance can be regenerated. events
// may be nil.
func NewGenerator(st store.Store, cfg config.GeneratorConfig, events Events, logger *zap.Logger) *Generator {
	return &Generator{
		store:  st,
		cfg:    cfg,
		events: events,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (g *Generator) randInt63() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Int63()
}

func (g *Generator) randDifficulty() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return 1 + g.rng.Intn(5)
}

// EnsureTaskPool tops up the pending pool per task type up to minPerType.
// It only ever inserts new rows, so concurrent calls are safe; the worst
// case is a briefly over-full pool.
func (g *Generator) EnsureTaskPool(ctx context.Context, minPerType int) error {
	for _, taskType := range models.AllTaskTypes {
		pending, err := g.store.CountPendingTasks(ctx, taskType)
		if err != nil {
			return fmt.Errorf("counting pending %s tasks: %w", taskType, err)
		}
		for i := pending; i < minPerType; i++ {
			task, err := g.SynthesizeTask(taskType, g.randDifficulty())
			if err != nil {
				return fmt.Errorf("synthesizing %s task: %w", taskType, err)
			}
			if err := g.store.InsertTask(ctx, task); err != nil {
				return fmt.Errorf("inserting %s task: %w", taskType, err)
			}
			if g.events != nil {
				g.events.TaskCreated(task.ID.String(), string(taskType))
			}
		}
		if pending < minPerType {
			g.logger.Debug("Topped up task pool",
				zap.String("type", string(taskType)),
				zap.Int("added", minPerType-pending),
			)
		}
	}
	return nil
}

// SynthesizeTask builds one task of the given type and difficulty with a
// fresh seed.
func (g *Generator) SynthesizeTask(taskType models.TaskType, difficulty int) (*models.Task, error) {
	profile, ok := taskProfiles[taskType]
	if !ok {
		return nil, models.ErrInvalidTaskType
	}
	if difficulty < 1 {
		return nil, models.ErrInvalidTaskData
	}

	seed := g.randInt63()
	payload, expected, err := synthesize(taskType, difficulty, seed)
	if err != nil {
		return nil, err
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling input payload: %w", err)
	}
	inputHash, err := integrity.CanonicalHash(payload)
	if err != nil {
		return nil, err
	}

	var expectedHash *string
	if expected != nil {
		h, err := integrity.CanonicalHash(expected)
		if err != nil {
			return nil, err
		}
		expectedHash = &h
	}

	now := time.Now().UTC()
	task := &models.Task{
		ID:                 uuid.New(),
		Type:               taskType,
		Difficulty:         difficulty,
		InputPayload:       payloadJSON,
		InputHash:          inputHash,
		ExpectedOutputHash: expectedHash,
		Reward:             profile.baseReward.Mul(decimal.NewFromInt(int64(difficulty))),
		MaxExecutionMs:     profile.baseMaxMs * int64(difficulty),
		RequiresGPU:        profile.gpu,
		Redundancy:         g.cfg.DefaultRedundancy,
		Status:             models.TaskStatusPending,
		CreatedAt:          now,
		ExpiresAt:          now.Add(g.cfg.TaskTTL),
	}
	return task, nil
}

// CreateCanaryTask generates a small, cheap instance of a deterministic type,
// computes the true result locally, and stores it under a canary-namespaced
// identifier derived from the input hash. Inserting an identical canary is a
// no-op. Canaries for non-deterministic types are an error, never silently
// substituted.
func (g *Generator) CreateCanaryTask(ctx context.Context, taskType models.TaskType) (*models.CanaryTask, bool, error) {
	if !taskType.IsValid() {
		return nil, false, models.ErrInvalidTaskType
	}
	if !taskType.Deterministic() {
		return nil, false, models.ErrCanaryNonDeterministic
	}

	seed := g.randInt63()
	payload, expected, err := synthesize(taskType, 1, seed)
	if err != nil {
		return nil, false, err
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshalling canary payload: %w", err)
	}
	resultJSON, err := json.Marshal(expected)
	if err != nil {
		return nil, false, fmt.Errorf("marshalling canary result: %w", err)
	}
	inputHash, err := integrity.CanonicalHash(payload)
	if err != nil {
		return nil, false, err
	}
	knownHash, err := integrity.CanonicalHash(expected)
	if err != nil {
		return nil, false, err
	}

	profile := taskProfiles[taskType]
	canary := &models.CanaryTask{
		ID:              models.CanaryIDPrefix + inputHash[:16],
		Type:            taskType,
		Difficulty:      1,
		InputPayload:    payloadJSON,
		InputHash:       inputHash,
		KnownOutputHash: knownHash,
		KnownResult:     resultJSON,
		Reward:          profile.baseReward,
		RequiresGPU:     profile.gpu,
		MaxExecutionMs:  profile.baseMaxMs,
		CreatedAt:       time.Now().UTC(),
	}

	inserted, err := g.store.InsertCanary(ctx, canary)
	if err != nil {
		return nil, false, err
	}
	return canary, inserted, nil
}

// Run drives the periodic pool top-up and canary seeding until ctx is done.
func (g *Generator) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.PoolInterval)
	defer ticker.Stop()

	g.topUp(ctx)
	for {
		select {
		case <-ctx.Done():
			g.logger.Info("Generator loop stopping")
			return
		case <-ticker.C:
			g.topUp(ctx)
		}
	}
}

func (g *Generator) topUp(ctx context.Context) {
	if err := g.EnsureTaskPool(ctx, g.cfg.MinPoolPerType); err != nil {
		g.logger.Error("Task pool top-up failed", zap.Error(err))
	}
	for _, taskType := range models.AllTaskTypes {
		if !taskType.Deterministic() {
			continue
		}
		for i := 0; i < g.cfg.CanariesPerType; i++ {
			if _, _, err := g.CreateCanaryTask(ctx, taskType); err != nil {
				g.logger.Error("Canary seeding failed",
					zap.String("type", string(taskType)),
					zap.Error(err),
				)
				break
			}
		}
	}
}

// synthesize builds the input payload and, for deterministic types, the
// expected result. Everything derives from the seed so a given instance can
// always be regenerated.
func synthesize(taskType models.TaskType, difficulty int, seed int64) (map[string]interface{}, map[string]interface{}, error) {
	rng := rand.New(rand.NewSource(seed))

	switch taskType {
	case models.TaskTypeMatrixMultiply:
		size := 2 + 2*difficulty
		a := randomMatrix(rng, size)
		b := randomMatrix(rng, size)
		payload := map[string]interface{}{
			"task": string(taskType),
			"seed": seed,
			"size": size,
			"a":    a,
			"b":    b,
		}
		expected := map[string]interface{}{
			"product": multiplyMatrices(a, b),
		}
		return payload, expected, nil

	case models.TaskTypeHashIteration:
		iterations := 1000 * difficulty
		seedBytes := make([]byte, 32)
		rng.Read(seedBytes)
		payload := map[string]interface{}{
			"task":       string(taskType),
			"seed":       seed,
			"seed_data":  hex.EncodeToString(seedBytes),
			"iterations": iterations,
		}
		expected := map[string]interface{}{
			"digest": iterateHash(seedBytes, iterations),
		}
		return payload, expected, nil

	case models.TaskTypeMLInference:
		input := make([]float64, 16*difficulty)
		for i := range input {
			// Two decimal places keeps the payload stable across JSON trips.
			input[i] = float64(rng.Intn(200)-100) / 100
		}
		payload := map[string]interface{}{
			"task":  string(taskType),
			"seed":  seed,
			"model": fmt.Sprintf("orius-embed-v1-d%d", difficulty),
			"input": input,
		}
		return payload, nil, nil

	default:
		return nil, nil, models.ErrInvalidTaskType
	}
}

func randomMatrix(rng *rand.Rand, size int) [][]int64 {
	m := make([][]int64, size)
	for i := range m {
		m[i] = make([]int64, size)
		for j := range m[i] {
			m[i][j] = int64(rng.Intn(19) - 9)
		}
	}
	return m
}

func multiplyMatrices(a, b [][]int64) [][]int64 {
	n := len(a)
	out := make([][]int64, n)
	for i := 0; i < n; i++ {
		out[i] = make([]int64, n)
		for j := 0; j < n; j++ {
			var sum int64
			for k := 0; k < n; k++ {
				sum += a[i][k] * b[k][j]
			}
			out[i][j] = sum
		}
	}
	return out
}

func iterateHash(seed []byte, iterations int) string {
	digest := seed
	for i := 0; i < iterations; i++ {
		sum := sha256.Sum256(digest)
		digest = sum[:]
	}
	return hex.EncodeToString(digest)
}
