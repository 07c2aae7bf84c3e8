package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Orius-AI/Orius-Node/internal/config"
	"github.com/Orius-AI/Orius-Node/internal/integrity"
	"github.com/Orius-AI/Orius-Node/internal/models"
	"github.com/Orius-AI/Orius-Node/internal/store"
	"github.com/Orius-AI/Orius-Node/internal/trust"
)

// Dispatcher hands out work to requesting nodes: admission control against
// the trust subsystem, probabilistic canary insertion, and the atomic task
// claim. All claim-time mutual exclusion lives in the store; the dispatcher
// holds no authoritative state of its own.
type Dispatcher struct {
	store  store.Store
	trust  *trust.Service
	cfg    config.DispatchConfig
	secret []byte
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewDispatcher creates a Dispatcher signing manifests with secret.
func NewDispatcher(st store.Store, ts *trust.Service, cfg config.DispatchConfig, secret []byte, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:  st,
		trust:  ts,
		cfg:    cfg,
		secret: secret,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextTask serves the node its next unit of work. Returns ErrNodeBanned or
// ErrTrustTooLow when admission fails (the caller must stop requesting for
// this node), ErrNoTaskAvailable when the pool has nothing eligible (the
// caller should back off), or a signed task envelope.
func (d *Dispatcher) NextTask(ctx context.Context, nodeID string, caps models.Capabilities) (*models.TaskEnvelope, error) {
	tr, err := d.trust.Record(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("admission check for %s: %w", nodeID, err)
	}
	if tr.Banned {
		return nil, models.ErrNodeBanned
	}
	if tr.EffectiveScore() < d.cfg.AdmissionFloor {
		return nil, models.ErrTrustTooLow
	}

	// Refresh the node's declared capabilities and last-seen on every
	// request; registration is an idempotent upsert.
	if _, err := d.store.UpsertNodeCapabilities(ctx, nodeID, caps); err != nil {
		return nil, fmt.Errorf("recording capabilities for %s: %w", nodeID, err)
	}

	if d.rollCanary() {
		envelope, err := d.nextCanary(ctx, nodeID, caps)
		if err == nil {
			return envelope, nil
		}
		if !errors.Is(err, models.ErrCanaryNotFound) {
			return nil, err
		}
		// Empty canary pool: fall through to normal dispatch.
	}

	task, _, err := d.store.ClaimNextTask(ctx, nodeID, caps)
	if err != nil {
		if errors.Is(err, models.ErrNoTaskAvailable) {
			return nil, models.ErrNoTaskAvailable
		}
		return nil, fmt.Errorf("claiming task for %s: %w", nodeID, err)
	}

	d.logger.Info("Task dispatched",
		zap.String("task_id", task.ID.String()),
		zap.String("node_id", nodeID),
		zap.String("type", string(task.Type)),
	)
	return d.envelopeForTask(task), nil
}

func (d *Dispatcher) rollCanary() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.Float64() < d.cfg.CanaryProbability
}

func (d *Dispatcher) nextCanary(ctx context.Context, nodeID string, caps models.Capabilities) (*models.TaskEnvelope, error) {
	canary, err := d.store.SampleCanary(ctx, caps.HasGPU)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("Canary dispatched",
		zap.String("canary_id", canary.ID),
		zap.String("node_id", nodeID),
	)
	return d.envelopeForCanary(canary), nil
}

// envelopeForTask strips server-only fields and signs the manifest.
func (d *Dispatcher) envelopeForTask(task *models.Task) *models.TaskEnvelope {
	signature := integrity.SignManifest(integrity.Manifest{
		TaskID:    task.ID.String(),
		Type:      task.Type,
		InputHash: task.InputHash,
		ExpiresAt: task.ExpiresAt,
	}, d.secret)

	return &models.TaskEnvelope{
		TaskID:         task.ID.String(),
		Type:           task.Type,
		Difficulty:     task.Difficulty,
		InputPayload:   task.InputPayload,
		InputHash:      task.InputHash,
		Reward:         task.Reward,
		MaxExecutionMs: task.MaxExecutionMs,
		RequiresGPU:    task.RequiresGPU,
		ExpiresAt:      task.ExpiresAt,
		Signature:      signature,
	}
}

// envelopeForCanary builds a canary envelope indistinguishable in shape from
// a real task. The known output hash never leaves the server; the verifier
// resolves it again from the canary ID on submission.
func (d *Dispatcher) envelopeForCanary(canary *models.CanaryTask) *models.TaskEnvelope {
	// Canaries carry no stored expiry; the manifest gets a synthetic
	// response window instead.
	expiresAt := time.Now().UTC().Add(3 * time.Duration(canary.MaxExecutionMs) * time.Millisecond)

	signature := integrity.SignManifest(integrity.Manifest{
		TaskID:    canary.ID,
		Type:      canary.Type,
		InputHash: canary.InputHash,
		ExpiresAt: expiresAt,
	}, d.secret)

	return &models.TaskEnvelope{
		TaskID:         canary.ID,
		Type:           canary.Type,
		Difficulty:     canary.Difficulty,
		InputPayload:   canary.InputPayload,
		InputHash:      canary.InputHash,
		Reward:         canary.Reward,
		MaxExecutionMs: canary.MaxExecutionMs,
		RequiresGPU:    canary.RequiresGPU,
		ExpiresAt:      expiresAt,
		Signature:      signature,
	}
}
