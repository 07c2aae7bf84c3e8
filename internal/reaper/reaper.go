package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Orius-AI/Orius-Node/internal/config"
	"github.com/Orius-AI/Orius-Node/internal/store"
)

// Reaper periodically times out assignments whose nodes went silent past
// their task's execution budget, releasing the redundancy slots so other
// nodes can claim the work.
type Reaper struct {
	store  store.Store
	cfg    config.ReaperConfig
	logger *zap.Logger
}

func New(st store.Store, cfg config.ReaperConfig, logger *zap.Logger) *Reaper {
	return &Reaper{store: st, cfg: cfg, logger: logger}
}

// Run sweeps on a fixed interval until ctx is cancelled. One failed sweep is
// logged and the loop keeps going; staleness only accumulates, it is never
// lost.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("Assignment reaper started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Duration("grace", r.cfg.Grace),
	)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Assignment reaper stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	released, err := r.store.ReapStaleAssignments(ctx, r.cfg.Grace)
	if err != nil {
		r.logger.Error("Failed to reap stale assignments", zap.Error(err))
		return
	}
	if released > 0 {
		r.logger.Info("Reaped stale assignments", zap.Int("released", released))
	}
}
