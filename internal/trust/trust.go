package trust

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/Orius-AI/Orius-Node/internal/config"
	"github.com/Orius-AI/Orius-Node/internal/models"
	"github.com/Orius-AI/Orius-Node/internal/store"
)

// FailureClass distinguishes a plain consensus mismatch from a failed canary
// probe; the two carry very different penalties.
type FailureClass int

const (
	FailureRegular FailureClass = iota
	FailureCanary
)

// Events receives trust-subsystem notifications. Implementations must be
// safe for concurrent use; a nil Events is ignored.
type Events interface {
	NodeBanned(nodeID, reason string)
}

// Service maintains the per-node reputation signal. Every mutation goes
// through the store's row-locked read-modify-write; nothing is cached in
// process.
type Service struct {
	store  store.Store
	cfg    config.TrustConfig
	events Events
	logger *zap.Logger
}

// NewService creates a trust service. events may be nil.
func NewService(st store.Store, cfg config.TrustConfig, events Events, logger *zap.Logger) *Service {
	return &Service{
		store:  st,
		cfg:    cfg,
		events: events,
		logger: logger,
	}
}

// Record returns the node's trust record, lazily created at full score.
func (s *Service) Record(ctx context.Context, nodeID string) (*models.TrustRecord, error) {
	return s.store.GetTrust(ctx, nodeID)
}

// Score returns the node's admission-facing score: banned nodes read as
// zero regardless of the stored value.
func (s *Service) Score(ctx context.Context, nodeID string) (float64, error) {
	tr, err := s.store.GetTrust(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	return tr.EffectiveScore(), nil
}

// OnSuccess nudges the score upward, clamped at the ceiling. Canary
// successes are worth more than regular ones.
func (s *Service) OnSuccess(ctx context.Context, nodeID string, canary bool) error {
	delta := s.cfg.SuccessDelta
	if canary {
		delta = s.cfg.CanarySuccessDelta
	}

	_, err := s.store.UpdateTrust(ctx, nodeID, func(tr *models.TrustRecord) error {
		tr.TotalTasks++
		tr.SuccessfulTasks++
		tr.Score += delta
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording success for %s: %w", nodeID, err)
	}
	return nil
}

// OnFailure applies the class-appropriate penalty, records the failure time,
// and escalates to a ban once canary failures reach the limit. The ban is
// applied in the same locked update as the penalty so two concurrent canary
// failures can never both observe a pre-threshold count.
func (s *Service) OnFailure(ctx context.Context, nodeID string, class FailureClass) error {
	penalty := s.cfg.FailurePenalty
	if class == FailureCanary {
		penalty = s.cfg.CanaryFailurePenalty
	}

	var banned bool
	var banReason string
	_, err := s.store.UpdateTrust(ctx, nodeID, func(tr *models.TrustRecord) error {
		now := time.Now().UTC()
		tr.TotalTasks++
		tr.FailedTasks++
		tr.Score -= penalty
		tr.LastFailureAt = &now

		if class == FailureCanary {
			tr.CanaryFailures++
			if tr.CanaryFailures >= models.CanaryFailureBanLimit && !tr.Banned {
				tr.Banned = true
				tr.BannedAt = &now
				tr.BanReason = fmt.Sprintf("%d canary verification failures", tr.CanaryFailures)
				banned = true
				banReason = tr.BanReason
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording failure for %s: %w", nodeID, err)
	}

	if banned {
		s.logger.Warn("Node banned",
			zap.String("node_id", nodeID),
			zap.String("reason", banReason),
		)
		if s.events != nil {
			s.events.NodeBanned(nodeID, banReason)
		}
	}
	return nil
}

// BanIfThreshold re-checks the canary-failure threshold and bans if crossed.
// OnFailure already escalates inline; this exists for administrative
// re-evaluation after external counter adjustments.
func (s *Service) BanIfThreshold(ctx context.Context, nodeID string) (bool, error) {
	var banned bool
	_, err := s.store.UpdateTrust(ctx, nodeID, func(tr *models.TrustRecord) error {
		if tr.CanaryFailures >= models.CanaryFailureBanLimit && !tr.Banned {
			now := time.Now().UTC()
			tr.Banned = true
			tr.BannedAt = &now
			tr.BanReason = fmt.Sprintf("%d canary verification failures", tr.CanaryFailures)
			banned = true
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("evaluating ban threshold for %s: %w", nodeID, err)
	}
	return banned, nil
}

// DetectAnomalies inspects the node's trailing submission window for two
// fingerprints: a success rate below half with enough samples, and
// suspiciously uniform execution times, which looks like scripted or
// replayed answers rather than real computation. Advisory only; it never
// bans by itself.
func (s *Service) DetectAnomalies(ctx context.Context, nodeID string) (*models.AnomalyReport, error) {
	recent, err := s.store.RecentCompletedAssignments(ctx, nodeID, s.cfg.AnomalyWindow)
	if err != nil {
		return nil, fmt.Errorf("loading recent submissions for %s: %w", nodeID, err)
	}

	report := &models.AnomalyReport{
		NodeID:     nodeID,
		SampleSize: len(recent),
	}
	if len(recent) == 0 {
		report.SuccessRate = 1.0
		return report, nil
	}

	verified := 0
	for _, a := range recent {
		if a.Verified {
			verified++
		}
	}
	report.SuccessRate = float64(verified) / float64(len(recent))
	report.ExecutionStddevMs = executionStddev(recent)

	if len(recent) >= s.cfg.AnomalyMinSample {
		if report.SuccessRate < 0.5 {
			report.Flags = append(report.Flags, models.AnomalyLowSuccessRate)
		}
		if report.ExecutionStddevMs < s.cfg.TimingStddevFloorMs {
			report.Flags = append(report.Flags, models.AnomalyTimingFingerprint)
		}
	}
	return report, nil
}

// RunIntegrityCheck sweeps nodes with below-threshold trust and enough task
// volume to judge, classifying each as a ban candidate or one to monitor.
// An offline periodic pass, not part of the request-serving path, and it
// does not ban anyone itself.
func (s *Service) RunIntegrityCheck(ctx context.Context) ([]models.IntegrityFinding, error) {
	records, err := s.store.ListLowTrustNodes(ctx, s.cfg.SweepScoreThreshold, s.cfg.SweepMinTasks)
	if err != nil {
		return nil, fmt.Errorf("listing low-trust nodes: %w", err)
	}

	findings := make([]models.IntegrityFinding, 0, len(records))
	for _, tr := range records {
		verdict := models.VerdictMonitor
		if tr.SuccessRate() < s.cfg.SweepBanSuccessRate {
			verdict = models.VerdictBanCandidate
		}
		findings = append(findings, models.IntegrityFinding{
			NodeID:      tr.NodeID,
			Score:       tr.Score,
			SuccessRate: tr.SuccessRate(),
			TotalTasks:  tr.TotalTasks,
			Verdict:     verdict,
		})
	}

	if len(findings) > 0 {
		s.logger.Info("Integrity check found low-trust nodes", zap.Int("count", len(findings)))
	}
	return findings, nil
}

func executionStddev(assignments []*models.Assignment) float64 {
	n := float64(len(assignments))
	if n < 2 {
		return 0
	}

	var sum float64
	for _, a := range assignments {
		sum += float64(a.ExecutionTimeMs)
	}
	mean := sum / n

	var sq float64
	for _, a := range assignments {
		d := float64(a.ExecutionTimeMs) - mean
		sq += d * d
	}
	return math.Sqrt(sq / (n - 1))
}
