package models

import "time"

// Trust score bounds and the canary-failure ban threshold.
const (
	TrustScoreMin         = 0.0
	TrustScoreMax         = 100.0
	CanaryFailureBanLimit = 3
)

// TrustRecord is the per-node reputation state. Score is clamped to
// [TrustScoreMin, TrustScoreMax] on every update. Banned is terminal for
// assignment eligibility; clearing it is an external administrative action.
type TrustRecord struct {
	NodeID          string     `json:"node_id" db:"node_id"`
	Score           float64    `json:"score" db:"score"`
	TotalTasks      int        `json:"total_tasks" db:"total_tasks"`
	SuccessfulTasks int        `json:"successful_tasks" db:"successful_tasks"`
	FailedTasks     int        `json:"failed_tasks" db:"failed_tasks"`
	CanaryFailures  int        `json:"canary_failures" db:"canary_failures"`
	Banned          bool       `json:"banned" db:"banned"`
	BannedAt        *time.Time `json:"banned_at,omitempty" db:"banned_at"`
	BanReason       string     `json:"ban_reason,omitempty" db:"ban_reason"`
	LastFailureAt   *time.Time `json:"last_failure_at,omitempty" db:"last_failure_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// NewTrustRecord initializes an unseen node at full score.
func NewTrustRecord(nodeID string) *TrustRecord {
	now := time.Now().UTC()
	return &TrustRecord{
		NodeID:    nodeID,
		Score:     TrustScoreMax,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ClampScore forces the score back into its bounds.
func (tr *TrustRecord) ClampScore() {
	if tr.Score > TrustScoreMax {
		tr.Score = TrustScoreMax
	}
	if tr.Score < TrustScoreMin {
		tr.Score = TrustScoreMin
	}
}

// EffectiveScore is the admission-facing score: banned nodes read as zero
// regardless of what is stored.
func (tr *TrustRecord) EffectiveScore() float64 {
	if tr.Banned {
		return TrustScoreMin
	}
	return tr.Score
}

// SuccessRate returns successful/total, or 1.0 for a node with no history.
func (tr *TrustRecord) SuccessRate() float64 {
	if tr.TotalTasks == 0 {
		return 1.0
	}
	return float64(tr.SuccessfulTasks) / float64(tr.TotalTasks)
}

// TrustInfo is the read-model returned by the trust endpoint.
type TrustInfo struct {
	NodeID          string  `json:"node_id"`
	Score           float64 `json:"score"`
	TotalTasks      int     `json:"total_tasks"`
	SuccessfulTasks int     `json:"successful_tasks"`
	FailedTasks     int     `json:"failed_tasks"`
	CanaryFailures  int     `json:"canary_failures"`
	Banned          bool    `json:"banned"`
}

// AnomalyReport is the advisory output of anomaly detection. It never bans
// by itself.
type AnomalyReport struct {
	NodeID            string   `json:"node_id"`
	Flags             []string `json:"flags"`
	SuccessRate       float64  `json:"success_rate"`
	SampleSize        int      `json:"sample_size"`
	ExecutionStddevMs float64  `json:"execution_stddev_ms"`
}

// Anomaly flag values.
const (
	AnomalyLowSuccessRate    = "low_success_rate"
	AnomalyTimingFingerprint = "timing_fingerprint"
)

// IntegrityVerdict classifies a node during the offline integrity sweep.
type IntegrityVerdict string

const (
	VerdictBanCandidate IntegrityVerdict = "ban_candidate"
	VerdictMonitor      IntegrityVerdict = "monitor"
)

// IntegrityFinding is one row of the batch integrity check output.
type IntegrityFinding struct {
	NodeID      string           `json:"node_id"`
	Score       float64          `json:"score"`
	SuccessRate float64          `json:"success_rate"`
	TotalTasks  int              `json:"total_tasks"`
	Verdict     IntegrityVerdict `json:"verdict"`
}
