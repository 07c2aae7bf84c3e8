package models

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// TaskRequest is the body of POST /api/v1/tasks/request.
type TaskRequest struct {
	NodeID       string       `json:"node_id"`
	Capabilities Capabilities `json:"capabilities"`
}

// SubmitRequest is the body of POST /api/v1/tasks/{taskID}/submit.
// Signature is only consulted when submission-side manifest verification is
// enabled in config.
type SubmitRequest struct {
	NodeID          string          `json:"node_id"`
	Result          json.RawMessage `json:"result"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	Signature       string          `json:"signature,omitempty"`
}

// SubmitOutcome is the result of one submission: whether it verified, what
// it paid, and the canonical hash the verifier computed for it.
type SubmitOutcome struct {
	Verified       bool            `json:"verified"`
	CreditsAwarded decimal.Decimal `json:"credits_awarded"`
	ResultHash     string          `json:"result_hash"`
	Finalized      bool            `json:"finalized"`
}

// RegisterCapabilitiesRequest is the body of
// PUT /api/v1/nodes/{nodeID}/capabilities.
type RegisterCapabilitiesRequest struct {
	Capabilities Capabilities `json:"capabilities"`
}
