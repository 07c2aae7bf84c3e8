package nats_client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher emits grid lifecycle events. When the NATS connection is nil the
// publisher degrades to log-only mode so the dispatcher keeps serving.
type Publisher struct {
	nc            *nats.Conn
	subjectPrefix string
	logger        *zap.Logger
}

// NewPublisher wraps an optional NATS connection. nc may be nil.
func NewPublisher(nc *nats.Conn, subjectPrefix string, logger *zap.Logger) *Publisher {
	return &Publisher{nc: nc, subjectPrefix: subjectPrefix, logger: logger}
}

type taskCreatedEvent struct {
	TaskID    string    `json:"task_id"`
	TaskType  string    `json:"task_type"`
	Timestamp time.Time `json:"timestamp"`
}

type taskCompletedEvent struct {
	TaskID           string    `json:"task_id"`
	ConsensusReached bool      `json:"consensus_reached"`
	Timestamp        time.Time `json:"timestamp"`
}

type nodeBannedEvent struct {
	NodeID    string    `json:"node_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskCreated announces a freshly synthesized task entering the pool.
func (p *Publisher) TaskCreated(taskID, taskType string) {
	p.publish("tasks.created", taskCreatedEvent{
		TaskID:    taskID,
		TaskType:  taskType,
		Timestamp: time.Now().UTC(),
	})
}

// TaskCompleted announces a finalized task and whether consensus was reached.
func (p *Publisher) TaskCompleted(taskID string, consensusReached bool) {
	p.publish("tasks.completed", taskCompletedEvent{
		TaskID:           taskID,
		ConsensusReached: consensusReached,
		Timestamp:        time.Now().UTC(),
	})
}

// NodeBanned announces a node ban so downstream services can react.
func (p *Publisher) NodeBanned(nodeID, reason string) {
	p.publish("nodes.banned", nodeBannedEvent{
		NodeID:    nodeID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Publisher) publish(suffix string, event interface{}) {
	subject := fmt.Sprintf("%s.%s", p.subjectPrefix, suffix)
	if p.nc == nil {
		p.logger.Debug("NATS unavailable, event not published", zap.String("subject", subject))
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.nc.Publish(subject, payload); err != nil {
		p.logger.Error("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
