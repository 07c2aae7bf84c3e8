package nats_client

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Connect establishes a connection to the NATS server with robust reconnect
// logic. The dispatcher treats NATS as optional: callers may pass the
// resulting nil connection into NewPublisher and run in degraded mode.
func Connect(natsAddress string, logger *zap.Logger) (*nats.Conn, error) {
	logger.Info("Attempting to connect to NATS server", zap.String("address", natsAddress))

	nc, err := nats.Connect(
		natsAddress,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(50),
		nats.ReconnectWait(time.Second*5),
		nats.Timeout(10*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			} else {
				logger.Warn("NATS disconnected (no specific error)")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed permanently. Will not attempt to reconnect.")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS async error",
				zap.Stringp("subject", &sub.Subject),
				zap.Stringp("queue_group", &sub.Queue),
				zap.Error(err),
			)
		}),
	)

	if err != nil {
		logger.Error("Failed to connect to NATS after retries", zap.Error(err))
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", natsAddress, err)
	}

	logger.Info("Successfully connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}
