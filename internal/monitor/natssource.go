package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kerntest/orchestrator/internal/models"
)

// NatsPlanSource reads execution plans from a NATS JetStream stream fed by
// the submission front end. It uses a durable pull consumer so plans
// survive orchestrator restarts and each plan is delivered once per queue
// group.
type NatsPlanSource struct {
	logger       *zap.Logger
	subscription *nats.Subscription
}

// NewNatsPlanSource creates a durable pull subscription on the plan
// subject. The stream is expected to exist and capture the subject.
func NewNatsPlanSource(nc *nats.Conn, subject, queueGroup string, logger *zap.Logger) (*NatsPlanSource, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	durableName := queueGroup + "_plans"
	sub, err := js.PullSubscribe(
		subject,
		durableName,
		nats.AckWait(60*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull subscription on %s: %w", subject, err)
	}

	logger.Info("Subscribed to execution plan stream",
		zap.String("subject", subject),
		zap.String("durable_consumer", durableName),
	)
	return &NatsPlanSource{logger: logger, subscription: sub}, nil
}

// FetchPlans pulls up to max plan messages. Messages that do not decode
// are acknowledged anyway so a poison pill cannot wedge the stream.
func (s *NatsPlanSource) FetchPlans(ctx context.Context, max int) ([]*models.ExecutionPlan, error) {
	msgs, err := s.subscription.Fetch(max, nats.Context(ctx))
	if err != nil {
		if err == nats.ErrTimeout || err == context.DeadlineExceeded {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching plan messages: %w", err)
	}

	plans := make([]*models.ExecutionPlan, 0, len(msgs))
	for _, msg := range msgs {
		var plan models.ExecutionPlan
		if err := json.Unmarshal(msg.Data, &plan); err != nil {
			s.logger.Error("Failed to unmarshal execution plan, discarding message",
				zap.Error(err),
				zap.ByteString("raw_data", msg.Data),
			)
			if ackErr := msg.Ack(); ackErr != nil {
				s.logger.Error("Failed to ACK undecodable plan message", zap.Error(ackErr))
			}
			continue
		}
		if ackErr := msg.Ack(); ackErr != nil {
			s.logger.Error("Failed to ACK plan message",
				zap.String("plan_id", plan.PlanID.String()),
				zap.Error(ackErr),
			)
		}
		plans = append(plans, &plan)
	}
	return plans, nil
}

// Close drains the subscription.
func (s *NatsPlanSource) Close() {
	if s.subscription == nil {
		return
	}
	if err := s.subscription.Drain(); err != nil {
		s.logger.Error("Error draining plan subscription", zap.Error(err))
		if unsubErr := s.subscription.Unsubscribe(); unsubErr != nil {
			s.logger.Error("Error unsubscribing plan consumer after drain failed", zap.Error(unsubErr))
		}
	}
}
