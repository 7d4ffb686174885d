// Package dispatch is the message-broker abstraction used for agent commands
// and lifecycle event fan-out. The broker is ephemeral signaling only; the
// relational store stays the single source of truth.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/avas-r/jobmesh/internal/domain"
	"github.com/avas-r/jobmesh/internal/kafka"
	"github.com/avas-r/jobmesh/pkg/retry"
	"github.com/avas-r/jobmesh/pkg/telemetry"
)

// Topic naming. Commands are point-to-point (one topic per agent, consumed
// by exactly one agent process); events fan out per lifecycle status.
func CommandTopic(agentID string) string { return "agent." + agentID + ".command" }

func ExecutionEventTopic(status domain.ExecutionStatus) string {
	return "job.execution." + string(status)
}

func AgentEventTopic(event string) string { return "agent." + event }

// Channel is the dispatch handle constructed once at process start and passed
// by dependency injection into everything that publishes. Delivery is
// at-least-once; consumers must treat handlers as idempotent.
type Channel struct {
	producer kafka.Producer
	logger   *slog.Logger
}

// NewChannel wraps a Kafka producer as a dispatch channel.
func NewChannel(producer kafka.Producer, logger *slog.Logger) *Channel {
	return &Channel{producer: producer, logger: logger}
}

// SendCommand publishes a command to the target agent's topic. If the agent
// is disconnected the command sits on the topic until it reconnects, or is
// simply never consumed; cancellation is best effort.
func (c *Channel) SendCommand(ctx context.Context, agentID string, cmd Command) error {
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now().UTC()
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	key := cmd.ExecutionID
	if key == "" {
		key = cmd.ItemID
	}
	if err := c.publish(ctx, CommandTopic(agentID), key, raw); err != nil {
		return err
	}
	telemetry.CommandsSent.WithLabelValues(string(cmd.Action)).Inc()
	return nil
}

// PublishExecutionEvent fans out a job.execution.<status> lifecycle event.
func (c *Channel) PublishExecutionEvent(ctx context.Context, tenantID, executionID string, status domain.ExecutionStatus) error {
	return c.publishEvent(ctx, ExecutionEventTopic(status), Event{
		EventType: "job.execution",
		TenantID:  tenantID,
		EntityID:  executionID,
		Status:    string(status),
	})
}

// PublishAgentEvent fans out an agent.<event> lifecycle event.
func (c *Channel) PublishAgentEvent(ctx context.Context, tenantID, agentID, event string) error {
	return c.publishEvent(ctx, AgentEventTopic(event), Event{
		EventType: "agent",
		TenantID:  tenantID,
		EntityID:  agentID,
		Status:    event,
	})
}

func (c *Channel) publishEvent(ctx context.Context, topic string, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := c.publish(ctx, topic, ev.EntityID, raw); err != nil {
		return err
	}
	telemetry.EventsPublished.WithLabelValues(topic).Inc()
	return nil
}

// publish retries transient broker errors before giving up. Persistent
// failure surfaces to the caller; the store state is already authoritative.
func (c *Channel) publish(ctx context.Context, topic, key string, value []byte) error {
	return retry.Do(ctx, retry.Config{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		OnRetry: func(attempt int, err error) {
			c.logger.Warn("broker publish failed, retrying",
				slog.String("topic", topic),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		return c.producer.Publish(ctx, topic, key, value)
	})
}

// Close releases the underlying producer.
func (c *Channel) Close() error { return c.producer.Close() }
