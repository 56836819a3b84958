// Package redisexec notifies responders and opens tracking tickets through Redis.
//
// Notifications are published on a pub/sub channel; tickets are appended to a
// stream that the case management consumer reads.
package redisexec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/responseforge/internal/execution"
	"github.com/lvonguyen/responseforge/internal/remediation"
)

// Client is the subset of *redis.Client the executor uses
type Client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Config configures the executor
type Config struct {
	NotifyChannel string `yaml:"notify_channel"`
	TicketStream  string `yaml:"ticket_stream"`
	StreamMaxLen  int64  `yaml:"stream_max_len"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		NotifyChannel: "responseforge:notifications",
		TicketStream:  "responseforge:tickets",
		StreamMaxLen:  100000,
	}
}

// Executor handles notify and open_ticket
type Executor struct {
	client Client
	config Config
	logger *zap.Logger
	kinds  execution.KindSet
}

// New creates a Redis executor
func New(client Client, config Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		client: client,
		config: config,
		logger: logger,
		kinds:  execution.NewKindSet(remediation.KindNotify, remediation.KindOpenTicket),
	}
}

// Name implements execution.Executor
func (e *Executor) Name() string { return "redis" }

// CanExecute implements execution.Executor
func (e *Executor) CanExecute(kind remediation.Kind) bool { return e.kinds.Has(kind) }

// CheckFeasibility implements execution.Executor
func (e *Executor) CheckFeasibility(ctx context.Context, a remediation.PlannedAction, _ execution.Context) (execution.Feasibility, error) {
	if a.Param(remediation.ParamAlertID) == "" {
		return execution.Feasibility{Message: "alert_id parameter missing"}, nil
	}
	if err := e.client.Ping(ctx).Err(); err != nil {
		return execution.Feasibility{Message: fmt.Sprintf("redis unreachable: %v", err)}, nil
	}
	return execution.Feasibility{CanExecute: true, Message: "redis reachable"}, nil
}

type message struct {
	ActionID      string            `json:"action_id"`
	Kind          remediation.Kind  `json:"kind"`
	AlertID       string            `json:"alert_id"`
	Environment   string            `json:"environment"`
	CorrelationID string            `json:"correlation_id"`
	Rationale     string            `json:"rationale,omitempty"`
	Parameters    map[string]string `json:"parameters"`
	SentAt        time.Time         `json:"sent_at"`
}

// Execute implements execution.Executor
func (e *Executor) Execute(ctx context.Context, a remediation.PlannedAction, ec execution.Context) (execution.Outcome, error) {
	msg := message{
		ActionID:      a.ID,
		Kind:          a.Kind,
		AlertID:       a.Param(remediation.ParamAlertID),
		Environment:   ec.Environment,
		CorrelationID: ec.CorrelationID,
		Rationale:     a.Rationale,
		Parameters:    a.Parameters,
		SentAt:        time.Now().UTC(),
	}

	switch a.Kind {
	case remediation.KindNotify:
		return e.notify(ctx, msg)
	case remediation.KindOpenTicket:
		return e.openTicket(ctx, msg)
	}
	return execution.Outcome{Message: fmt.Sprintf("unsupported kind %s", a.Kind)}, nil
}

func (e *Executor) notify(ctx context.Context, msg message) (execution.Outcome, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return execution.Outcome{}, fmt.Errorf("marshal notification: %w", err)
	}
	receivers, err := e.client.Publish(ctx, e.config.NotifyChannel, payload).Result()
	if err != nil {
		return execution.Outcome{Message: fmt.Sprintf("publish failed: %v", err)}, nil
	}
	e.logger.Info("Notification published",
		zap.String("channel", e.config.NotifyChannel),
		zap.String("alert_id", msg.AlertID),
		zap.Int64("receivers", receivers),
	)
	return execution.Outcome{
		Succeeded: true,
		Message:   fmt.Sprintf("notification delivered to %d subscriber(s)", receivers),
	}, nil
}

func (e *Executor) openTicket(ctx context.Context, msg message) (execution.Outcome, error) {
	params, err := json.Marshal(msg.Parameters)
	if err != nil {
		return execution.Outcome{}, fmt.Errorf("marshal ticket parameters: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: e.config.TicketStream,
		Approx: true,
		Values: map[string]interface{}{
			"action_id":      msg.ActionID,
			"alert_id":       msg.AlertID,
			"environment":    msg.Environment,
			"correlation_id": msg.CorrelationID,
			"rationale":      msg.Rationale,
			"parameters":     string(params),
			"opened_at":      msg.SentAt.Format(time.RFC3339),
		},
	}
	if e.config.StreamMaxLen > 0 {
		args.MaxLen = e.config.StreamMaxLen
	}
	id, err := e.client.XAdd(ctx, args).Result()
	if err != nil {
		return execution.Outcome{Message: fmt.Sprintf("ticket append failed: %v", err)}, nil
	}
	e.logger.Info("Ticket opened",
		zap.String("stream", e.config.TicketStream),
		zap.String("entry_id", id),
		zap.String("alert_id", msg.AlertID),
	)
	return execution.Outcome{
		Succeeded:         true,
		Message:           "ticket opened",
		ExternalReference: e.config.TicketStream + "/" + id,
	}, nil
}
