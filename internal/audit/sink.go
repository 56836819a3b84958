// Package audit records what the engine did. Sinks are best-effort: callers
// use Record, which never fails and never panics.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types emitted by the execution pipeline
const (
	EventExecutionStarted  = "execution_started"
	EventActionResult      = "action_result"
	EventRollbackResult    = "rollback_result"
	EventExecutionFinished = "execution_finished"
)

// Entry is one audit record
type Entry struct {
	ID            string            `json:"id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlation_id"`
	Component     string            `json:"component"`
	EventType     string            `json:"event_type"`
	Message       string            `json:"message"`
	Data          map[string]string `json:"data,omitempty"`
}

// Sink stores audit entries and returns the id assigned to the entry.
// Implementations must be safe for concurrent use.
type Sink interface {
	Log(ctx context.Context, entry Entry) (string, error)
}

// Record writes entry to sink, filling id and timestamp when missing.
// Errors and panics from the sink are logged at debug level and dropped.
func Record(ctx context.Context, sink Sink, logger *zap.Logger, entry Entry) (id string) {
	if sink == nil {
		return ""
	}
	entry = prepare(entry)
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.Debug("Audit sink panicked", zap.Any("panic", r), zap.String("event_type", entry.EventType))
			}
			id = ""
		}
	}()
	id, err := sink.Log(ctx, entry)
	if err != nil && logger != nil {
		logger.Debug("Audit sink failed", zap.Error(err), zap.String("event_type", entry.EventType))
	}
	return id
}

func prepare(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

// Nop discards every entry
type Nop struct{}

// Log implements Sink
func (Nop) Log(_ context.Context, e Entry) (string, error) { return e.ID, nil }

// Multi fans an entry out to several sinks. Every sink is tried; the first
// non-empty id is returned along with the joined errors.
type Multi []Sink

// Log implements Sink
func (m Multi) Log(ctx context.Context, e Entry) (string, error) {
	e = prepare(e)
	var errs []error
	for _, s := range m {
		if _, err := safeLog(ctx, s, e); err != nil {
			errs = append(errs, err)
		}
	}
	return e.ID, errors.Join(errs...)
}

func safeLog(ctx context.Context, s Sink, e Entry) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("audit sink panic: %v", r)
		}
	}()
	return s.Log(ctx, e)
}

// ZapSink writes entries to a structured logger
type ZapSink struct {
	Logger *zap.Logger
}

// Log implements Sink
func (z ZapSink) Log(_ context.Context, e Entry) (string, error) {
	e = prepare(e)
	fields := []zap.Field{
		zap.String("audit_id", e.ID),
		zap.Time("audit_ts", e.Timestamp),
		zap.String("correlation_id", e.CorrelationID),
		zap.String("component", e.Component),
		zap.String("event_type", e.EventType),
	}
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.String("data."+k, e.Data[k]))
	}
	z.Logger.Info(e.Message, fields...)
	return e.ID, nil
}
