// Package execution drives approved actions through executors, one at a time
// and in plan order, and unwinds succeeded actions when a step fails.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/responseforge/internal/audit"
	"github.com/lvonguyen/responseforge/internal/observability"
	"github.com/lvonguyen/responseforge/internal/policy"
	"github.com/lvonguyen/responseforge/internal/remediation"
)

const component = "execution"

var (
	// ErrNilPlan is returned when Execute is called without a plan
	ErrNilPlan = errors.New("execution: plan is required")
	// ErrNilDecision is returned when Execute is called without a policy decision
	ErrNilDecision = errors.New("execution: policy decision is required")
)

// ApprovalLookup reports late approvals for actions the policy held back
type ApprovalLookup interface {
	IsApproved(actionID string) bool
}

// Pipeline executes plans. It holds no per-run state, so one Pipeline may
// serve concurrent Execute calls.
type Pipeline struct {
	registry  *Registry
	sink      audit.Sink
	approvals ApprovalLookup
	logger    *zap.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithAuditSink sets the audit sink
func WithAuditSink(s audit.Sink) Option { return func(p *Pipeline) { p.sink = s } }

// WithApprovals lets pending actions run once a human has approved them
func WithApprovals(a ApprovalLookup) Option { return func(p *Pipeline) { p.approvals = a } }

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithMetrics sets the metrics sink
func WithMetrics(m *observability.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// WithTracer replaces the package tracer
func WithTracer(t trace.Tracer) Option { return func(p *Pipeline) { p.tracer = t } }

// WithClock replaces the time source
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// New creates a pipeline dispatching to registry
func New(registry *Registry, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry: registry,
		tracer:   otel.Tracer("github.com/lvonguyen/responseforge/internal/execution"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry == nil {
		p.registry = NewRegistry()
	}
	if p.sink == nil {
		p.sink = audit.Nop{}
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// Execute runs plan.Actions in order. Executor failures become Failed results;
// only a missing plan or decision, or cancellation of ctx, return an error.
// On cancellation the partial report is returned with the error.
func (p *Pipeline) Execute(ctx context.Context, plan *remediation.DecisionPlan, decision *policy.Decision, ec Context) (*Report, error) {
	if plan == nil {
		return nil, ErrNilPlan
	}
	if decision == nil {
		return nil, ErrNilDecision
	}
	if ec.CorrelationID == "" {
		ec.CorrelationID = uuid.NewString()
	}
	if plan.DryRun {
		ec.DryRun = true
	}

	ctx, span := p.tracer.Start(ctx, "execution.Execute", trace.WithAttributes(
		attribute.String("plan.id", plan.ID),
		attribute.String("correlation.id", ec.CorrelationID),
		attribute.Bool("dry_run", ec.DryRun),
	))
	defer span.End()

	report := &Report{
		PlanID:          plan.ID,
		CorrelationID:   ec.CorrelationID,
		Actions:         []ActionResult{},
		RollbackActions: []ActionResult{},
	}
	logger := p.logger.With(zap.String("plan_id", plan.ID), zap.String("correlation_id", ec.CorrelationID))

	p.audit(ctx, ec, audit.EventExecutionStarted, "execution started", map[string]string{
		"plan_id":         plan.ID,
		"strategy":        string(plan.Strategy),
		"actions":         strconv.Itoa(len(plan.Actions)),
		"environment":     ec.Environment,
		"dry_run":         strconv.FormatBool(ec.DryRun),
		"stop_on_failure": strconv.FormatBool(ec.StopOnFailure),
	})

	succeeded := make(map[string]bool)
	for _, action := range plan.Actions {
		if err := ctx.Err(); err != nil {
			return p.cancelled(ctx, report, ec, action.ID, err)
		}

		res := p.runAction(ctx, action, decision, ec)
		p.record(ctx, ec, res)
		report.Actions = append(report.Actions, res)

		switch res.Status {
		case StatusSucceeded:
			succeeded[action.ID] = true
		case StatusFailed:
			if err := ctx.Err(); err != nil {
				return p.cancelled(ctx, report, ec, action.ID, err)
			}
		}

		if res.Status == StatusFailed && ec.StopOnFailure {
			report.Notes = append(report.Notes, fmt.Sprintf("Stopped after %s %s failed: %s", action.Kind, action.ID, res.Message))
			logger.Warn("Action failed, stopping",
				zap.String("action_id", action.ID),
				zap.String("kind", string(action.Kind)),
				zap.String("message", res.Message),
			)
			if len(succeeded) > 0 {
				report.RollbackActions = p.rollback(ctx, plan, succeeded, ec)
				report.Notes = append(report.Notes, fmt.Sprintf("Rollback attempted for %d action(s).", len(report.RollbackActions)))
			}
			break
		}
	}

	p.finish(ctx, report, ec)
	span.SetAttributes(attribute.Int("rollback.actions", len(report.RollbackActions)))
	logger.Info("Execution finished",
		zap.Int("actions", len(report.Actions)),
		zap.Int("rollback_actions", len(report.RollbackActions)),
	)
	return report, nil
}

func (p *Pipeline) cancelled(ctx context.Context, report *Report, ec Context, actionID string, err error) (*Report, error) {
	report.Notes = append(report.Notes, fmt.Sprintf("Execution cancelled at action %s.", actionID))
	p.finish(ctx, report, ec)
	return report, fmt.Errorf("execution cancelled: %w", err)
}

func (p *Pipeline) finish(ctx context.Context, report *Report, ec Context) {
	counts := report.Counts()
	report.Notes = append(report.Notes, fmt.Sprintf("Results: succeeded=%d, failed=%d, skipped=%d, dry_run=%d, rollback=%d",
		counts[StatusSucceeded], counts[StatusFailed], counts[StatusSkipped], counts[StatusDryRun], len(report.RollbackActions)))
	p.audit(context.WithoutCancel(ctx), ec, audit.EventExecutionFinished, "execution finished", map[string]string{
		"plan_id":   report.PlanID,
		"succeeded": strconv.Itoa(counts[StatusSucceeded]),
		"failed":    strconv.Itoa(counts[StatusFailed]),
		"skipped":   strconv.Itoa(counts[StatusSkipped]),
		"dry_run":   strconv.Itoa(counts[StatusDryRun]),
		"rollback":  strconv.Itoa(len(report.RollbackActions)),
	})
}

// runAction gates one forward action and runs it when allowed
func (p *Pipeline) runAction(ctx context.Context, a remediation.PlannedAction, decision *policy.Decision, ec Context) ActionResult {
	res := ActionResult{ActionID: a.ID, Kind: a.Kind, StartedAt: p.now()}

	status, known := decision.StatusOf(a.ID)
	if known && status == policy.StatusPendingApproval && p.approvals != nil && p.approvals.IsApproved(a.ID) {
		status = policy.StatusApproved
	}
	if !known || status != policy.StatusApproved {
		res.Status = StatusSkipped
		res.Message = skipReason(decision, a.ID, status, known)
		res.FinishedAt = p.now()
		return res
	}

	return p.invoke(ctx, res, a, ec)
}

// invoke finds the executor and runs feasibility then execution.
func (p *Pipeline) invoke(ctx context.Context, res ActionResult, a remediation.PlannedAction, ec Context) ActionResult {
	finish := func(s Status, msg string) ActionResult {
		res.Status = s
		res.Message = msg
		res.FinishedAt = p.now()
		return res
	}

	exec, ok := p.registry.Find(a.Kind)
	if !ok {
		return finish(StatusFailed, fmt.Sprintf("no executor registered for %s", a.Kind))
	}
	res.ExecutorName = exec.Name()

	feas, err := callWithTimeout(ctx, ec.ActionTimeout, func(ctx context.Context) (Feasibility, error) {
		return exec.CheckFeasibility(ctx, a, ec)
	})
	if err != nil {
		return finish(StatusFailed, fmt.Sprintf("feasibility check failed: %v", err))
	}
	if !feas.CanExecute {
		return finish(StatusSkipped, "not feasible: "+feas.Message)
	}
	if ec.DryRun {
		return finish(StatusDryRun, "dry run: "+feas.Message)
	}

	out, err := callWithTimeout(ctx, ec.ActionTimeout, func(ctx context.Context) (Outcome, error) {
		return exec.Execute(ctx, a, ec)
	})
	if err != nil {
		return finish(StatusFailed, fmt.Sprintf("execution failed: %v", err))
	}
	res.ExternalReference = out.ExternalReference
	if !out.Succeeded {
		return finish(StatusFailed, out.Message)
	}
	return finish(StatusSucceeded, out.Message)
}

// rollback undoes succeeded actions in reverse plan order. A failure in one
// rollback never prevents the others.
func (p *Pipeline) rollback(ctx context.Context, plan *remediation.DecisionPlan, succeeded map[string]bool, ec Context) []ActionResult {
	ec.DryRun = false
	var out []ActionResult
	for i := len(plan.Actions) - 1; i >= 0; i-- {
		original := plan.Actions[i]
		if !succeeded[original.ID] {
			continue
		}
		inv, ok := remediation.InverseOf(original.Kind)
		if !ok {
			continue
		}

		res := ActionResult{
			Kind:             inv,
			StartedAt:        p.now(),
			IsRollback:       true,
			OriginalActionID: original.ID,
		}
		rb, found := plan.FindRollback(inv, original.Parameters)
		if !found {
			res.ActionID = remediation.ActionID(inv, original.Parameters)
			res.Status = StatusSkipped
			res.Message = fmt.Sprintf("no rollback action planned for %s %s", original.Kind, original.ID)
			res.FinishedAt = p.now()
		} else {
			res.ActionID = rb.ID
			res = p.invoke(ctx, res, rb, ec)
		}

		p.record(ctx, ec, res)
		out = append(out, res)
	}
	return out
}

func (p *Pipeline) record(ctx context.Context, ec Context, res ActionResult) {
	p.metrics.ObserveAction(string(res.Kind), string(res.Status), res.FinishedAt.Sub(res.StartedAt), res.IsRollback)

	event := audit.EventActionResult
	if res.IsRollback {
		event = audit.EventRollbackResult
	}
	data := map[string]string{
		"action_id":   res.ActionID,
		"kind":        string(res.Kind),
		"status":      string(res.Status),
		"executor":    res.ExecutorName,
		"is_rollback": strconv.FormatBool(res.IsRollback),
	}
	if res.OriginalActionID != "" {
		data["original_action_id"] = res.OriginalActionID
	}
	if res.ExternalReference != "" {
		data["external_reference"] = res.ExternalReference
	}
	p.audit(ctx, ec, event, res.Message, data)
}

func (p *Pipeline) audit(ctx context.Context, ec Context, eventType, msg string, data map[string]string) {
	audit.Record(ctx, p.sink, p.logger, audit.Entry{
		CorrelationID: ec.CorrelationID,
		Component:     component,
		EventType:     eventType,
		Message:       msg,
		Data:          data,
	})
}

func skipReason(d *policy.Decision, actionID string, status policy.Status, known bool) string {
	if !known {
		return "no policy decision for action"
	}
	var reasons []string
	for _, ad := range d.Decisions {
		if ad.Action.ID == actionID {
			reasons = ad.Reasons
			break
		}
	}
	switch status {
	case policy.StatusPendingApproval:
		return "awaiting approval: " + strings.Join(reasons, "; ")
	case policy.StatusDenied:
		return "denied by policy: " + strings.Join(reasons, "; ")
	}
	return "not approved"
}
