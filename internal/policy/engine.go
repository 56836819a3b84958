// Package policy gates planned actions: each action is approved, held for
// human approval, or denied outright.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/responseforge/internal/alert"
	"github.com/lvonguyen/responseforge/internal/observability"
	"github.com/lvonguyen/responseforge/internal/remediation"
)

// Status is the policy verdict for one action
type Status string

const (
	StatusApproved        Status = "approved"
	StatusPendingApproval Status = "pending_approval"
	StatusDenied          Status = "denied"
)

var (
	// ErrNilPlan is returned when Evaluate is called without a plan
	ErrNilPlan = errors.New("policy: plan is required")
	// ErrNilAssessment is returned when Evaluate is called without an assessment
	ErrNilAssessment = errors.New("policy: threat assessment is required")
)

// ApprovalRequester opens approval requests for pending actions
type ApprovalRequester interface {
	CreateRequests(actions []remediation.PlannedAction, reason string) int
}

// EvalContext is the alert context an action is judged against
type EvalContext struct {
	Assessment  *alert.ThreatAssessment
	Alert       *alert.EnrichedAlert
	Environment string
}

// ActionDecision is the verdict for one action. Reasons is never empty.
type ActionDecision struct {
	Action  remediation.PlannedAction `json:"action"`
	Status  Status                    `json:"status"`
	Reasons []string                  `json:"reasons"`
}

// Decision aggregates the verdicts for a plan
type Decision struct {
	PlanID          string                      `json:"plan_id"`
	Decisions       []ActionDecision            `json:"decisions"`
	Approved        []remediation.PlannedAction `json:"approved"`
	PendingApproval []remediation.PlannedAction `json:"pending_approval"`
	Denied          []remediation.PlannedAction `json:"denied"`
	Notes           []string                    `json:"notes"`
}

// StatusOf returns the verdict recorded for actionID
func (d *Decision) StatusOf(actionID string) (Status, bool) {
	if d == nil {
		return "", false
	}
	for _, ad := range d.Decisions {
		if ad.Action.ID == actionID {
			return ad.Status, true
		}
	}
	return "", false
}

// Engine evaluates actions against a Config
type Engine struct {
	cfg       Config
	catalog   *remediation.Catalog
	approvals ApprovalRequester
	rules     []compiledRule
	warnings  []string
	logger    *zap.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
}

// Option configures an Engine
type Option func(*Engine)

// WithCatalog sets the action catalog
func WithCatalog(c *remediation.Catalog) Option { return func(e *Engine) { e.catalog = c } }

// WithApprovals sets where approval requests are opened
func WithApprovals(a ApprovalRequester) Option { return func(e *Engine) { e.approvals = a } }

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics sets the metrics sink
func WithMetrics(m *observability.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// NewEngine creates an engine. Custom rules that fail to compile are dropped
// and reported by Warnings.
func NewEngine(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg,
		tracer: otel.Tracer("github.com/lvonguyen/responseforge/internal/policy"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.catalog == nil {
		e.catalog = remediation.DefaultCatalog()
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.rules, e.warnings = compileRules(cfg.CustomRules)
	for _, w := range e.warnings {
		e.logger.Warn("Policy rule warning", zap.String("warning", w))
	}
	return e
}

// Config returns the engine's configuration
func (e *Engine) Config() Config { return e.cfg }

// Warnings lists problems found while compiling custom rules
func (e *Engine) Warnings() []string { return append([]string(nil), e.warnings...) }

// EvaluateAction classifies a single action
func (e *Engine) EvaluateAction(a remediation.PlannedAction, ec EvalContext) ActionDecision {
	deny := func(reason string) ActionDecision {
		return ActionDecision{Action: a, Status: StatusDenied, Reasons: []string{reason}}
	}

	var conf float64
	if ec.Assessment != nil {
		conf = ec.Assessment.Confidence
	}
	crit := ec.Alert.Criticality()
	priv := ec.Alert.Privileged()
	critical := crit >= e.cfg.CriticalAssetThreshold

	def, known := e.catalog.Lookup(a.Kind)
	if !known {
		return deny(fmt.Sprintf("action kind %q is not in the catalog", a.Kind))
	}
	if missing := remediation.MissingParameters(def, a.Parameters); len(missing) > 0 {
		return deny(fmt.Sprintf("missing required parameters: %s", strings.Join(missing, ", ")))
	}
	if hasKind(e.forbiddenIn(ec.Environment), a.Kind) {
		return deny(fmt.Sprintf("%s is forbidden in environment %q", a.Kind, ec.Environment))
	}
	if conf < e.cfg.MinConfidenceForAutonomy && !hasKind(e.cfg.SafeLowConfidenceActions, a.Kind) {
		return deny(fmt.Sprintf("confidence %.2f is below minConfidenceForAutonomy %.2f for %s",
			conf, e.cfg.MinConfidenceForAutonomy, a.Kind))
	}
	if priv && hasKind(e.cfg.ForbidActionsOnPrivilegedIdentities, a.Kind) {
		return deny(fmt.Sprintf("%s is forbidden on privileged identities", a.Kind))
	}
	if critical && hasKind(e.cfg.ForbidActionsOnCriticalAssets, a.Kind) {
		return deny(fmt.Sprintf("%s is forbidden on critical assets (criticality %d >= %d)",
			a.Kind, crit, e.cfg.CriticalAssetThreshold))
	}

	var approvalReasons []string
	if len(e.rules) > 0 {
		vars := ruleVars(a, ec)
		for _, r := range e.rules {
			matched, err := r.matches(vars)
			if err != nil {
				e.logger.Warn("Policy rule evaluation failed",
					zap.String("rule", r.Name),
					zap.String("action_id", a.ID),
					zap.Error(err),
				)
			}
			if !matched {
				continue
			}
			if r.Effect == EffectDeny {
				return deny(fmt.Sprintf("denied by rule %q", r.Name))
			}
			approvalReasons = append(approvalReasons, fmt.Sprintf("rule %q requires approval", r.Name))
		}
	}

	if def.RequiresApprovalByDefault {
		approvalReasons = append(approvalReasons, fmt.Sprintf("%s requires approval by default", a.Kind))
	}
	if a.Risk >= e.cfg.RiskApprovalThreshold {
		approvalReasons = append(approvalReasons, fmt.Sprintf("risk %d meets riskApprovalThreshold %d", a.Risk, e.cfg.RiskApprovalThreshold))
	}
	if a.Impact >= e.cfg.ImpactApprovalThreshold {
		approvalReasons = append(approvalReasons, fmt.Sprintf("impact %d meets impactApprovalThreshold %d", a.Impact, e.cfg.ImpactApprovalThreshold))
	}
	if IsProduction(ec.Environment) && hasKind(e.cfg.RequireApprovalInProd, a.Kind) {
		approvalReasons = append(approvalReasons, fmt.Sprintf("%s requires approval in production", a.Kind))
	}
	if priv && hasKind(e.cfg.RequireApprovalOnPrivilegedIdentities, a.Kind) {
		approvalReasons = append(approvalReasons, fmt.Sprintf("%s on a privileged identity requires approval", a.Kind))
	}
	if critical && hasKind(e.cfg.RequireApprovalOnCriticalAssets, a.Kind) {
		approvalReasons = append(approvalReasons, fmt.Sprintf("%s on a critical asset requires approval", a.Kind))
	}
	if len(approvalReasons) > 0 {
		return ActionDecision{Action: a, Status: StatusPendingApproval, Reasons: approvalReasons}
	}

	return ActionDecision{
		Action: a,
		Status: StatusApproved,
		Reasons: []string{fmt.Sprintf("within policy: risk %d, impact %d, confidence %.2f",
			a.Risk, a.Impact, conf)},
	}
}

// Evaluate classifies every action of plan and opens approval requests for
// the pending ones. A plan larger than MaxActionsPerPlan is denied as a whole.
func (e *Engine) Evaluate(ctx context.Context, plan *remediation.DecisionPlan, ec EvalContext) (*Decision, error) {
	if plan == nil {
		return nil, ErrNilPlan
	}
	if ec.Assessment == nil {
		return nil, ErrNilAssessment
	}

	_, span := e.tracer.Start(ctx, "policy.Evaluate", trace.WithAttributes(
		attribute.String("plan.id", plan.ID),
		attribute.Int("plan.actions", len(plan.Actions)),
		attribute.String("environment", ec.Environment),
	))
	defer span.End()

	d := &Decision{PlanID: plan.ID}

	if len(plan.Actions) > e.cfg.MaxActionsPerPlan {
		reason := fmt.Sprintf("plan has %d actions, exceeding maxActionsPerPlan %d", len(plan.Actions), e.cfg.MaxActionsPerPlan)
		for _, a := range plan.Actions {
			d.add(ActionDecision{Action: a, Status: StatusDenied, Reasons: []string{reason}})
			e.metrics.ObserveDecision(string(StatusDenied))
		}
		d.Notes = append(d.Notes, "Plan denied: "+reason+".")
		d.Notes = append(d.Notes, e.summaryNotes(d, ec)...)
		span.SetAttributes(attribute.Bool("plan.capped", true))
		e.logger.Warn("Plan exceeds action limit",
			zap.String("plan_id", plan.ID),
			zap.Int("actions", len(plan.Actions)),
			zap.Int("max_actions", e.cfg.MaxActionsPerPlan),
		)
		return d, nil
	}

	for _, a := range plan.Actions {
		ad := e.EvaluateAction(a, ec)
		d.add(ad)
		e.metrics.ObserveDecision(string(ad.Status))
	}

	if len(d.PendingApproval) > 0 && e.approvals != nil {
		reason := fmt.Sprintf("plan %s for alert %s", plan.ID, plan.AlertID)
		created := e.approvals.CreateRequests(d.PendingApproval, reason)
		e.metrics.ObserveApprovalRequests(created)
		d.Notes = append(d.Notes, fmt.Sprintf("Approval requests created: %d.", created))
	}
	d.Notes = append(d.Notes, e.summaryNotes(d, ec)...)

	span.SetAttributes(
		attribute.Int("decision.approved", len(d.Approved)),
		attribute.Int("decision.pending", len(d.PendingApproval)),
		attribute.Int("decision.denied", len(d.Denied)),
	)
	e.logger.Info("Plan evaluated",
		zap.String("plan_id", plan.ID),
		zap.Int("approved", len(d.Approved)),
		zap.Int("pending", len(d.PendingApproval)),
		zap.Int("denied", len(d.Denied)),
	)
	return d, nil
}

func (d *Decision) add(ad ActionDecision) {
	d.Decisions = append(d.Decisions, ad)
	switch ad.Status {
	case StatusApproved:
		d.Approved = append(d.Approved, ad.Action)
	case StatusPendingApproval:
		d.PendingApproval = append(d.PendingApproval, ad.Action)
	default:
		d.Denied = append(d.Denied, ad.Action)
	}
}

func (e *Engine) summaryNotes(d *Decision, ec EvalContext) []string {
	return []string{
		fmt.Sprintf("Approved=%d, PendingApproval=%d, Denied=%d", len(d.Approved), len(d.PendingApproval), len(d.Denied)),
		fmt.Sprintf("Severity=%d, Confidence=%.2f", ec.Assessment.Severity, ec.Assessment.Confidence),
	}
}

func (e *Engine) forbiddenIn(env string) []remediation.Kind {
	if env == "" {
		return nil
	}
	for name, list := range e.cfg.ForbiddenActionsByEnvironment {
		if strings.EqualFold(name, env) {
			return list
		}
	}
	return nil
}

// IsProduction reports whether env names a production environment
func IsProduction(env string) bool {
	env = strings.ToLower(strings.TrimSpace(env))
	return env == "prod" || env == "production"
}

func hasKind(list []remediation.Kind, k remediation.Kind) bool {
	for _, v := range list {
		if v == k {
			return true
		}
	}
	return false
}
