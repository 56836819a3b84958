// Package planner turns an enriched alert and its threat assessment into a
// risk-scored DecisionPlan.
//
// Planning is a pure function of its inputs apart from the plan id and the
// timestamp. Each stage is an interface so callers can replace it.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/responseforge/internal/alert"
	"github.com/lvonguyen/responseforge/internal/observability"
	"github.com/lvonguyen/responseforge/internal/playbooks"
	"github.com/lvonguyen/responseforge/internal/remediation"
)

var (
	// ErrNilAlert is returned when Plan is called without an alert
	ErrNilAlert = errors.New("planner: enriched alert is required")
	// ErrNilAssessment is returned when Plan is called without an assessment
	ErrNilAssessment = errors.New("planner: threat assessment is required")
)

// Context carries the caller's planning parameters
type Context struct {
	Environment string
	DryRun      bool
	Catalog     *remediation.Catalog
	Now         time.Time
}

// Input bundles everything a planning stage may read
type Input struct {
	Alert      *alert.EnrichedAlert
	Assessment *alert.ThreatAssessment
	Context    Context
}

// StrategySelector picks the response strategy
type StrategySelector interface {
	SelectStrategy(in Input) remediation.Strategy
}

// ActionSelector produces the candidate actions for a strategy
type ActionSelector interface {
	SelectActions(in Input, strategy remediation.Strategy) []remediation.PlannedAction
}

// RiskEstimator assigns risk, impact and reversibility
type RiskEstimator interface {
	Estimate(in Input, actions []remediation.PlannedAction) []remediation.PlannedAction
}

// Sanitizer removes actions that cannot be carried out as specified
type Sanitizer interface {
	Sanitize(in Input, actions []remediation.PlannedAction) []remediation.PlannedAction
}

// Normalizer de-duplicates and orders actions
type Normalizer interface {
	Normalize(actions []remediation.PlannedAction) []remediation.PlannedAction
}

// RollbackBuilder derives the inverse actions of a plan
type RollbackBuilder interface {
	BuildRollback(in Input, actions []remediation.PlannedAction) []remediation.PlannedAction
}

// Planner composes the planning stages
type Planner struct {
	strategy  StrategySelector
	actions   ActionSelector
	risk      RiskEstimator
	sanitizer Sanitizer
	normalize Normalizer
	rollback  RollbackBuilder

	newID   func() string
	logger  *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// Option configures a Planner
type Option func(*Planner)

// WithStrategySelector replaces the strategy stage
func WithStrategySelector(s StrategySelector) Option { return func(p *Planner) { p.strategy = s } }

// WithActionSelector replaces the action selection stage
func WithActionSelector(s ActionSelector) Option { return func(p *Planner) { p.actions = s } }

// WithRiskEstimator replaces the risk stage
func WithRiskEstimator(r RiskEstimator) Option { return func(p *Planner) { p.risk = r } }

// WithSanitizer replaces the sanitizer
func WithSanitizer(s Sanitizer) Option { return func(p *Planner) { p.sanitizer = s } }

// WithNormalizer replaces the normalizer
func WithNormalizer(n Normalizer) Option { return func(p *Planner) { p.normalize = n } }

// WithRollbackBuilder replaces the rollback stage
func WithRollbackBuilder(r RollbackBuilder) Option { return func(p *Planner) { p.rollback = r } }

// WithPlaybooks seeds actions from the given playbook set
func WithPlaybooks(m *playbooks.Manager) Option {
	return func(p *Planner) { p.actions = PlaybookActionSelector{Playbooks: m} }
}

// WithIDGenerator replaces the plan id source
func WithIDGenerator(fn func() string) Option { return func(p *Planner) { p.newID = fn } }

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option { return func(p *Planner) { p.logger = l } }

// WithMetrics sets the metrics sink
func WithMetrics(m *observability.Metrics) Option { return func(p *Planner) { p.metrics = m } }

// New creates a planner with the default stages
func New(opts ...Option) *Planner {
	p := &Planner{
		strategy:  DefaultStrategySelector{},
		actions:   PlaybookActionSelector{},
		risk:      DefaultRiskEstimator{},
		sanitizer: CatalogSanitizer{},
		normalize: DefaultNormalizer{},
		rollback:  InverseRollbackBuilder{},
		newID:     uuid.NewString,
		tracer:    otel.Tracer("github.com/lvonguyen/responseforge/internal/planner"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// Plan builds the decision plan for one alert
func (p *Planner) Plan(ctx context.Context, ea *alert.EnrichedAlert, assessment *alert.ThreatAssessment, pc Context) (*remediation.DecisionPlan, error) {
	if ea == nil {
		return nil, ErrNilAlert
	}
	if assessment == nil {
		return nil, ErrNilAssessment
	}
	if pc.Catalog == nil {
		pc.Catalog = remediation.DefaultCatalog()
	}
	if pc.Now.IsZero() {
		pc.Now = time.Now().UTC()
	}
	derivedID := ea.Alert.ID == ""
	if derivedID {
		withID := *ea
		withID.Alert.ID = ea.Alert.Reference()
		ea = &withID
	}

	_, span := p.tracer.Start(ctx, "planner.Plan", trace.WithAttributes(
		attribute.String("alert.id", ea.Alert.ID),
		attribute.Float64("assessment.confidence", assessment.Confidence),
		attribute.Int("assessment.severity", assessment.Severity),
	))
	defer span.End()

	in := Input{Alert: ea, Assessment: assessment, Context: pc}

	strategy := p.strategy.SelectStrategy(in)
	selected := p.actions.SelectActions(in, strategy)
	scored := p.risk.Estimate(in, selected)
	kept := p.sanitizer.Sanitize(in, scored)
	actions := p.normalize.Normalize(kept)
	rollback := p.rollback.BuildRollback(in, actions)

	crit := ea.Criticality()
	priv := ea.Privileged()
	env := pc.Environment
	if env == "" {
		env = "unknown"
	}

	rationale := []string{
		fmt.Sprintf("Selected strategy %s based on confidence %.2f and severity %d.", strategy, assessment.Confidence, assessment.Severity),
		fmt.Sprintf("Asset criticality: %d; privileged identity: %t.", crit, priv),
	}
	if assessment.Hypothesis != "" {
		rationale = append(rationale, "Hypothesis: "+assessment.Hypothesis)
	}
	if derivedID {
		rationale = append(rationale, fmt.Sprintf("Alert carried no id; using derived reference %s.", ea.Alert.ID))
	}
	if dropped := len(scored) - len(kept); dropped > 0 {
		rationale = append(rationale, fmt.Sprintf("Dropped %d action(s) missing required parameters.", dropped))
	}

	plan := &remediation.DecisionPlan{
		ID:              p.newID(),
		AlertID:         ea.Alert.ID,
		Strategy:        strategy,
		Priority:        Priority(assessment, crit),
		Summary:         fmt.Sprintf("Strategy=%s, Severity=%d, Confidence=%.2f", strategy, assessment.Severity, assessment.Confidence),
		Actions:         actions,
		RollbackActions: rollback,
		Rationale:       rationale,
		Tags: map[string]string{
			"environment": env,
			"generatedAt": pc.Now.Format(time.RFC3339),
			"strategy":    string(strategy),
		},
		DryRun:    pc.DryRun,
		CreatedAt: pc.Now,
	}

	span.SetAttributes(
		attribute.String("plan.id", plan.ID),
		attribute.String("plan.strategy", string(strategy)),
		attribute.Int("plan.actions", len(actions)),
	)
	p.metrics.ObservePlan(string(strategy), len(actions))
	p.logger.Info("Plan created",
		zap.String("plan_id", plan.ID),
		zap.String("alert_id", plan.AlertID),
		zap.String("strategy", string(strategy)),
		zap.Int("priority", plan.Priority),
		zap.Int("actions", len(actions)),
		zap.Int("rollback_actions", len(rollback)),
	)

	return plan, nil
}

// Priority scores how urgently a plan should be looked at. It does not affect gating.
func Priority(assessment *alert.ThreatAssessment, criticality int) int {
	return remediation.Clamp(assessment.Severity + criticality*10 + int(assessment.Confidence*20))
}
