// Package responder wires the planner, the policy engine and the execution
// pipeline into a single alert response call.
package responder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/responseforge/internal/alert"
	"github.com/lvonguyen/responseforge/internal/execution"
	"github.com/lvonguyen/responseforge/internal/observability"
	"github.com/lvonguyen/responseforge/internal/planner"
	"github.com/lvonguyen/responseforge/internal/policy"
	"github.com/lvonguyen/responseforge/internal/remediation"
)

// Outcome holds every artefact of one response
type Outcome struct {
	Plan     *remediation.DecisionPlan `json:"plan"`
	Decision *policy.Decision          `json:"decision"`
	Report   *execution.Report         `json:"report,omitempty"`
	Cached   bool                      `json:"cached"`
}

// Responder runs Plan, Evaluate and Execute in sequence
type Responder struct {
	planner     *planner.Planner
	policy      *policy.Engine
	pipeline    *execution.Pipeline
	catalog     *remediation.Catalog
	environment string
	cache       *lru.Cache[string, *remediation.DecisionPlan]
	logger      *zap.Logger
	metrics     *observability.Metrics
	telemetry   *observability.Telemetry
}

// Config configures a Responder
type Config struct {
	Environment   string
	PlanCacheSize int
	Catalog       *remediation.Catalog
	Logger        *zap.Logger
	Metrics       *observability.Metrics
	// Telemetry, when set, wraps each Respond call in a span and records
	// stage errors on it.
	Telemetry *observability.Telemetry
}

// New creates a responder. A PlanCacheSize of zero disables plan caching.
func New(p *planner.Planner, engine *policy.Engine, pipeline *execution.Pipeline, cfg Config) (*Responder, error) {
	r := &Responder{
		planner:     p,
		policy:      engine,
		pipeline:    pipeline,
		catalog:     cfg.Catalog,
		environment: cfg.Environment,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		telemetry:   cfg.Telemetry,
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.catalog == nil {
		r.catalog = remediation.DefaultCatalog()
	}
	if cfg.PlanCacheSize > 0 {
		cache, err := lru.New[string, *remediation.DecisionPlan](cfg.PlanCacheSize)
		if err != nil {
			return nil, fmt.Errorf("create plan cache: %w", err)
		}
		r.cache = cache
	}
	return r, nil
}

// Environment returns the default environment
func (r *Responder) Environment() string { return r.environment }

// Plan returns the plan for an alert, reusing a cached plan for identical input.
func (r *Responder) Plan(ctx context.Context, ea *alert.EnrichedAlert, assessment *alert.ThreatAssessment, env string, dryRun bool) (*remediation.DecisionPlan, bool, error) {
	if env == "" {
		env = r.environment
	}

	var key string
	if r.cache != nil && ea != nil && assessment != nil {
		key = fingerprint(ea, assessment, env, dryRun)
		if plan, ok := r.cache.Get(key); ok {
			r.metrics.ObservePlanCache(true)
			return plan, true, nil
		}
		r.metrics.ObservePlanCache(false)
	}

	plan, err := r.planner.Plan(ctx, ea, assessment, planner.Context{
		Environment: env,
		DryRun:      dryRun,
		Catalog:     r.catalog,
	})
	if err != nil {
		return nil, false, err
	}
	if key != "" {
		r.cache.Add(key, plan)
	}
	return plan, false, nil
}

// Evaluate gates a plan and opens approval requests for held actions
func (r *Responder) Evaluate(ctx context.Context, plan *remediation.DecisionPlan, ea *alert.EnrichedAlert, assessment *alert.ThreatAssessment, env string) (*policy.Decision, error) {
	if env == "" {
		env = r.environment
	}
	return r.policy.Evaluate(ctx, plan, policy.EvalContext{
		Assessment:  assessment,
		Alert:       ea,
		Environment: env,
	})
}

// Respond plans, evaluates and executes the response to one alert
func (r *Responder) Respond(ctx context.Context, ea *alert.EnrichedAlert, assessment *alert.ThreatAssessment, ec execution.Context) (*Outcome, error) {
	if ec.Environment == "" {
		ec.Environment = r.environment
	}
	if r.telemetry != nil {
		var span trace.Span
		ctx, span = r.telemetry.StartSpan(ctx, "responder.Respond", trace.WithAttributes(
			attribute.String("environment", ec.Environment),
			attribute.Bool("dry_run", ec.DryRun),
		))
		defer span.End()
	}

	plan, cached, err := r.Plan(ctx, ea, assessment, ec.Environment, ec.DryRun)
	if err != nil {
		return nil, r.stageError(ctx, "plan", err)
	}
	decision, err := r.Evaluate(ctx, plan, ea, assessment, ec.Environment)
	if err != nil {
		return nil, r.stageError(ctx, "evaluate", err)
	}

	out := &Outcome{Plan: plan, Decision: decision, Cached: cached}
	report, err := r.pipeline.Execute(ctx, plan, decision, ec)
	out.Report = report
	if err != nil {
		return out, r.stageError(ctx, "execute", err, zap.String("plan_id", plan.ID))
	}

	r.logger.Info("Alert response complete",
		zap.String("alert_id", plan.AlertID),
		zap.String("plan_id", plan.ID),
		zap.String("correlation_id", report.CorrelationID),
		zap.Bool("cached_plan", cached),
		zap.Bool("failed", report.Failed()),
	)
	return out, nil
}

// stageError wraps err with its stage and reports it to telemetry
func (r *Responder) stageError(ctx context.Context, stage string, err error, fields ...zap.Field) error {
	err = fmt.Errorf("%s: %w", stage, err)
	if r.telemetry != nil {
		r.telemetry.RecordError(ctx, err, append(fields, zap.String("stage", stage))...)
	}
	return err
}

// Execute runs an existing plan, e.g. after approvals came in
func (r *Responder) Execute(ctx context.Context, plan *remediation.DecisionPlan, decision *policy.Decision, ec execution.Context) (*execution.Report, error) {
	if ec.Environment == "" {
		ec.Environment = r.environment
	}
	return r.pipeline.Execute(ctx, plan, decision, ec)
}

// fingerprint identifies planning input. Canonical JSON keeps it independent
// of map ordering.
func fingerprint(ea *alert.EnrichedAlert, assessment *alert.ThreatAssessment, env string, dryRun bool) string {
	raw, err := json.Marshal(struct {
		Alert       *alert.EnrichedAlert    `json:"alert"`
		Assessment  *alert.ThreatAssessment `json:"assessment"`
		Environment string                  `json:"environment"`
		DryRun      bool                    `json:"dry_run"`
	}{ea, assessment, env, dryRun})
	if err != nil {
		return ""
	}
	if canon, err := jcs.Transform(raw); err == nil {
		raw = canon
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
