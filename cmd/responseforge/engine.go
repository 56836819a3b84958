package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/responseforge/internal/approval"
	"github.com/lvonguyen/responseforge/internal/audit"
	"github.com/lvonguyen/responseforge/internal/config"
	"github.com/lvonguyen/responseforge/internal/execution"
	"github.com/lvonguyen/responseforge/internal/executors/awsexec"
	"github.com/lvonguyen/responseforge/internal/executors/k8sexec"
	"github.com/lvonguyen/responseforge/internal/executors/redisexec"
	"github.com/lvonguyen/responseforge/internal/observability"
	"github.com/lvonguyen/responseforge/internal/planner"
	"github.com/lvonguyen/responseforge/internal/playbooks"
	"github.com/lvonguyen/responseforge/internal/policy"
	"github.com/lvonguyen/responseforge/internal/remediation"
	"github.com/lvonguyen/responseforge/internal/responder"
)

// hecDrainTimeout bounds how long shutdown waits for queued HEC events
const hecDrainTimeout = 5 * time.Second

// engine holds every wired component of one process
type engine struct {
	cfg       *config.Config
	telemetry *observability.Telemetry
	logger    *zap.Logger
	redis     *redis.Client
	catalog   *remediation.Catalog
	approvals *approval.Workflow
	registry  *execution.Registry
	responder *responder.Responder
	closers   []func() error
}

// buildEngine wires telemetry, audit sinks, executors and the engine from cfg
func buildEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	tel, err := observability.New(observability.Config{
		ServiceName:    "responseforge",
		ServiceVersion: Version,
		Environment:    cfg.Engine.Environment,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		TracingEnabled: cfg.Tracing.Enabled,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		MetricsEnabled: cfg.Metrics.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	logger := tel.Logger()
	metrics := tel.Metrics()

	e := &engine{
		cfg:       cfg,
		telemetry: tel,
		logger:    logger,
		catalog:   remediation.DefaultCatalog(),
		approvals: approval.NewWorkflow(logger.Named("approval")),
	}

	if cfg.Redis.Enabled {
		e.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: os.Getenv(cfg.Redis.PasswordEnv),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		e.closers = append(e.closers, e.redis.Close)
	}

	sink, err := e.buildAudit(ctx)
	if err != nil {
		e.Close()
		return nil, err
	}
	if err := e.buildExecutors(ctx); err != nil {
		e.Close()
		return nil, err
	}

	books := playbooks.NewManager(logger.Named("playbooks"))
	if cfg.Engine.PlaybooksPath != "" {
		if err := books.LoadFile(cfg.Engine.PlaybooksPath); err != nil {
			e.Close()
			return nil, err
		}
	}

	policyCfg := policy.DefaultConfig()
	if cfg.Engine.PolicyPath != "" {
		var warnings []string
		policyCfg, warnings = policy.LoadConfig(cfg.Engine.PolicyPath)
		for _, w := range warnings {
			logger.Warn("Policy config", zap.String("warning", w))
		}
	}
	policyEngine := policy.NewEngine(policyCfg,
		policy.WithCatalog(e.catalog),
		policy.WithApprovals(e.approvals),
		policy.WithLogger(logger.Named("policy")),
		policy.WithMetrics(metrics),
	)
	for _, w := range policyEngine.Warnings() {
		logger.Warn("Policy rule", zap.String("warning", w))
	}

	p := planner.New(
		planner.WithPlaybooks(books),
		planner.WithLogger(logger.Named("planner")),
		planner.WithMetrics(metrics),
	)
	pipeline := execution.New(e.registry,
		execution.WithAuditSink(sink),
		execution.WithApprovals(e.approvals),
		execution.WithLogger(logger.Named("execution")),
		execution.WithMetrics(metrics),
		execution.WithTracer(e.telemetry.Tracer()),
	)

	e.responder, err = responder.New(p, policyEngine, pipeline, responder.Config{
		Environment:   cfg.Engine.Environment,
		PlanCacheSize: cfg.Engine.PlanCacheSize,
		Catalog:       e.catalog,
		Logger:        logger.Named("responder"),
		Metrics:       metrics,
		Telemetry:     e.telemetry,
	})
	if err != nil {
		e.Close()
		return nil, err
	}

	logger.Info("Engine initialized",
		zap.String("environment", cfg.Engine.Environment),
		zap.Strings("executors", e.registry.Names()),
		zap.Bool("dry_run_default", cfg.Execution.DryRun),
	)
	return e, nil
}

func (e *engine) buildAudit(ctx context.Context) (audit.Sink, error) {
	sinks := audit.Multi{audit.ZapSink{Logger: e.logger.Named("audit")}}

	if path := e.cfg.Audit.SQLitePath; path != "" {
		store, err := audit.OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, store.Close)
		sinks = append(sinks, store)
	}

	if sc := e.cfg.Audit.Splunk; sc.Enabled {
		hecCfg := audit.DefaultHECConfig()
		hecCfg.URL = sc.HECURL
		hecCfg.Token = os.Getenv(sc.TokenEnv)
		hecCfg.Index = sc.Index
		hecCfg.SourceType = sc.SourceType
		hecCfg.Source = sc.Source
		hecCfg.Timeout = sc.Timeout
		hecCfg.RetryCount = sc.RetryCount
		if sc.QueueSize > 0 {
			hecCfg.QueueSize = sc.QueueSize
		}
		hec, err := audit.NewHECSink(hecCfg)
		if err != nil {
			return nil, fmt.Errorf("splunk audit: %w", err)
		}
		e.closers = append(e.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), hecDrainTimeout)
			defer cancel()
			return hec.Close(ctx)
		})
		sinks = append(sinks, hec)
	}
	return sinks, nil
}

func (e *engine) buildExecutors(ctx context.Context) error {
	e.registry = execution.NewRegistry()
	xc := e.cfg.Executors

	if xc.Redis.Enabled {
		e.registry.Register(redisexec.New(e.redis, redisexec.Config{
			NotifyChannel: xc.Redis.NotifyChannel,
			TicketStream:  xc.Redis.TicketStream,
			StreamMaxLen:  xc.Redis.StreamMaxLen,
		}, e.logger.Named("redisexec")))
	}
	if xc.AWS.Enabled {
		ex, err := awsexec.NewFromConfig(ctx, awsexec.Config{
			Region:         xc.AWS.Region,
			NetworkACLID:   xc.AWS.NetworkACLID,
			RuleNumberBase: xc.AWS.RuleNumberBase,
			RuleNumberSpan: xc.AWS.RuleNumberSpan,
		}, e.logger.Named("awsexec"))
		if err != nil {
			return err
		}
		e.registry.Register(ex)
	}
	if xc.Kubernetes.Enabled {
		ex, err := k8sexec.NewFromKubeconfig(xc.Kubernetes.Kubeconfig, e.logger.Named("k8sexec"))
		if err != nil {
			return err
		}
		e.registry.Register(ex)
	}
	return nil
}

// executionDefaults returns the run context configured for this process
func (e *engine) executionDefaults() execution.Context {
	return execution.Context{
		Environment:   e.cfg.Engine.Environment,
		DryRun:        e.cfg.Execution.DryRun,
		ActionTimeout: e.cfg.Execution.ActionTimeout,
		StopOnFailure: e.cfg.Execution.StopOnFailure,
	}
}

// ready pings Redis when it is configured
func (e *engine) ready(ctx context.Context) error {
	if e.redis == nil {
		return nil
	}
	return e.redis.Ping(ctx).Err()
}

// Close releases connections in reverse order of creation
func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Warn("Close failed", zap.Error(err))
		}
	}
	e.closers = nil
	_ = e.telemetry.Shutdown(context.Background())
}
