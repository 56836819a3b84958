package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/responseforge/internal/alert"
	"github.com/lvonguyen/responseforge/internal/approval"
	"github.com/lvonguyen/responseforge/internal/remediation"
)

func action(kind remediation.Kind, risk, impact int, params map[string]string) remediation.PlannedAction {
	a := remediation.NewPlannedAction(kind, params, "")
	a.Risk = risk
	a.Impact = impact
	return a
}

func evalCtx(conf float64, env string, crit int, privileged bool) EvalContext {
	ea := &alert.EnrichedAlert{Alert: alert.Alert{ID: "alert-1"}}
	if crit > 0 {
		ea.Context.Asset = &alert.Asset{Criticality: crit}
	}
	if privileged {
		ea.Context.Identity = &alert.Identity{Privileged: true}
	}
	return EvalContext{
		Assessment:  &alert.ThreatAssessment{Confidence: conf, Severity: 70},
		Alert:       ea,
		Environment: env,
	}
}

var (
	blockIP = action(remediation.KindBlockIP, 40, 20, map[string]string{remediation.ParamSrcIP: "203.0.113.5"})
	notify  = action(remediation.KindNotify, 5, 5, map[string]string{remediation.ParamAlertID: "alert-1"})
	disable = action(remediation.KindDisableUser, 50, 40, map[string]string{remediation.ParamUsername: "jdoe"})
	isolate = action(remediation.KindIsolateHost, 60, 60, map[string]string{remediation.ParamHostname: "web-01"})
)

// =============================================================================
// Action Evaluation Tests
// =============================================================================

// TestEvaluateAction_Approved verifies an ordinary action within thresholds.
func TestEvaluateAction_Approved(t *testing.T) {
	e := NewEngine(DefaultConfig())
	ad := e.EvaluateAction(blockIP, evalCtx(0.9, "dev", 0, false))

	assert.Equal(t, StatusApproved, ad.Status)
	assert.Equal(t, []string{"within policy: risk 40, impact 20, confidence 0.90"}, ad.Reasons)
}

// TestEvaluateAction_HardDenials verifies each deny rule and its precedence.
func TestEvaluateAction_HardDenials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ForbiddenActionsByEnvironment = map[string][]remediation.Kind{"prod": {remediation.KindBlockIP}}
	cfg.ForbidActionsOnPrivilegedIdentities = []remediation.Kind{remediation.KindDisableUser}
	cfg.ForbidActionsOnCriticalAssets = []remediation.Kind{remediation.KindIsolateHost}
	e := NewEngine(cfg)

	tests := []struct {
		name   string
		action remediation.PlannedAction
		ec     EvalContext
		reason string
	}{
		{
			name:   "unknown kind",
			action: action("reboot_host", 100, 100, map[string]string{"hostname": "h"}),
			ec:     evalCtx(0.9, "dev", 0, false),
			reason: `action kind "reboot_host" is not in the catalog`,
		},
		{
			name:   "missing parameters",
			action: action(remediation.KindBlockIP, 40, 20, nil),
			ec:     evalCtx(0.9, "dev", 0, false),
			reason: "missing required parameters: src_ip",
		},
		{
			name:   "forbidden in environment wins over low confidence",
			action: blockIP,
			ec:     evalCtx(0.1, "PROD", 0, false),
			reason: `block_ip is forbidden in environment "PROD"`,
		},
		{
			name:   "low confidence",
			action: blockIP,
			ec:     evalCtx(0.1, "dev", 0, false),
			reason: "confidence 0.10 is below minConfidenceForAutonomy 0.60 for block_ip",
		},
		{
			name:   "forbidden on privileged identity",
			action: disable,
			ec:     evalCtx(0.9, "dev", 0, true),
			reason: "disable_user is forbidden on privileged identities",
		},
		{
			name:   "forbidden on critical asset",
			action: isolate,
			ec:     evalCtx(0.9, "dev", 4, false),
			reason: "isolate_host is forbidden on critical assets (criticality 4 >= 4)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ad := e.EvaluateAction(tt.action, tt.ec)
			assert.Equal(t, StatusDenied, ad.Status)
			assert.Equal(t, []string{tt.reason}, ad.Reasons)
		})
	}
}

// TestEvaluateAction_SafeLowConfidence verifies safe kinds survive low confidence.
func TestEvaluateAction_SafeLowConfidence(t *testing.T) {
	e := NewEngine(DefaultConfig())
	ad := e.EvaluateAction(notify, evalCtx(0.1, "dev", 0, false))
	assert.Equal(t, StatusApproved, ad.Status)
}

// TestEvaluateAction_ApprovalReasons verifies every approval trigger is listed.
func TestEvaluateAction_ApprovalReasons(t *testing.T) {
	e := NewEngine(DefaultConfig())

	ad := e.EvaluateAction(disable, evalCtx(0.9, "production", 0, false))
	assert.Equal(t, StatusPendingApproval, ad.Status)
	assert.Equal(t, []string{"disable_user requires approval in production"}, ad.Reasons)

	ad = e.EvaluateAction(disable, evalCtx(0.9, "dev", 0, true))
	assert.Equal(t, []string{"disable_user on a privileged identity requires approval"}, ad.Reasons)

	risky := action(remediation.KindIsolateHost, 75, 80, map[string]string{remediation.ParamHostname: "db-01"})
	ad = e.EvaluateAction(risky, evalCtx(0.9, "prod", 5, false))
	assert.Equal(t, StatusPendingApproval, ad.Status)
	assert.Equal(t, []string{
		"isolate_host requires approval by default",
		"risk 75 meets riskApprovalThreshold 70",
		"impact 80 meets impactApprovalThreshold 70",
		"isolate_host requires approval in production",
		"isolate_host on a critical asset requires approval",
	}, ad.Reasons)
}

// TestIsProduction verifies environment name matching.
func TestIsProduction(t *testing.T) {
	assert.True(t, IsProduction("prod"))
	assert.True(t, IsProduction(" Production "))
	assert.False(t, IsProduction("staging"))
	assert.False(t, IsProduction(""))
}

// =============================================================================
// Custom Rule Tests
// =============================================================================

// TestCustomRules_Deny verifies a matching deny rule short-circuits.
func TestCustomRules_Deny(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CustomRules = []Rule{{
		Name:       "no-blocks-in-staging",
		Expression: `action.kind == "block_ip" && context.environment == "staging"`,
		Effect:     EffectDeny,
	}}
	e := NewEngine(cfg)
	require.Empty(t, e.Warnings())

	ad := e.EvaluateAction(blockIP, evalCtx(0.9, "staging", 0, false))
	assert.Equal(t, StatusDenied, ad.Status)
	assert.Equal(t, []string{`denied by rule "no-blocks-in-staging"`}, ad.Reasons)

	ad = e.EvaluateAction(blockIP, evalCtx(0.9, "dev", 0, false))
	assert.Equal(t, StatusApproved, ad.Status)
}

// TestCustomRules_RequireApproval verifies approval rules add a reason.
func TestCustomRules_RequireApproval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CustomRules = []Rule{{
		Name:       "severe-blocks",
		Expression: `action.kind == "block_ip" && assessment.severity >= 70`,
		Effect:     EffectRequireApproval,
	}}
	e := NewEngine(cfg)

	ad := e.EvaluateAction(blockIP, evalCtx(0.9, "dev", 0, false))
	assert.Equal(t, StatusPendingApproval, ad.Status)
	assert.Equal(t, []string{`rule "severe-blocks" requires approval`}, ad.Reasons)
}

// TestCustomRules_NonBooleanFailsClosed verifies a rule that does not yield a
// bool restricts the action.
func TestCustomRules_NonBooleanFailsClosed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CustomRules = []Rule{{Name: "broken", Expression: `action.kind`, Effect: EffectDeny}}
	e := NewEngine(cfg)

	ad := e.EvaluateAction(notify, evalCtx(0.9, "dev", 0, false))
	assert.Equal(t, StatusDenied, ad.Status)
}

// TestCustomRules_CompileErrorWarns verifies invalid expressions are dropped.
func TestCustomRules_CompileErrorWarns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CustomRules = []Rule{
		{Name: "bad", Expression: `action.kind ==`, Effect: EffectDeny},
		{Name: "good", Expression: `action.risk > 1000`, Effect: EffectDeny},
	}
	e := NewEngine(cfg)

	warnings := e.Warnings()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], `rule "bad" dropped`)
	assert.Equal(t, StatusApproved, e.EvaluateAction(blockIP, evalCtx(0.9, "dev", 0, false)).Status)
}

// =============================================================================
// Plan Evaluation Tests
// =============================================================================

// TestEvaluate_NilInputs verifies the caller contract errors.
func TestEvaluate_NilInputs(t *testing.T) {
	e := NewEngine(DefaultConfig())
	_, err := e.Evaluate(context.Background(), nil, evalCtx(0.9, "dev", 0, false))
	assert.ErrorIs(t, err, ErrNilPlan)

	_, err = e.Evaluate(context.Background(), &remediation.DecisionPlan{}, EvalContext{})
	assert.ErrorIs(t, err, ErrNilAssessment)
}

// TestEvaluate_PartitionsAndRequestsApproval verifies decisions are grouped
// and pending actions get approval requests.
func TestEvaluate_PartitionsAndRequestsApproval(t *testing.T) {
	wf := approval.NewWorkflow(nil)
	e := NewEngine(DefaultConfig(), WithApprovals(wf))
	plan := &remediation.DecisionPlan{
		ID:      "plan-1",
		AlertID: "alert-1",
		Actions: []remediation.PlannedAction{notify, blockIP, disable, action("reboot_host", 100, 100, nil)},
	}

	d, err := e.Evaluate(context.Background(), plan, evalCtx(0.9, "prod", 0, false))
	require.NoError(t, err)

	assert.Equal(t, "plan-1", d.PlanID)
	assert.Len(t, d.Decisions, 4)
	assert.Len(t, d.Approved, 2)
	require.Len(t, d.PendingApproval, 1)
	assert.Equal(t, disable.ID, d.PendingApproval[0].ID)
	assert.Len(t, d.Denied, 1)
	assert.Contains(t, d.Notes, "Approval requests created: 1.")
	assert.Contains(t, d.Notes, "Approved=2, PendingApproval=1, Denied=1")

	status, ok := wf.Status(disable.ID)
	require.True(t, ok)
	assert.Equal(t, approval.StatusPending, status)

	s, ok := d.StatusOf(blockIP.ID)
	require.True(t, ok)
	assert.Equal(t, StatusApproved, s)
	for _, ad := range d.Decisions {
		assert.NotEmpty(t, ad.Reasons)
	}
}

// TestEvaluate_PlanCapProperty verifies an oversized plan is denied as a
// whole and opens no approval requests.
func TestEvaluate_PlanCapProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("plans over the cap are fully denied", prop.ForAll(
		func(limit, extra int) bool {
			cfg := DefaultConfig()
			cfg.MaxActionsPerPlan = limit
			wf := approval.NewWorkflow(nil)
			e := NewEngine(cfg, WithApprovals(wf))

			plan := &remediation.DecisionPlan{ID: "plan-cap"}
			for i := 0; i < limit+extra; i++ {
				plan.Actions = append(plan.Actions, action(remediation.KindIsolateHost, 90, 90,
					map[string]string{remediation.ParamHostname: fmt.Sprintf("host-%d", i)}))
			}
			d, err := e.Evaluate(context.Background(), plan, evalCtx(0.95, "prod", 5, false))
			if err != nil {
				return false
			}
			if len(d.Denied) != len(plan.Actions) || len(d.Approved) != 0 || len(d.PendingApproval) != 0 {
				return false
			}
			for _, ad := range d.Decisions {
				if ad.Status != StatusDenied || len(ad.Reasons) != 1 {
					return false
				}
				if ad.Reasons[0] != fmt.Sprintf("plan has %d actions, exceeding maxActionsPerPlan %d", len(plan.Actions), limit) {
					return false
				}
			}
			return len(wf.List("")) == 0
		},
		gen.IntRange(1, 10),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}

// TestEvaluate_AtCapIsEvaluated verifies a plan exactly at the cap is judged per action.
func TestEvaluate_AtCapIsEvaluated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxActionsPerPlan = 2
	e := NewEngine(cfg)

	d, err := e.Evaluate(context.Background(), &remediation.DecisionPlan{
		Actions: []remediation.PlannedAction{notify, blockIP},
	}, evalCtx(0.9, "dev", 0, false))
	require.NoError(t, err)
	assert.Len(t, d.Approved, 2)
}

// =============================================================================
// Config Parsing Tests
// =============================================================================

// TestParseConfig_Tolerant verifies unknown and invalid fields only warn.
func TestParseConfig_Tolerant(t *testing.T) {
	cfg, warnings := ParseConfig([]byte(`
minConfidenceForAutonomy: 0.75
riskApprovalThreshold: 150
maxActionsPerPlan: 3
colour: blue
requireApprovalInProd: [block_ip, " isolate_host ", ""]
forbiddenActionsByEnvironment:
  Prod: [kill_process]
customRules:
  - name: bad-effect
    expression: "true"
    effect: allow
`))

	assert.Equal(t, 0.75, cfg.MinConfidenceForAutonomy)
	assert.Equal(t, 70, cfg.RiskApprovalThreshold)
	assert.Equal(t, 3, cfg.MaxActionsPerPlan)
	assert.Equal(t, []remediation.Kind{remediation.KindBlockIP, remediation.KindIsolateHost}, cfg.RequireApprovalInProd)
	assert.Equal(t, []remediation.Kind{remediation.KindKillProcess}, cfg.ForbiddenActionsByEnvironment["prod"])
	assert.Empty(t, cfg.CustomRules)

	assert.Equal(t, []string{
		`unknown policy field "colour" ignored`,
		`policy field "customRules" invalid (value out of range); using default`,
		`policy field "riskApprovalThreshold" invalid (value out of range); using default`,
	}, warnings)
}

// TestParseConfig_TypeMismatchKeepsDefault verifies a wrongly typed field is ignored.
func TestParseConfig_TypeMismatchKeepsDefault(t *testing.T) {
	cfg, warnings := ParseConfig([]byte("impactApprovalThreshold: high\n"))
	assert.Equal(t, 70, cfg.ImpactApprovalThreshold)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], `policy field "impactApprovalThreshold" invalid`)
}

// TestParseConfig_EmptyAndUnparseable verifies whole-document fallbacks.
func TestParseConfig_EmptyAndUnparseable(t *testing.T) {
	cfg, warnings := ParseConfig([]byte("  \n"))
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, []string{"policy document is empty; using defaults"}, warnings)

	cfg, warnings = ParseConfig([]byte("- just\n- a list\n"))
	assert.Equal(t, DefaultConfig(), cfg)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "policy document unparseable")
}

// TestParseConfig_JSON verifies JSON documents are accepted.
func TestParseConfig_JSON(t *testing.T) {
	cfg, warnings := ParseConfig([]byte(`{"maxActionsPerPlan": 4, "safeLowConfidenceActions": ["notify"]}`))
	assert.Empty(t, warnings)
	assert.Equal(t, 4, cfg.MaxActionsPerPlan)
	assert.Equal(t, []remediation.Kind{remediation.KindNotify}, cfg.SafeLowConfidenceActions)
}

// TestLoadConfig_MissingFile verifies a missing file yields defaults.
func TestLoadConfig_MissingFile(t *testing.T) {
	cfg, warnings := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, DefaultConfig(), cfg)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "unavailable")
}

// TestShippedPolicy verifies the example policy file loads cleanly and its rules apply.
func TestShippedPolicy(t *testing.T) {
	cfg, warnings := LoadConfig(filepath.Join("..", "..", "configs", "policy.yaml"))
	require.Empty(t, warnings)
	require.Len(t, cfg.CustomRules, 2)

	e := NewEngine(cfg)
	require.Empty(t, e.Warnings())

	internal := action(remediation.KindBlockIP, 58, 30, map[string]string{remediation.ParamSrcIP: "10.0.0.5"})
	ad := e.EvaluateAction(internal, evalCtx(0.9, "staging", 0, false))
	assert.Equal(t, StatusDenied, ad.Status)
	assert.Equal(t, []string{`denied by rule "no-blocking-internal-ranges"`}, ad.Reasons)

	external := action(remediation.KindBlockIP, 58, 30, map[string]string{remediation.ParamSrcIP: "203.0.113.10"})
	assert.Equal(t, StatusApproved, e.EvaluateAction(external, evalCtx(0.9, "staging", 0, false)).Status)
}
