package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/lvonguyen/responseforge/internal/remediation"
)

type compiledRule struct {
	Rule
	prg cel.Program
}

func newRuleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("action", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("assessment", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// compileRules compiles every rule. Rules that fail to compile are returned as warnings.
func compileRules(rules []Rule) ([]compiledRule, []string) {
	if len(rules) == 0 {
		return nil, nil
	}
	env, err := newRuleEnv()
	if err != nil {
		return nil, []string{fmt.Sprintf("custom rules disabled: %v", err)}
	}

	var out []compiledRule
	var warnings []string
	for _, r := range rules {
		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			warnings = append(warnings, fmt.Sprintf("rule %q dropped: %v", r.Name, issues.Err()))
			continue
		}
		prg, err := env.Program(ast, cel.CostLimit(10000))
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("rule %q dropped: %v", r.Name, err))
			continue
		}
		out = append(out, compiledRule{Rule: r, prg: prg})
	}
	return out, warnings
}

// matches evaluates the rule. Evaluation errors and non-boolean results count
// as a match so a broken rule restricts rather than permits.
func (r compiledRule) matches(vars map[string]any) (bool, error) {
	out, _, err := r.prg.Eval(vars)
	if err != nil {
		return true, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return true, fmt.Errorf("rule %q returned %T, want bool", r.Name, out.Value())
	}
	return b, nil
}

func ruleVars(a remediation.PlannedAction, ec EvalContext) map[string]any {
	params := make(map[string]any, len(a.Parameters))
	for k, v := range a.Parameters {
		params[k] = v
	}
	var conf float64
	var sev int
	if ec.Assessment != nil {
		conf = ec.Assessment.Confidence
		sev = ec.Assessment.Severity
	}
	return map[string]any{
		"action": map[string]any{
			"id":         a.ID,
			"kind":       string(a.Kind),
			"risk":       a.Risk,
			"impact":     a.Impact,
			"reversible": a.Reversible,
			"parameters": params,
		},
		"assessment": map[string]any{
			"confidence": conf,
			"severity":   sev,
		},
		"context": map[string]any{
			"environment": ec.Environment,
			"criticality": ec.Alert.Criticality(),
			"privileged":  ec.Alert.Privileged(),
		},
	}
}
