package planner

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/lvonguyen/responseforge/internal/playbooks"
	"github.com/lvonguyen/responseforge/internal/remediation"
)

// Strategy thresholds
const (
	ObserveBelowConfidence     = 0.3
	EscalateCriticality        = 4
	EscalateBelowConfidence    = 0.85
	CollectMinConfidence       = 0.85
	CollectMinSeverity         = 70
	ContainMinConfidence       = 0.6
	ContainMinSeverity         = 50
	confidencePenaltyRange     = 30
	privilegedRiskSurcharge    = 10
	privilegedImpactSurcharge  = 10
	criticalityImpactPerPoint  = 5
	recommendedActionRationale = "Recommended by threat assessment."
)

// DefaultStrategySelector applies the fixed threshold ladder.
// Escalation is checked before containment so it wins even at high severity.
type DefaultStrategySelector struct{}

// SelectStrategy implements StrategySelector
func (DefaultStrategySelector) SelectStrategy(in Input) remediation.Strategy {
	conf := in.Assessment.Confidence
	sev := in.Assessment.Severity
	switch {
	case conf < ObserveBelowConfidence:
		return remediation.StrategyObserveMore
	case (in.Alert.Criticality() >= EscalateCriticality || in.Alert.Privileged()) && conf < EscalateBelowConfidence:
		return remediation.StrategyEscalateToHuman
	case conf >= CollectMinConfidence && sev >= CollectMinSeverity:
		return remediation.StrategyContainAndCollect
	case conf >= ContainMinConfidence && sev >= ContainMinSeverity:
		return remediation.StrategyContain
	default:
		return remediation.StrategyNotifyOnly
	}
}

// PlaybookActionSelector seeds actions from the strategy's playbook and merges
// the assessment's recommendations. A nil Playbooks uses the built-in defaults.
type PlaybookActionSelector struct {
	Playbooks *playbooks.Manager
}

// SelectActions implements ActionSelector
func (s PlaybookActionSelector) SelectActions(in Input, strategy remediation.Strategy) []remediation.PlannedAction {
	mgr := s.Playbooks
	if mgr == nil {
		mgr = defaultPlaybooks
	}
	a := in.Alert.Alert

	var out []remediation.PlannedAction
	if pb, ok := mgr.Get(strategy); ok {
		for _, step := range pb.Steps {
			params, ok := playbooks.Resolve(step.Target, a)
			if !ok {
				continue
			}
			out = append(out, remediation.NewPlannedAction(step.Kind, params, step.Rationale))
		}
	}

	for _, rec := range in.Assessment.RecommendedActions {
		kind := remediation.Kind(strings.TrimSpace(rec.Kind))
		if kind == "" {
			continue
		}
		params := remediation.CopyParams(rec.Parameters)
		if target, known := playbooks.TargetOf(kind); known {
			entity, ok := playbooks.Resolve(target, a)
			if !ok {
				continue
			}
			for k, v := range entity {
				params[k] = v
			}
		}
		rationale := rec.Rationale
		if rationale == "" {
			rationale = recommendedActionRationale
		}
		out = append(out, remediation.NewPlannedAction(kind, params, rationale))
	}

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := remediation.Rank(out[i].Kind), remediation.Rank(out[j].Kind)
		if ri != rj {
			return ri < rj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

var defaultPlaybooks = playbooks.NewManager(nil)

// DefaultRiskEstimator scores actions from catalog defaults and alert context.
// Kinds missing from the catalog get maximal risk and impact.
type DefaultRiskEstimator struct{}

// Estimate implements RiskEstimator
func (DefaultRiskEstimator) Estimate(in Input, actions []remediation.PlannedAction) []remediation.PlannedAction {
	conf := math.Max(0, math.Min(1, in.Assessment.Confidence))
	crit := in.Alert.Criticality()
	priv := in.Alert.Privileged()

	out := make([]remediation.PlannedAction, 0, len(actions))
	for _, a := range actions {
		def, ok := in.Context.Catalog.Lookup(a.Kind)
		if !ok {
			a.Risk, a.Impact, a.Reversible = 100, 100, false
			out = append(out, a)
			continue
		}
		risk := def.DefaultRisk + int(math.Round((1-conf)*confidencePenaltyRange))
		impact := def.DefaultImpact + crit*criticalityImpactPerPoint
		if priv {
			risk += privilegedRiskSurcharge
			impact += privilegedImpactSurcharge
		}
		a.Risk = remediation.Clamp(risk)
		a.Impact = remediation.Clamp(impact)
		a.Reversible = def.SupportsRollback
		out = append(out, a)
	}
	return out
}

// CatalogSanitizer drops actions whose required parameters are missing.
// Unknown kinds pass through so policy can deny them with a reason.
type CatalogSanitizer struct{}

// Sanitize implements Sanitizer
func (CatalogSanitizer) Sanitize(in Input, actions []remediation.PlannedAction) []remediation.PlannedAction {
	out := make([]remediation.PlannedAction, 0, len(actions))
	for _, a := range actions {
		if def, ok := in.Context.Catalog.Lookup(a.Kind); ok && len(remediation.MissingParameters(def, a.Parameters)) > 0 {
			continue
		}
		out = append(out, a)
	}
	return out
}

// DefaultNormalizer removes duplicate ids and orders by (risk, impact, kind, id)
type DefaultNormalizer struct{}

// Normalize implements Normalizer
func (DefaultNormalizer) Normalize(actions []remediation.PlannedAction) []remediation.PlannedAction {
	seen := make(map[string]bool, len(actions))
	out := make([]remediation.PlannedAction, 0, len(actions))
	for _, a := range actions {
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Risk != b.Risk {
			return a.Risk < b.Risk
		}
		if a.Impact != b.Impact {
			return a.Impact < b.Impact
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.ID < b.ID
	})
	return out
}

// InverseRollbackBuilder synthesises the inverse of every reversible action,
// walking the plan backwards. Kinds without a known inverse are skipped.
type InverseRollbackBuilder struct{}

// BuildRollback implements RollbackBuilder
func (InverseRollbackBuilder) BuildRollback(in Input, actions []remediation.PlannedAction) []remediation.PlannedAction {
	var out []remediation.PlannedAction
	seen := make(map[string]bool)
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		if !a.Reversible {
			continue
		}
		inv, ok := remediation.InverseOf(a.Kind)
		if !ok {
			continue
		}
		rb := remediation.NewPlannedAction(inv, a.Parameters, fmt.Sprintf("Rollback of %s %s.", a.Kind, a.ID))
		if seen[rb.ID] {
			continue
		}
		seen[rb.ID] = true
		if def, ok := in.Context.Catalog.Lookup(inv); ok {
			rb.Risk = remediation.Clamp(def.DefaultRisk)
			rb.Impact = remediation.Clamp(def.DefaultImpact)
			rb.Reversible = def.SupportsRollback
		}
		out = append(out, rb)
	}
	return out
}
