package remediation

import "time"

// Strategy is the high level response posture chosen for an alert
type Strategy string

const (
	StrategyObserveMore       Strategy = "ObserveMore"
	StrategyNotifyOnly        Strategy = "NotifyOnly"
	StrategyEscalateToHuman   Strategy = "EscalateToHuman"
	StrategyContain           Strategy = "Contain"
	StrategyContainAndCollect Strategy = "ContainAndCollect"
)

// Strategies lists every strategy
func Strategies() []Strategy {
	return []Strategy{
		StrategyObserveMore,
		StrategyNotifyOnly,
		StrategyEscalateToHuman,
		StrategyContain,
		StrategyContainAndCollect,
	}
}

// DecisionPlan is the planner's output for one alert. It is not modified after creation.
type DecisionPlan struct {
	ID              string            `json:"plan_id"`
	AlertID         string            `json:"alert_id"`
	Strategy        Strategy          `json:"strategy"`
	Priority        int               `json:"priority"`
	Summary         string            `json:"summary"`
	Actions         []PlannedAction   `json:"actions"`
	RollbackActions []PlannedAction   `json:"rollback_actions"`
	Rationale       []string          `json:"rationale"`
	Tags            map[string]string `json:"tags"`
	DryRun          bool              `json:"dry_run"`
	CreatedAt       time.Time         `json:"created_at"`
}

// FindRollback returns the rollback entry of the given kind with identical parameters.
func (p *DecisionPlan) FindRollback(kind Kind, params map[string]string) (PlannedAction, bool) {
	if p == nil {
		return PlannedAction{}, false
	}
	for _, rb := range p.RollbackActions {
		if rb.Kind == kind && SameParams(rb.Parameters, params) {
			return rb, true
		}
	}
	return PlannedAction{}, false
}

// Clamp bounds v to the 0..100 score range
func Clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
