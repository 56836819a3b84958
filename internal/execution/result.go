package execution

import (
	"time"

	"github.com/lvonguyen/responseforge/internal/remediation"
)

// Status of an executed action
type Status string

const (
	StatusSkipped   Status = "skipped"
	StatusDryRun    Status = "dry_run"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Context is supplied by the caller for one execution run
type Context struct {
	Environment   string        `json:"environment"`
	DryRun        bool          `json:"dry_run"`
	ActionTimeout time.Duration `json:"action_timeout"`
	StopOnFailure bool          `json:"stop_on_failure"`
	CorrelationID string        `json:"correlation_id,omitempty"`
}

// ActionResult records what happened to one action
type ActionResult struct {
	ActionID          string           `json:"action_id"`
	Kind              remediation.Kind `json:"kind"`
	Status            Status           `json:"status"`
	ExecutorName      string           `json:"executor_name,omitempty"`
	StartedAt         time.Time        `json:"started_at"`
	FinishedAt        time.Time        `json:"finished_at"`
	Message           string           `json:"message"`
	ExternalReference string           `json:"external_reference,omitempty"`
	IsRollback        bool             `json:"is_rollback"`
	OriginalActionID  string           `json:"original_action_id,omitempty"`
}

// Report is the outcome of one Execute call
type Report struct {
	PlanID          string         `json:"plan_id"`
	CorrelationID   string         `json:"correlation_id"`
	Actions         []ActionResult `json:"actions"`
	RollbackActions []ActionResult `json:"rollback_actions"`
	Notes           []string       `json:"notes"`
}

// Counts tallies forward action results by status
func (r *Report) Counts() map[Status]int {
	out := map[Status]int{}
	for _, a := range r.Actions {
		out[a.Status]++
	}
	return out
}

// Failed reports whether any forward or rollback action failed
func (r *Report) Failed() bool {
	for _, list := range [][]ActionResult{r.Actions, r.RollbackActions} {
		for _, a := range list {
			if a.Status == StatusFailed {
				return true
			}
		}
	}
	return false
}
