// Package approval tracks human approval of planned actions.
//
// Requests are keyed by action id. At most one request exists per id and a
// request that has been approved or denied never changes again.
package approval

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/responseforge/internal/remediation"
)

// Status of an approval request
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// Request is a pending or decided approval for one action
type Request struct {
	ID          string                    `json:"request_id"`
	Action      remediation.PlannedAction `json:"action"`
	Reason      string                    `json:"reason"`
	RequestedAt time.Time                 `json:"requested_at"`
	Status      Status                    `json:"status"`
	DecidedAt   *time.Time                `json:"decided_at,omitempty"`
	DecidedBy   string                    `json:"decided_by,omitempty"`
}

// Workflow is an in-memory approval store. It is safe for concurrent use.
type Workflow struct {
	mu       sync.RWMutex
	requests map[string]*Request
	now      func() time.Time
	logger   *zap.Logger
}

// NewWorkflow creates an empty workflow
func NewWorkflow(logger *zap.Logger) *Workflow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workflow{
		requests: make(map[string]*Request),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// CreateRequests opens a request for every action that has none yet and
// returns how many were created.
func (w *Workflow) CreateRequests(actions []remediation.PlannedAction, reason string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	created := 0
	for _, a := range actions {
		if _, exists := w.requests[a.ID]; exists {
			continue
		}
		snapshot := a
		snapshot.Parameters = remediation.CopyParams(a.Parameters)
		w.requests[a.ID] = &Request{
			ID:          uuid.NewString(),
			Action:      snapshot,
			Reason:      reason,
			RequestedAt: w.now(),
			Status:      StatusPending,
		}
		created++
		w.logger.Info("Approval requested",
			zap.String("action_id", a.ID),
			zap.String("kind", string(a.Kind)),
			zap.String("reason", reason),
		)
	}
	return created
}

// Approve approves a pending request. It reports false when no request
// exists or the request was already decided.
func (w *Workflow) Approve(actionID, actor string) bool {
	return w.decide(actionID, actor, StatusApproved)
}

// Deny denies a pending request, with the same rules as Approve.
func (w *Workflow) Deny(actionID, actor string) bool {
	return w.decide(actionID, actor, StatusDenied)
}

func (w *Workflow) decide(actionID, actor string, status Status) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	req, ok := w.requests[actionID]
	if !ok || req.Status != StatusPending {
		return false
	}
	now := w.now()
	req.Status = status
	req.DecidedAt = &now
	req.DecidedBy = actor
	w.logger.Info("Approval decided",
		zap.String("action_id", actionID),
		zap.String("status", string(status)),
		zap.String("actor", actor),
	)
	return true
}

// Status returns the status of the request for actionID
func (w *Workflow) Status(actionID string) (Status, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	req, ok := w.requests[actionID]
	if !ok {
		return "", false
	}
	return req.Status, true
}

// Get returns a copy of the request for actionID
func (w *Workflow) Get(actionID string) (Request, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	req, ok := w.requests[actionID]
	if !ok {
		return Request{}, false
	}
	return copyRequest(req), true
}

// ApprovedActions filters candidates down to those approved
func (w *Workflow) ApprovedActions(candidates []remediation.PlannedAction) []remediation.PlannedAction {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []remediation.PlannedAction
	for _, a := range candidates {
		if req, ok := w.requests[a.ID]; ok && req.Status == StatusApproved {
			out = append(out, a)
		}
	}
	return out
}

// IsApproved reports whether actionID has an approved request
func (w *Workflow) IsApproved(actionID string) bool {
	s, ok := w.Status(actionID)
	return ok && s == StatusApproved
}

// List returns requests ordered by request time then action id.
// An empty filter returns every request.
func (w *Workflow) List(filter Status) []Request {
	w.mu.RLock()
	out := make([]Request, 0, len(w.requests))
	for _, req := range w.requests {
		if filter != "" && req.Status != filter {
			continue
		}
		out = append(out, copyRequest(req))
	}
	w.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].Action.ID < out[j].Action.ID
	})
	return out
}

func copyRequest(r *Request) Request {
	c := *r
	c.Action.Parameters = remediation.CopyParams(r.Action.Parameters)
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		c.DecidedAt = &t
	}
	return c
}
