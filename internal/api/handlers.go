package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/responseforge/internal/alert"
	"github.com/lvonguyen/responseforge/internal/approval"
	"github.com/lvonguyen/responseforge/internal/execution"
	"github.com/lvonguyen/responseforge/internal/planner"
	"github.com/lvonguyen/responseforge/internal/policy"
	"github.com/lvonguyen/responseforge/internal/remediation"
)

const maxBodyBytes = 1 << 20

// ResponseRequest is the body of /plan and /respond
type ResponseRequest struct {
	Alert         *alert.EnrichedAlert    `json:"alert"`
	Assessment    *alert.ThreatAssessment `json:"assessment"`
	Environment   string                  `json:"environment,omitempty"`
	DryRun        *bool                   `json:"dry_run,omitempty"`
	StopOnFailure *bool                   `json:"stop_on_failure,omitempty"`
	CorrelationID string                  `json:"correlation_id,omitempty"`
}

// PlanResponse is returned by /plan
type PlanResponse struct {
	Plan     *remediation.DecisionPlan `json:"plan"`
	Decision *policy.Decision          `json:"decision"`
	Cached   bool                      `json:"cached"`
}

// DecisionRequest is the body of approve and deny calls
type DecisionRequest struct {
	Actor   string `json:"actor"`
	Comment string `json:"comment,omitempty"`
}

// Health and readiness handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.opts.Version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	kinds := s.opts.Catalog.Kinds()
	defs := make([]remediation.ActionDefinition, 0, len(kinds))
	for _, k := range kinds {
		if d, ok := s.opts.Catalog.Lookup(k); ok {
			defs = append(defs, d)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": defs, "count": len(defs)})
}

// Response handlers

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req ResponseRequest
	if !s.decode(w, r, s.responseSchema, &req) {
		return
	}
	dryRun := s.opts.Execution.DryRun
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}

	rs := s.opts.Responder
	plan, cached, err := rs.Plan(r.Context(), req.Alert, req.Assessment, req.Environment, dryRun)
	if err != nil {
		s.writeEngineError(w, "plan", err)
		return
	}
	decision, err := rs.Evaluate(r.Context(), plan, req.Alert, req.Assessment, req.Environment)
	if err != nil {
		s.writeEngineError(w, "evaluate", err)
		return
	}
	writeJSON(w, http.StatusOK, PlanResponse{Plan: plan, Decision: decision, Cached: cached})
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req ResponseRequest
	if !s.decode(w, r, s.responseSchema, &req) {
		return
	}

	ec := s.opts.Execution
	ec.Environment = req.Environment
	ec.CorrelationID = req.CorrelationID
	if req.DryRun != nil {
		ec.DryRun = *req.DryRun
	}
	if req.StopOnFailure != nil {
		ec.StopOnFailure = *req.StopOnFailure
	}

	out, err := s.opts.Responder.Respond(r.Context(), req.Alert, req.Assessment, ec)
	if err != nil {
		if out != nil && out.Report != nil {
			// cancelled mid-run; the partial report is still useful
			s.logger.Warn("Response interrupted", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": err.Error(), "outcome": out})
			return
		}
		s.writeEngineError(w, "respond", err)
		return
	}

	status := http.StatusOK
	if out.Report.Failed() {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, out)
}

// Approval handlers

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	filter := approval.Status(r.URL.Query().Get("status"))
	switch filter {
	case "", approval.StatusPending, approval.StatusApproved, approval.StatusDenied:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", filter))
		return
	}
	requests := s.opts.Approvals.List(filter)
	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": requests, "count": len(requests)})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, ok := s.opts.Approvals.Get(chi.URLParam(r, "actionID"))
	if !ok {
		writeError(w, http.StatusNotFound, "approval request not found")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, approval.StatusApproved)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, approval.StatusDenied)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request, status approval.Status) {
	var body DecisionRequest
	if !s.decode(w, r, s.decisionSchema, &body) {
		return
	}

	actionID := chi.URLParam(r, "actionID")
	if _, ok := s.opts.Approvals.Get(actionID); !ok {
		writeError(w, http.StatusNotFound, "approval request not found")
		return
	}

	var changed bool
	if status == approval.StatusApproved {
		changed = s.opts.Approvals.Approve(actionID, body.Actor)
	} else {
		changed = s.opts.Approvals.Deny(actionID, body.Actor)
	}

	req, _ := s.opts.Approvals.Get(actionID)
	if !changed {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":   "approval request already decided",
			"request": req,
		})
		return
	}
	s.logger.Info("Approval decided",
		zap.String("action_id", actionID),
		zap.String("status", string(status)),
		zap.String("actor", body.Actor),
	)
	writeJSON(w, http.StatusOK, req)
}

// decode reads the body, validates it against schema and unmarshals it into v.
// It writes the error response and returns false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, v interface{}) bool {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := schema.Validate(doc); err != nil {
		writeError(w, http.StatusBadRequest, "request validation failed: "+err.Error())
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeEngineError(w http.ResponseWriter, stage string, err error) {
	switch {
	case errors.Is(err, planner.ErrNilAlert),
		errors.Is(err, planner.ErrNilAssessment),
		errors.Is(err, policy.ErrNilAssessment),
		errors.Is(err, policy.ErrNilPlan),
		errors.Is(err, execution.ErrNilPlan),
		errors.Is(err, execution.ErrNilDecision):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("Request failed", zap.String("stage", stage), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
