package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/costpilot/costpilot/pkg/engine"
)

// submitResponse acknowledges an accepted execution.
type submitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// approveRequest carries an approval decision.
type approveRequest struct {
	Decision string `json:"decision"`
	Actor    string `json:"actor"`
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Class   string                 `json:"class"`
	Code    string                 `json:"code,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var request engine.ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.writeError(w, engine.NewValidationError("invalid request body", err).
			WithCode(engine.ErrCodeValidation))
		return
	}

	id, err := s.engine.Submit(r.Context(), &request)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, submitResponse{ID: id, Status: string(engine.StatusPending)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	record, err := s.engine.GetStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := parseHistoryFilter(r)
	if err != nil {
		s.writeError(w, engine.NewValidationError("invalid history filter", err).
			WithCode(engine.ErrCodeValidation))
		return
	}

	summaries, err := s.engine.History(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if summaries == nil {
		summaries = []*engine.ExecutionSummary{}
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	// A missing execution yields 404, not an empty trail.
	if _, err := s.engine.GetStatus(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	events, err := s.engine.Events(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []*engine.AuditEvent{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body approveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, engine.NewValidationError("invalid request body", err).
			WithCode(engine.ErrCodeValidation))
		return
	}

	decision := engine.ApprovalDecision(body.Decision)
	if decision != engine.ApprovalApproved && decision != engine.ApprovalRejected {
		s.writeError(w, engine.NewValidationError("decision must be approved or rejected", nil).
			WithCode(engine.ErrCodeValidation))
		return
	}

	if err := s.engine.Approve(r.Context(), mux.Vars(r)["id"], decision, body.Actor); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"decision": string(decision)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	accepted, err := s.engine.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !accepted {
		s.writeError(w, engine.NewConflictError("execution is not cancellable in its current state", nil).
			WithCode(engine.ErrCodeInvalidTransition))
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.engine.Rollback(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.HealthCheck != nil {
		if err := s.cfg.HealthCheck(r.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseHistoryFilter builds a history filter from query parameters.
func parseHistoryFilter(r *http.Request) (*engine.HistoryFilter, error) {
	q := r.URL.Query()
	filter := &engine.HistoryFilter{
		TargetResourceID: q.Get("target"),
		Status:           engine.ExecutionStatus(q.Get("status")),
	}

	if filter.Status != "" {
		if err := filter.Status.Validate(); err != nil {
			return nil, err
		}
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, err
		}
		filter.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, err
		}
		filter.Until = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		filter.Offset = n
	}
	return filter, nil
}

// writeJSON writes a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("failed to encode response")
	}
}

// writeError maps an engine error classification onto an HTTP status and
// writes the classified error as JSON.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	body := errorBody{
		Class:   string(engine.ErrorClassPermanent),
		Message: err.Error(),
	}
	status := http.StatusInternalServerError

	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		body.Class = string(engErr.Class)
		body.Code = engErr.Code
		body.Message = engErr.Message
		body.Details = engErr.Details
		status = statusForError(engErr)
	}

	s.writeJSON(w, status, errorResponse{Error: body})
}

// statusForError maps error classes and codes onto HTTP status codes.
func statusForError(err *engine.EngineError) int {
	if err.Code == engine.ErrCodeNotFound {
		return http.StatusNotFound
	}

	switch err.Class {
	case engine.ErrorClassValidation:
		return http.StatusBadRequest
	case engine.ErrorClassConflict:
		return http.StatusConflict
	case engine.ErrorClassTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
