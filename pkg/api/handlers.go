package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/foreman/pkg/approval"
	"github.com/odvcencio/foreman/pkg/audit"
	"github.com/odvcencio/foreman/pkg/security"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
	maxDecisionBody   = 64 << 10
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metricsHandler().ServeHTTP(w, r)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if s.approvals == nil {
		writeJSON(w, http.StatusOK, []approval.Request{})
		return
	}
	writeJSON(w, http.StatusOK, s.approvals.Pending())
}

// decisionBody is the payload of POST /approvals/{id}/decision. The approver
// comes from the token, never the body.
type decisionBody struct {
	Approve  *bool  `json:"approve"`
	Feedback string `json:"feedback,omitempty"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	if s.approvals == nil {
		writeError(w, http.StatusServiceUnavailable, "no approval gate attached")
		return
	}
	claims, ok := security.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id := strings.TrimSpace(chi.URLParam(r, "id"))
	var body decisionBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxDecisionBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid decision body: "+err.Error())
		return
	}
	if body.Approve == nil {
		writeError(w, http.StatusBadRequest, "approve is required")
		return
	}

	d := approval.Decision{
		Approve:  *body.Approve,
		Approver: claims.Subject,
		Feedback: body.Feedback,
	}
	if err := s.approvals.Decide(id, d); err != nil {
		writeFailure(w, err)
		return
	}
	s.logger.Info("approval decided via api", "approval_id", id, "approve", d.Approve, "approver", d.Approver)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       id,
		"approve":  d.Approve,
		"approver": d.Approver,
	})
}

func (s *Server) handleAuditTrace(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit trail not configured")
		return
	}
	records, err := s.audit.ByTrace(r.Context(), chi.URLParam(r, "traceID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit trail not configured")
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

type queryError string

func (e queryError) Error() string { return string(e) }

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		TraceID: q.Get("trace_id"),
		Limit:   defaultQueryLimit,
	}
	if raw := q.Get("type"); raw != "" {
		t := audit.Type(strings.ToLower(raw))
		if !t.Valid() {
			return f, queryError("type must be one of plan, route, approval")
		}
		f.Type = t
	}
	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		return f, queryError("from: " + err.Error())
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		return f, queryError("to: " + err.Error())
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, queryError("to is before from")
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return f, queryError("limit must be a positive integer")
		}
		f.Limit = min(n, maxQueryLimit)
	}
	return f, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func (s *Server) handleTraceEvents(w http.ResponseWriter, r *http.Request) {
	if s.traces == nil {
		writeError(w, http.StatusServiceUnavailable, "trace source not configured")
		return
	}
	events := s.traces.Trace(chi.URLParam(r, "traceID"))
	if typ := r.URL.Query().Get("type"); typ != "" {
		kept := events[:0]
		for _, ev := range events {
			if string(ev.Type) == typ {
				kept = append(kept, ev)
			}
		}
		events = kept
	}
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, "no events for trace")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleTraceSignals(w http.ResponseWriter, r *http.Request) {
	if s.traces == nil {
		writeError(w, http.StatusServiceUnavailable, "trace source not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.traces.GoldenSignals(chi.URLParam(r, "traceID")))
}
