package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/marcus-qen/praetor/internal/controlplane/approval"
	"github.com/marcus-qen/praetor/internal/controlplane/billing"
	"github.com/marcus-qen/praetor/internal/controlplane/evals"
	"github.com/marcus-qen/praetor/internal/controlplane/policy"
	"github.com/marcus-qen/praetor/internal/controlplane/runbook"
	"github.com/marcus-qen/praetor/internal/controlplane/runs"
	"github.com/marcus-qen/praetor/internal/controlplane/tenancy"
)

// writeJSON emits v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeJSONError is the one error shape the API speaks:
// {"error": message, "code": code}.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

// decodeJSON reads the request body into v, rejecting unknown garbage
// with a 422 already written.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, "invalid_body", "malformed JSON body")
		return false
	}
	return true
}

// storeError maps a store failure onto the response and leaves an audit
// trace for genuine internal errors.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if !known(err) {
		s.audit(r, "api.error", "request", r.URL.Path, map[string]any{"error": err.Error()})
	}
	writeStoreError(w, err)
}

func known(err error) bool {
	for _, sentinel := range []error{
		runbook.ErrNotFound, policy.ErrNotFound, runs.ErrNotFound,
		approval.ErrNotFound, tenancy.ErrNotFound,
		billing.ErrNotFound, evals.ErrNotFound,
		runbook.ErrConflict, policy.ErrConflict, tenancy.ErrConflict,
		approval.ErrAlreadyDecided, runs.ErrTerminal,
		approval.ErrExpired, approval.ErrTokenMismatch,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// writeStoreError maps the sentinel errors the stores raise to status
// codes. Everything unrecognized is a 500.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runbook.ErrNotFound),
		errors.Is(err, policy.ErrNotFound),
		errors.Is(err, runs.ErrNotFound),
		errors.Is(err, approval.ErrNotFound),
		errors.Is(err, tenancy.ErrNotFound),
		errors.Is(err, billing.ErrNotFound),
		errors.Is(err, evals.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, runbook.ErrConflict),
		errors.Is(err, policy.ErrConflict),
		errors.Is(err, tenancy.ErrConflict):
		writeJSONError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, approval.ErrAlreadyDecided),
		errors.Is(err, runs.ErrTerminal):
		writeJSONError(w, http.StatusConflict, "terminal", err.Error())
	case errors.Is(err, approval.ErrExpired):
		writeJSONError(w, http.StatusConflict, "expired", err.Error())
	case errors.Is(err, approval.ErrTokenMismatch):
		writeJSONError(w, http.StatusForbidden, "bad_token", err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
