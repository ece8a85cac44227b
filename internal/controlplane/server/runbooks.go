package server

import (
	"errors"
	"net/http"

	"github.com/marcus-qen/praetor/internal/controlplane/auth"
	"github.com/marcus-qen/praetor/internal/controlplane/runbook"
	"github.com/marcus-qen/praetor/internal/packs"
)

type runbookRequest struct {
	Name       string `json:"name"`
	SourceText string `json:"source_text"`
}

func (s *Server) handleCreateRunbook(w http.ResponseWriter, r *http.Request) {
	var req runbookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := auth.IdentityFromContext(r.Context())
	rb, err := s.runbooks.Create(id.TenantID, id.ProjectID, req.Name, req.SourceText)
	if err != nil {
		if errors.Is(err, runbook.ErrConflict) {
			writeJSONError(w, http.StatusConflict, "conflict", "runbook name already exists")
			return
		}
		writeJSONError(w, http.StatusUnprocessableEntity, "invalid_runbook", err.Error())
		return
	}
	s.audit(r, "runbook.create", "runbook", rb.ID, map[string]any{"name": rb.Name})
	writeJSON(w, http.StatusCreated, rb)
}

func (s *Server) handleListRunbooks(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	list, err := s.runbooks.List(id.TenantID, id.ProjectID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runbooks": list})
}

func (s *Server) handleGetRunbook(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	rb, err := s.runbooks.Get(id.TenantID, r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rb)
}

func (s *Server) handleUpdateRunbook(w http.ResponseWriter, r *http.Request) {
	var req runbookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := auth.IdentityFromContext(r.Context())
	rb, err := s.runbooks.Update(id.TenantID, r.PathValue("id"), req.SourceText)
	if err != nil {
		if errors.Is(err, runbook.ErrNotFound) {
			s.storeError(w, r, err)
			return
		}
		writeJSONError(w, http.StatusUnprocessableEntity, "invalid_runbook", err.Error())
		return
	}
	s.audit(r, "runbook.update", "runbook", rb.ID, nil)
	writeJSON(w, http.StatusOK, rb)
}

func (s *Server) handleDeleteRunbook(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	rbID := r.PathValue("id")
	if err := s.runbooks.Delete(id.TenantID, rbID); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, "runbook.delete", "runbook", rbID, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDuplicateRunbook(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	dup, err := s.runbooks.Duplicate(id.TenantID, r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, "runbook.duplicate", "runbook", dup.ID, map[string]any{"name": dup.Name})
	writeJSON(w, http.StatusCreated, dup)
}

// handleArchiveRunbook records the intent without removing anything:
// runs keep referencing the runbook, so archive is an audit marker only.
func (s *Server) handleArchiveRunbook(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	rb, err := s.runbooks.Get(id.TenantID, r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, "runbook.archive", "runbook", rb.ID, map[string]any{"name": rb.Name})
	writeJSON(w, http.StatusOK, map[string]any{"archived": true, "id": rb.ID})
}

// ── OCI packs ────────────────────────────────────────────────

type packPushRequest struct {
	Ref        string   `json:"ref"`
	Name       string   `json:"name"`
	RunbookIDs []string `json:"runbook_ids,omitempty"`
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"password,omitempty"`
	PlainHTTP  bool     `json:"plain_http,omitempty"`
}

func (s *Server) handlePackPush(w http.ResponseWriter, r *http.Request) {
	var req packPushRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ref, err := packs.ParseRef(req.Ref)
	if err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, "invalid_ref", err.Error())
		return
	}

	id := auth.IdentityFromContext(r.Context())
	var entries []packs.Entry
	if len(req.RunbookIDs) > 0 {
		for _, rbID := range req.RunbookIDs {
			rb, err := s.runbooks.Get(id.TenantID, rbID)
			if err != nil {
				s.storeError(w, r, err)
				return
			}
			entries = append(entries, packs.Entry{Name: rb.Name, SourceText: rb.SourceText})
		}
	} else {
		list, err := s.runbooks.List(id.TenantID, id.ProjectID)
		if err != nil {
			s.storeError(w, r, err)
			return
		}
		for _, rb := range list {
			entries = append(entries, packs.Entry{Name: rb.Name, SourceText: rb.SourceText})
		}
	}

	pack, err := packs.Build(req.Name, entries)
	if err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, "invalid_pack", err.Error())
		return
	}

	client := packs.NewRegistryClient().WithPlainHTTP(req.PlainHTTP)
	if req.Username != "" {
		client = client.WithAuth(req.Username, req.Password)
	}
	result, err := client.Push(r.Context(), pack, ref)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "registry_error", err.Error())
		return
	}
	s.audit(r, "pack.push", "pack", result.Ref, map[string]any{
		"digest": result.Digest, "runbooks": result.Runbooks,
	})
	writeJSON(w, http.StatusCreated, result)
}

type packPullRequest struct {
	Ref       string `json:"ref"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	PlainHTTP bool   `json:"plain_http,omitempty"`
}

func (s *Server) handlePackPull(w http.ResponseWriter, r *http.Request) {
	var req packPullRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ref, err := packs.ParseRef(req.Ref)
	if err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, "invalid_ref", err.Error())
		return
	}

	client := packs.NewRegistryClient().WithPlainHTTP(req.PlainHTTP)
	if req.Username != "" {
		client = client.WithAuth(req.Username, req.Password)
	}
	pack, pull, err := client.Pull(r.Context(), ref)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "registry_error", err.Error())
		return
	}

	id := auth.IdentityFromContext(r.Context())
	imported, skipped := 0, 0
	for _, entry := range pack.Entries {
		_, err := s.runbooks.Create(id.TenantID, id.ProjectID, entry.Name, entry.SourceText)
		switch {
		case err == nil:
			imported++
		case errors.Is(err, runbook.ErrConflict):
			skipped++
		default:
			writeJSONError(w, http.StatusUnprocessableEntity, "invalid_runbook", err.Error())
			return
		}
	}
	s.audit(r, "pack.pull", "pack", ref.String(), map[string]any{
		"digest": pull.Digest, "imported": imported, "skipped": skipped,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"pack": pack.Manifest, "digest": pull.Digest,
		"imported": imported, "skipped": skipped,
	})
}
