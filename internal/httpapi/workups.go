package httpapi

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/agentworkforce/operatorsync/internal/workup"
	"github.com/agentworkforce/operatorsync/internal/workupsync"
)

func (s *Server) handleListWorkups(w http.ResponseWriter, r *http.Request) {
	records, err := s.workups.List(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workups": records, "count": len(records)})
}

func (s *Server) handleCreateWorkup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Fields workup.Fields `json:"fields"`
	}
	if !s.decodeJSONBody(w, r, schemaWorkupCreate, &in) {
		return
	}
	record, err := s.workups.Create(r.Context(), in.Fields)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleGetWorkup(w http.ResponseWriter, r *http.Request) {
	record, err := s.workups.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleEditWorkup applies field edits first, then section replacements.
func (s *Server) handleEditWorkup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Fields   workup.FieldValues        `json:"fields"`
		Sections map[string]workup.Section `json:"sections"`
	}
	if !s.decodeJSONBody(w, r, schemaWorkupPatch, &in) {
		return
	}
	id := chi.URLParam(r, "id")
	record, err := s.workups.Get(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if len(in.Fields) > 0 {
		if record, err = s.workups.EditFields(r.Context(), id, in.Fields); err != nil {
			s.writeFailure(w, r, err)
			return
		}
	}
	keys := make([]string, 0, len(in.Sections))
	for key := range in.Sections {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if record, err = s.workups.SetSection(r.Context(), id, key, in.Sections[key]); err != nil {
			s.writeFailure(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDeleteWorkup(w http.ResponseWriter, r *http.Request) {
	if err := s.workups.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApplyReport(w http.ResponseWriter, r *http.Request) {
	var report workup.Report
	if !s.decodeJSONBody(w, r, schemaWorkupReport, &report) {
		return
	}
	record, err := s.workups.ApplyReport(r.Context(), chi.URLParam(r, "id"), report)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) requireEngine(w http.ResponseWriter, r *http.Request) bool {
	if s.engine != nil {
		return true
	}
	writeError(w, http.StatusServiceUnavailable, "sync_disabled", "remote sync is not configured", getCorrelationID(r))
	return false
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w, r) {
		return
	}
	var in struct {
		Choice workupsync.Choice `json:"choice"`
	}
	if !s.decodeJSONBody(w, r, schemaResolve, &in) {
		return
	}
	record, err := s.engine.Resolve(r.Context(), chi.URLParam(r, "id"), in.Choice)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleRetrySync(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w, r) {
		return
	}
	record, err := s.engine.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, record)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"enabled": s.engine != nil}
	if s.engine != nil {
		if report, ok := s.engine.LastReport(); ok {
			resp["lastReport"] = report
		}
	}
	records, err := s.workups.List(r.Context())
	if err == nil {
		pending, conflicts, failed := 0, 0, 0
		for _, rec := range records {
			switch {
			case rec.SyncConflict != nil:
				conflicts++
			case rec.SyncError != "":
				failed++
			case rec.LocallyChanged():
				pending++
			}
		}
		resp["pending"] = pending
		resp["conflicts"] = conflicts
		resp["failed"] = failed
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w, r) {
		return
	}
	report, err := s.engine.Reconcile(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSyncImport(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w, r) {
		return
	}
	imported, err := s.engine.ImportUnknown(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": imported})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Get(r.Context()))
}

// handlePatchSettings merges the body into stored settings. A null value
// restores that key's default.
func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if !s.decodeJSONBody(w, r, schemaSettingsPatch, &patch) {
		return
	}
	merged, err := s.settings.Patch(r.Context(), patch)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

func (s *Server) handleResetSettings(w http.ResponseWriter, r *http.Request) {
	if err := s.settings.Reset(r.Context()); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.settings.Get(r.Context()))
}
