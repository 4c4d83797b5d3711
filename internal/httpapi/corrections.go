package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentworkforce/operatorsync/internal/corrections"
)

func (s *Server) handleListCorrections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := parseOptionalMillis(q.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), getCorrelationID(r))
		return
	}
	until, err := parseOptionalMillis(q.Get("until"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), getCorrelationID(r))
		return
	}
	entries := s.corrections.Query(r.Context(), corrections.Filter{
		Since:     since,
		Until:     until,
		AgentType: q.Get("agentType"),
		Limit:     parseBoundedInt(q.Get("limit"), 0, 1, 5000),
	})
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleAppendCorrection(w http.ResponseWriter, r *http.Request) {
	var in corrections.NewEntry
	if !s.decodeJSONBody(w, r, schemaCorrectionCreate, &in) {
		return
	}
	entry, err := s.corrections.Append(r.Context(), in)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleGetCorrection(w http.ResponseWriter, r *http.Request) {
	entry, err := s.corrections.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleUpdateCorrection(w http.ResponseWriter, r *http.Request) {
	var patch corrections.Patch
	if !s.decodeJSONBody(w, r, schemaCorrectionPatch, &patch) {
		return
	}
	entry, err := s.corrections.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleRemoveCorrection(w http.ResponseWriter, r *http.Request) {
	if err := s.corrections.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearCorrections(w http.ResponseWriter, r *http.Request) {
	if err := s.corrections.Clear(r.Context()); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAggregateCorrections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := parseOptionalMillis(q.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), getCorrelationID(r))
		return
	}
	result := s.corrections.Aggregate(r.Context(), corrections.AggregateOptions{
		Since:        since,
		AgentType:    q.Get("agentType"),
		MinFrequency: parseBoundedInt(q.Get("minFrequency"), corrections.DefaultMinFrequency, 1, 1000),
	})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCorrectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.corrections.Stats(r.Context()))
}

// handleExportCorrections streams the trainer's uploaded_corrections.json.
func (s *Server) handleExportCorrections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	correlationID := getCorrelationID(r)
	since, err := parseOptionalMillis(q.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	approvedOnly, err := parseOptionalBool(q.Get("approvedOnly"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid approvedOnly", correlationID)
		return
	}
	requireAudio, err := parseOptionalBool(q.Get("requireAudio"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid requireAudio", correlationID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="uploaded_corrections.json"`)
	w.WriteHeader(http.StatusOK)
	if _, err := s.corrections.ExportTrainingSet(r.Context(), w, corrections.ExportOptions{
		Since:        since,
		ApprovedOnly: approvedOnly,
		RequireAudio: requireAudio,
	}); err != nil {
		s.logger.Sugar().Warnw("export interrupted", "error", err, "correlation_id", correlationID)
	}
}

func (s *Server) handleCleanupCorrections(w http.ResponseWriter, r *http.Request) {
	removed, err := s.corrections.Cleanup(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
