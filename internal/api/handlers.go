package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

type historyEntryResponse struct {
	JobID       string    `json:"job_id"`
	Operation   string    `json:"operation"`
	SourcePath  string    `json:"source_path"`
	TargetPath  string    `json:"target_path,omitempty"`
	Success     bool      `json:"success"`
	Kind        string    `json:"kind,omitempty"`
	Message     string    `json:"message,omitempty"`
	RolledBack  bool      `json:"rolled_back,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.writeError(w, http.StatusNotFound, "no history ledger configured")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and 1000")
			return
		}
		limit = n
	}

	entries, err := s.ledger.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("history query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}

	out := make([]historyEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyEntryResponse{
			JobID:       e.JobID,
			Operation:   e.Operation,
			SourcePath:  e.SourcePath,
			TargetPath:  e.TargetPath,
			Success:     e.Success,
			Kind:        e.Kind,
			Message:     e.Message,
			RolledBack:  e.RolledBack,
			CompletedAt: e.CompletedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
