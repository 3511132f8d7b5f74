package realtime

import (
	"encoding/json"
	"log"
	"net/http"
	"time"
)

type createSessionRequest struct {
	WorkDir string `json:"workDir"`
	Label   string `json:"label"`
}

type sendPromptRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.WorkDir == "" {
		http.Error(w, `{"error":"workDir is required"}`, http.StatusBadRequest)
		return
	}

	info, err := s.host.Create(r.Context(), req.WorkDir, req.Label)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	// Start file watching.
	if s.fileWatch != nil {
		if watchErr := s.fileWatch.Watch(info.ID, info.WorkDir); watchErr != nil {
			log.Printf("failed to start file watcher for session %s: %v", info.ID, watchErr)
		}
	}

	// Broadcast to WebSocket clients.
	s.broadcastSessionUpdate(info)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(info)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.host.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := s.host.Describe(id)
	if err != nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

func (s *Server) handleSendPrompt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req sendPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.Prompt == "" {
		http.Error(w, `{"error":"prompt is required"}`, http.StatusBadRequest)
		return
	}

	if err := s.host.Prompt(r.Context(), id, req.Prompt); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"sent"}`))
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.host.Interrupt(r.Context(), id); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"interrupted"}`))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.host.Kill(r.Context(), id); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusNotFound)
		return
	}

	if s.fileWatch != nil {
		s.fileWatch.Unwatch(id)
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"terminated"}`))
}

// handleMetrics reports snapshot batching counters.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := s.host.BatchMetrics()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"totalWritesQueued": m.TotalWritesQueued,
		"totalFlushes":      m.TotalFlushes,
		"storageErrors":     m.StorageErrors,
		"writesCoalesced":   m.WritesCoalesced(),
		"coalescingRatio":   m.CoalescingRatio(),
		"generatedAt":       time.Now().UTC(),
	})
}
