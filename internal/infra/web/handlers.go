package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"planforge/internal/domain"
	"planforge/internal/domain/model"
	"planforge/internal/domain/ports/repository"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// jobView is the wire shape of a job row.
type jobView struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id"`
	TaskType       string         `json:"task_type"`
	APIType        string         `json:"api_type"`
	Status         string         `json:"status"`
	StatusMessage  string         `json:"status_message,omitempty"`
	PromptText     string         `json:"prompt_text,omitempty"`
	ResponseText   string         `json:"response_text,omitempty"`
	TokensSent     int            `json:"tokens_sent"`
	TokensReceived int            `json:"tokens_received"`
	CharsReceived  int            `json:"chars_received"`
	ModelUsed      string         `json:"model_used,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartTime      *time.Time     `json:"start_time,omitempty"`
	EndTime        *time.Time     `json:"end_time,omitempty"`
	LastUpdate     time.Time      `json:"last_update"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Cleared        bool           `json:"cleared"`
}

func viewOf(job *model.Job) jobView {
	return jobView{
		ID:             job.ID,
		SessionID:      job.SessionID,
		TaskType:       job.TaskType,
		APIType:        job.APIType,
		Status:         string(job.Status),
		StatusMessage:  job.StatusMessage,
		PromptText:     job.PromptText,
		ResponseText:   job.ResponseText,
		TokensSent:     job.TokensSent,
		TokensReceived: job.TokensReceived,
		CharsReceived:  job.CharsReceived,
		ModelUsed:      job.ModelUsed,
		CreatedAt:      job.CreatedAt,
		StartTime:      job.StartTime,
		EndTime:        job.EndTime,
		LastUpdate:     job.LastUpdate,
		Metadata:       job.Metadata,
		Cleared:        job.Cleared,
	}
}

// handleToken exchanges the configured ops API key for a short-lived JWT.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.apiKey == "" {
		s.log.Error().Msg("ops api key is not configured")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(s.apiKey)) != 1 {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	token, err := s.auth.Mint(w)
	if err != nil {
		http.Error(w, "Failed to issue token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.adm.Stats())
}

func (s *Server) handleUpdateLimits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Global     int            `json:"global"`
		PerSession int            `json:"per_session"`
		PerType    map[string]int `json:"per_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	s.adm.UpdateLimits(req.Global, req.PerSession, req.PerType)
	writeJSON(w, http.StatusOK, s.adm.Stats().Limits)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID       string         `json:"session_id"`
		TaskType        string         `json:"task_type"`
		APIType         string         `json:"api_type"`
		Prompt          string         `json:"prompt"`
		Model           string         `json:"model"`
		MaxOutputTokens int            `json:"max_output_tokens"`
		Metadata        map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.TaskType == "" || req.Prompt == "" {
		http.Error(w, "session_id, task_type and prompt are required", http.StatusBadRequest)
		return
	}

	job := model.NewJob(req.SessionID, req.TaskType, req.APIType, req.Prompt)
	job.ModelUsed = req.Model
	job.MaxOutputTokens = req.MaxOutputTokens
	for k, v := range req.Metadata {
		job.Metadata[k] = v
	}
	if err := s.store.CreateJob(r.Context(), nil, job); err != nil {
		s.log.Error().Err(err).Msg("job creation failed")
		http.Error(w, "Failed to create job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(job))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s.cache != nil {
		if job, err := s.cache.Get(r.Context(), id); err == nil && job != nil {
			writeJSON(w, http.StatusOK, viewOf(job))
			return
		}
	}

	job, err := s.store.GetJob(r.Context(), nil, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to load job", http.StatusInternalServerError)
		return
	}
	if s.cache != nil {
		if err := s.cache.Store(r.Context(), job); err != nil {
			s.log.Warn().Err(err).Str("job_id", id).Msg("job cache write failed")
		}
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

func cancelReason(r *http.Request) string {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		return "canceled by operator"
	}
	return req.Reason
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reason := cancelReason(r)

	// An active streaming request is canceled through its handle; anything
	// still startable is canceled in the store.
	if s.adm.CancelJob(id, reason) {
		s.invalidate(r, id)
		writeJSON(w, http.StatusOK, map[string]any{"canceled": true, "scope": "active"})
		return
	}

	err := s.store.UpdateStatus(r.Context(), nil, repository.StatusUpdate{
		ID:            id,
		Status:        model.JobStatusCanceled,
		StatusMessage: reason,
	})
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	case errors.Is(err, domain.ErrInvalidArgument):
		http.Error(w, "Job is not cancelable", http.StatusConflict)
		return
	case err != nil:
		http.Error(w, "Failed to cancel job", http.StatusInternalServerError)
		return
	}
	s.invalidate(r, id)
	writeJSON(w, http.StatusOK, map[string]any{"canceled": true, "scope": "stored"})
}

func (s *Server) handleSetCleared(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Cleared bool `json:"cleared"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.store.SetCleared(r.Context(), id, req.Cleared); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to update job", http.StatusInternalServerError)
		return
	}
	s.invalidate(r, id)
	writeJSON(w, http.StatusOK, map[string]any{"cleared": req.Cleared})
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	reason := cancelReason(r)

	active := s.adm.CancelSessionRequests(sessionID, reason)
	queued, err := s.store.CancelQueued(r.Context(), sessionID, reason)
	if err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID).Msg("queued cancellation failed")
		http.Error(w, "Failed to cancel queued jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_canceled": active,
		"queued_canceled": queued,
	})
}

func (s *Server) invalidate(r *http.Request, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(r.Context(), id); err != nil {
		s.log.Warn().Err(err).Str("job_id", id).Msg("job cache invalidation failed")
	}
}
