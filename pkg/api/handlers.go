package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vyvo/pagesmith/pkg/auth"
	"github.com/vyvo/pagesmith/pkg/hosting"
	"github.com/vyvo/pagesmith/pkg/pipeline"
	"github.com/vyvo/pagesmith/pkg/registry"
	"github.com/vyvo/pagesmith/pkg/task"
)

type acceptedResponse struct {
	Task   string `json:"task"`
	Round  int    `json:"round"`
	Status string `json:"status"`
	RunID  string `json:"run_id"`
}

type taskResponse struct {
	Task    task.State              `json:"task"`
	Hosting *registry.HostingRecord `json:"hosting,omitempty"`
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	var req task.BuildRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := auth.Validate(s.opts.Secret, req.Secret); err != nil {
		if errors.Is(err, auth.ErrNotConfigured) {
			s.logger.Error().Msg("shared secret not configured; rejecting build request")
			respondError(w, http.StatusInternalServerError, "server misconfigured")
			return
		}
		s.logger.Warn().Err(err).Str("task", req.Task).Msg("rejected build request")
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	req.Normalize()
	if err := req.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if hosting.RepoName(req.Task) == "" {
		respondError(w, http.StatusBadRequest, "task does not yield a valid repository name")
		return
	}

	state, err := s.submitter.Submit(req)
	switch {
	case errors.Is(err, task.ErrTaskRunning):
		respondError(w, http.StatusConflict, "task is already in progress")
		return
	case errors.Is(err, pipeline.ErrSaturated):
		w.Header().Set("Retry-After", "30")
		respondError(w, http.StatusServiceUnavailable, "too many builds in progress")
		return
	case err != nil:
		s.logger.Error().Err(err).Str("task", req.Task).Msg("submit build")
		respondError(w, http.StatusInternalServerError, "failed to accept request")
		return
	}

	s.logger.Info().
		Str("task", req.Task).
		Int("round", req.Round).
		Str("run_id", state.RunID).
		Msg("build accepted")
	respondJSON(w, acceptedResponse{
		Task:   state.TaskID,
		Round:  state.Round,
		Status: "accepted",
		RunID:  state.RunID,
	}, http.StatusAccepted)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	state, err := s.store.Get(taskID)
	if err != nil {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}
	resp := taskResponse{Task: state}
	if rec, ok := s.registry.Get(taskID); ok {
		resp.Hosting = &rec
	}
	respondJSON(w, resp, http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		respondJSON(w, map[string]string{"status": "draining"}, http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, map[string]any{"status": "ready", "in_flight": s.store.InFlight()}, http.StatusOK)
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
