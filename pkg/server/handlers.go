package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/atelier-ai/atelier/pkg/agent"
	"github.com/atelier-ai/atelier/pkg/store"
)

func respondJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, ErrorResponse{Error: message})
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req CreateThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentType == "" {
		respondError(w, http.StatusBadRequest, "agent_type is required")
		return
	}
	if _, ok := s.catalog.Get(req.AgentType); !ok {
		respondError(w, http.StatusBadRequest, "unknown agent type: "+req.AgentType)
		return
	}

	threadID, err := s.store.CreateSession(r.Context(), store.CreateSessionParams{
		AgentType: req.AgentType,
		UserID:    req.UserID,
		Input:     req.Input,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to create thread")
		respondError(w, http.StatusInternalServerError, "failed to create thread")
		return
	}

	s.metrics.SessionsCreated.Inc()
	s.audit.RecordSession(threadID, "thread_created", "success", map[string]interface{}{
		"agent_type": req.AgentType,
	})
	respondJSON(w, http.StatusCreated, CreateThreadResponse{ThreadID: threadID})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load thread")
		return
	}
	if session == nil {
		respondError(w, http.StatusNotFound, "thread not found")
		return
	}
	respondJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	session, err := s.store.GetSession(r.Context(), threadID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load thread")
		return
	}
	if session == nil {
		respondError(w, http.StatusNotFound, "thread not found")
		return
	}

	if err := s.store.DeleteSession(r.Context(), threadID); err != nil {
		s.logger.Error().Err(err).Str("thread_id", threadID).Msg("Failed to delete thread")
		respondError(w, http.StatusInternalServerError, "failed to delete thread")
		return
	}

	s.metrics.SessionsDeleted.Inc()
	s.audit.RecordSession(threadID, "thread_deleted", "success", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.store.GetSessionMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

func (s *Server) handleGetArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.store.GetSessionArtifacts(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load artifacts")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"artifacts": artifacts})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		UserID:    r.URL.Query().Get("user_id"),
		AgentType: r.URL.Query().Get("agent_type"),
		Status:    r.URL.Query().Get("status"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	sessions, err := s.store.ListSessions(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	names := s.catalog.Names()
	agentList := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		def, _ := s.catalog.Get(name)
		agentList = append(agentList, map[string]interface{}{
			"name":        def.Name,
			"description": def.Description,
			"model":       def.Model,
			"tools":       def.Tools,
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"agents": agentList})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		respondError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	s.shutdownMu.RUnlock()

	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentType == "" {
		respondError(w, http.StatusBadRequest, "agent_type is required")
		return
	}
	if req.Prompt == "" {
		respondError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	def, ok := s.catalog.Get(req.AgentType)
	if !ok {
		respondError(w, http.StatusBadRequest, "unknown agent type: "+req.AgentType)
		return
	}

	// The session is resolved before the goroutine launches, so a run is
	// cancellable from the moment it is accepted. Starting against a
	// terminal or missing thread fails fast here.
	threadID := req.ThreadID
	if threadID != "" {
		session, err := s.store.GetSession(r.Context(), threadID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to load thread")
			return
		}
		if session == nil {
			respondError(w, http.StatusNotFound, "thread not found")
			return
		}
		if session.Status != store.StatusActive {
			respondError(w, http.StatusConflict, "thread is "+session.Status+", not active")
			return
		}
	} else {
		input := req.Input
		if input == nil {
			input = map[string]interface{}{"request": req.Prompt}
		}
		created, err := s.store.CreateSession(r.Context(), store.CreateSessionParams{
			AgentType: req.AgentType,
			UserID:    req.UserID,
			Input:     input,
		})
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to create thread for run")
			respondError(w, http.StatusInternalServerError, "failed to create thread")
			return
		}
		threadID = created
		s.metrics.SessionsCreated.Inc()
		s.audit.RecordSession(threadID, "thread_created", "success", map[string]interface{}{
			"agent_type": req.AgentType,
		})
	}

	cfg := def.Config()
	cfg.Model = s.resolveModel(req.Model, cfg.Model)
	if s.maxRetries > 0 {
		cfg.MaxRetries = s.maxRetries
	}

	run, err := s.runs.Create(threadID, req.AgentType)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	params := agent.RunParams{
		Prompt:    req.Prompt,
		SessionID: threadID,
		UserID:    req.UserID,
		AgentType: req.AgentType,
		Config:    cfg,
		Input:     req.Input,
	}

	s.inFlightRuns.Add(1)
	go s.executeRun(run.ID, params)

	respondJSON(w, http.StatusAccepted, StartRunResponse{
		RunID:    run.ID,
		ThreadID: run.ThreadID,
		Status:   RunStatusPending,
	})
}

// resolveModel picks the model for a run: an explicit request wins, then
// the configured default, then the agent definition's own model. Aliases
// apply to whichever name was chosen.
func (s *Server) resolveModel(requested, fallback string) string {
	model := requested
	if model == "" {
		model = s.defaultModel
	}
	if model == "" {
		model = fallback
	}
	if resolved, ok := s.modelAliases[model]; ok {
		return resolved
	}
	return model
}

// executeRun drives one run to completion and records the outcome.
func (s *Server) executeRun(runID string, params agent.RunParams) {
	defer s.inFlightRuns.Done()

	start := time.Now()
	s.runs.Update(runID, func(run *Run) { run.Status = RunStatusRunning })
	s.broadcaster.Broadcast("run.started", map[string]interface{}{
		"run_id":     runID,
		"agent_type": params.AgentType,
	})
	s.metrics.SessionsActive.Inc()
	defer s.metrics.SessionsActive.Dec()

	result, err := s.runner.Run(params)

	s.metrics.RunDuration.WithLabelValues(params.AgentType).Observe(time.Since(start).Seconds())
	s.metrics.RunIterations.WithLabelValues(params.AgentType).Observe(float64(result.Iterations))

	switch {
	case err != nil:
		s.runs.Update(runID, func(run *Run) {
			run.Status = RunStatusFailed
			run.Error = err.Error()
		})
		s.metrics.RunsTotal.WithLabelValues(params.AgentType, "failed").Inc()
		s.audit.RecordRun(params.SessionID, "run_finished", "failure", map[string]interface{}{
			"run_id": runID,
			"error":  err.Error(),
		})
		s.broadcaster.Broadcast("run.failed", map[string]interface{}{
			"run_id":    runID,
			"thread_id": params.SessionID,
			"error":     err.Error(),
		})
		if !errors.Is(err, agent.ErrModelInvocation) {
			s.logger.Error().Err(err).Str("run_id", runID).Msg("Run failed")
		}

	case result.Aborted:
		s.runs.Update(runID, func(run *Run) {
			run.Status = RunStatusAborted
			run.Result = &result
		})
		s.metrics.RunsTotal.WithLabelValues(params.AgentType, "aborted").Inc()
		s.audit.RecordRun(params.SessionID, "run_finished", "aborted", map[string]interface{}{"run_id": runID})
		s.broadcaster.Broadcast("run.aborted", map[string]interface{}{
			"run_id":    runID,
			"thread_id": params.SessionID,
		})

	default:
		s.runs.Update(runID, func(run *Run) {
			run.Status = RunStatusSuccess
			run.Result = &result
		})
		s.metrics.RunsTotal.WithLabelValues(params.AgentType, "completed").Inc()
		s.audit.RecordRun(params.SessionID, "run_finished", "success", map[string]interface{}{
			"run_id":     runID,
			"iterations": result.Iterations,
		})
		s.broadcaster.Broadcast("run.completed", map[string]interface{}{
			"run_id":    runID,
			"thread_id": params.SessionID,
			"response":  result.Response,
		})
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run := s.runs.Get(r.PathValue("id"))
	if run == nil {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run := s.runs.Get(r.PathValue("id"))
	if run == nil {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	if run.Status != RunStatusPending && run.Status != RunStatusRunning {
		respondError(w, http.StatusConflict, "run is already "+run.Status)
		return
	}

	s.runner.Abort(run.ThreadID)
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id": run.ID,
		"status": run.Status,
	})
}
