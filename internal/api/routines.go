package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/jmfontan/casia/internal/routines"
)

func (s *Server) routineID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil
}

// mayTouch guards routine mutations: owners manage everything, other
// users only their own routines.
func mayTouch(p Principal, r *routines.Routine) bool {
	return p.IsOwner || r.UserID == p.UserID
}

func (s *Server) loadRoutine(w http.ResponseWriter, r *http.Request) (*routines.Routine, bool) {
	id, ok := s.routineID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid routine id", s.logger)
		return nil, false
	}
	routine, err := s.routines.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "routine load failed", s.logger)
		return nil, false
	}
	if routine == nil {
		writeError(w, http.StatusNotFound, "routine not found", s.logger)
		return nil, false
	}
	if !mayTouch(claimsFrom(r), routine) {
		writeError(w, http.StatusForbidden, "not your routine", s.logger)
		return nil, false
	}
	return routine, true
}

func (s *Server) handleMemoryStatus(w http.ResponseWriter, r *http.Request) {
	total, confirmed, enabled, err := s.routines.Counts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "routine counts failed", s.logger)
		return
	}
	all, err := s.routines.ListAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "routine listing failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":     total,
		"confirmed": confirmed,
		"enabled":   enabled,
		"routines":  all,
	}, s.logger)
}

func (s *Server) handleListRoutines(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	q := r.URL.Query()
	rs, err := s.routines.ListByUser(claims.UserID, q.Get("confirmed_only") == "true", q.Get("enabled_only") == "true")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "routine listing failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"routines": rs}, s.logger)
}

func (s *Server) handleCreateRoutine(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Trigger     map[string]any `json:"trigger"`
		Actions     []string       `json:"actions"`
		CommandIDs  []int64        `json:"command_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}

	routine := &routines.Routine{
		UserID:      claims.UserID,
		Name:        req.Name,
		Description: req.Description,
		Trigger:     req.Trigger,
		Confirmed:   true,
		Enabled:     true,
		Confidence:  1.0,
		Actions:     req.Actions,
	}
	if err := s.routines.Create(routine); err != nil {
		var ve *routines.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Reason, s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "routine creation failed", s.logger)
		return
	}
	if len(req.CommandIDs) > 0 {
		if err := s.routines.Apply(routine.ID, routines.Update{CommandIDs: req.CommandIDs}); err != nil {
			s.logger.Error("routine command linking failed", "routine_id", routine.ID, "error", err)
		}
	}
	created, err := s.routines.Get(routine.ID)
	if err != nil || created == nil {
		writeJSON(w, http.StatusCreated, routine, s.logger)
		return
	}
	writeJSON(w, http.StatusCreated, created, s.logger)
}

func (s *Server) handleGetRoutine(w http.ResponseWriter, r *http.Request) {
	routine, ok := s.loadRoutine(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, routine, s.logger)
}

func (s *Server) handleUpdateRoutine(w http.ResponseWriter, r *http.Request) {
	routine, ok := s.loadRoutine(w, r)
	if !ok {
		return
	}

	var req struct {
		Name        *string        `json:"name"`
		Description *string        `json:"description"`
		Trigger     map[string]any `json:"trigger"`
		Enabled     *bool          `json:"enabled"`
		Confidence  *float64       `json:"confidence"`
		Actions     []string       `json:"actions"`
		CommandIDs  []int64        `json:"command_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}

	err := s.routines.Apply(routine.ID, routines.Update{
		Name:        req.Name,
		Description: req.Description,
		Trigger:     req.Trigger,
		Enabled:     req.Enabled,
		Confidence:  req.Confidence,
		Actions:     req.Actions,
		CommandIDs:  req.CommandIDs,
	})
	if err != nil {
		var ve *routines.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Reason, s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "routine update failed", s.logger)
		return
	}

	updated, err := s.routines.Get(routine.ID)
	if err != nil || updated == nil {
		writeError(w, http.StatusInternalServerError, "routine reload failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, updated, s.logger)
}

func (s *Server) handleDeleteRoutine(w http.ResponseWriter, r *http.Request) {
	routine, ok := s.loadRoutine(w, r)
	if !ok {
		return
	}
	if err := s.routines.Delete(routine.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "routine deletion failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": routine.ID}, s.logger)
}

func (s *Server) handleExecuteRoutine(w http.ResponseWriter, r *http.Request) {
	routine, ok := s.loadRoutine(w, r)
	if !ok {
		return
	}
	if err := s.runner.Execute(r.Context(), routine.ID); err != nil {
		writeError(w, http.StatusBadGateway, "routine execution failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executed": routine.ID}, s.logger)
}

func (s *Server) handleConfirmRoutine(w http.ResponseWriter, r *http.Request) {
	routine, ok := s.loadRoutine(w, r)
	if !ok {
		return
	}
	if err := s.routines.Confirm(routine.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "routine confirmation failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"confirmed": routine.ID}, s.logger)
}

func (s *Server) handleRejectRoutine(w http.ResponseWriter, r *http.Request) {
	routine, ok := s.loadRoutine(w, r)
	if !ok {
		return
	}
	if err := s.routines.Reject(routine.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "routine rejection failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rejected": routine.ID}, s.logger)
}

func (s *Server) handleToggleRoutine(w http.ResponseWriter, r *http.Request) {
	routine, ok := s.loadRoutine(w, r)
	if !ok {
		return
	}
	if err := s.routines.SetEnabled(routine.ID, !routine.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, "routine toggle failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": routine.ID, "enabled": !routine.Enabled}, s.logger)
}

// handleSuggestRoutines mines the caller's behavior and materializes
// suggestions at or above min_confidence.
func (s *Server) handleSuggestRoutines(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	minConfidence := 0.5
	if v := r.URL.Query().Get("min_confidence"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed < 0 || parsed > 1 {
			writeError(w, http.StatusBadRequest, "min_confidence must be in [0,1]", s.logger)
			return
		}
		minConfidence = parsed
	}

	created, err := s.analyzer.SuggestRoutines(claims.UserID, minConfidence)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "suggestion failed", s.logger)
		return
	}
	for _, routine := range created {
		if err := s.db.AppendNotification(claims.UserID, "routine_suggestion",
			"Nueva rutina sugerida: "+routine.Name); err != nil {
			s.logger.Debug("suggestion notification failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggested": created}, s.logger)
}
