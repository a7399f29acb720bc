package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/jmfontan/casia/internal/auth"
	"github.com/jmfontan/casia/internal/registry"
	"github.com/jmfontan/casia/internal/store"
)

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if !claimsFrom(r).IsOwner {
		writeError(w, http.StatusForbidden, "owner only", s.logger)
		return
	}
	users, err := s.db.ListUsers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "user listing failed", s.logger)
		return
	}
	out := make([]map[string]any, 0, len(users))
	for _, u := range users {
		out = append(out, map[string]any{
			"id":          u.ID,
			"name":        u.Name,
			"is_owner":    u.IsOwner,
			"permissions": u.Permissions,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out}, s.logger)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if !claimsFrom(r).IsOwner {
		writeError(w, http.StatusForbidden, "owner only", s.logger)
		return
	}

	var req struct {
		Name        string   `json:"name"`
		IsOwner     bool     `json:"is_owner"`
		Password    string   `json:"password"`
		Permissions []string `json:"permissions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}

	hashed := ""
	if req.Password != "" {
		var err error
		hashed, err = auth.HashPassword(req.Password)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "password hashing failed", s.logger)
			return
		}
	}

	user, err := s.db.CreateUser(req.Name, req.IsOwner, hashed)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	for _, perm := range req.Permissions {
		if err := s.db.GrantPermission(user.ID, perm); err != nil {
			s.logger.Error("permission grant failed", "user_id", user.ID, "permission", perm, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": user.ID, "name": user.Name}, s.logger)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if !claims.IsOwner {
		writeError(w, http.StatusForbidden, "owner only", s.logger)
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id", s.logger)
		return
	}
	if id == claims.UserID {
		writeError(w, http.StatusBadRequest, "cannot delete yourself", s.logger)
		return
	}

	if err := s.db.DeleteUser(id); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "user not found", s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "user deletion failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id}, s.logger)
}

// handleReloadConfig re-reads the configuration file. The listen
// address is fixed at startup; everything else takes effect on the
// next request through Active.
func (s *Server) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	if !claimsFrom(r).IsOwner {
		writeError(w, http.StatusForbidden, "owner only", s.logger)
		return
	}
	if err := s.cfg.Reload(); err != nil {
		s.logger.Error("config reload failed", "path", s.cfg.Path(), "error", err)
		writeError(w, http.StatusInternalServerError, "config reload failed", s.logger)
		return
	}
	s.logger.Info("configuration reloaded", "path", s.cfg.Path())
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"}, s.logger)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	notifications, err := s.db.Notifications(claims.UserID, r.URL.Query().Get("unread_only") == "true")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "notification listing failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notifications}, s.logger)
}

func (s *Server) handleNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification id", s.logger)
		return
	}
	if err := s.db.MarkNotificationRead(id); err != nil {
		writeError(w, http.StatusInternalServerError, "notification update failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"read": id}, s.logger)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	_, cmds, err := s.reg.LoadAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "command listing failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds}, s.logger)
}

func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	if !claimsFrom(r).IsOwner {
		writeError(w, http.StatusForbidden, "owner only", s.logger)
		return
	}

	var cmd registry.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	if err := s.reg.Create(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	writeJSON(w, http.StatusCreated, cmd, s.logger)
}

func (s *Server) handleDeleteCommand(w http.ResponseWriter, r *http.Request) {
	if !claimsFrom(r).IsOwner {
		writeError(w, http.StatusForbidden, "owner only", s.logger)
		return
	}
	name := r.PathValue("name")
	if err := s.reg.Delete(name); err != nil {
		writeError(w, http.StatusInternalServerError, "command deletion failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": name}, s.logger)
}
