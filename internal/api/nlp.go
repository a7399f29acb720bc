package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/jmfontan/casia/internal/nlp"
)

// handleQuery runs one full NLP request for the caller.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}

	resp, err := s.orch.GenerateResponse(r.Context(), claims.UserID, req.Prompt)
	if err != nil {
		var unavailable *nlp.LLMUnavailable
		switch {
		case errors.Is(err, nlp.ErrEmptyPrompt):
			writeError(w, http.StatusBadRequest, "prompt must not be empty", s.logger)
		case errors.Is(err, nlp.ErrUserNotFound):
			writeError(w, http.StatusNotFound, "user not found", s.logger)
		case errors.As(err, &unavailable):
			writeError(w, http.StatusServiceUnavailable, "el asistente no está disponible ahora mismo", s.logger)
		default:
			s.logger.Error("query failed", "user_id", claims.UserID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error", s.logger)
		}
		return
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is bearer-token authenticated; origin checks add
	// nothing for non-browser voice clients.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream serves a WebSocket session: the client sends
// {"prompt": ...} messages, the server streams {"token": ...} frames
// as the model produces them and closes each turn with the full
// response object. Errors come back as {"error": ...} frames and keep
// the session open.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	for {
		var req struct {
			Prompt string `json:"prompt"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		resp, err := s.orch.GenerateResponseStream(r.Context(), claims.UserID, req.Prompt,
			func(chunk string) {
				// A failed write surfaces again on the next frame.
				_ = conn.WriteJSON(map[string]string{"token": chunk})
			})
		if err != nil {
			if werr := conn.WriteJSON(map[string]string{"error": err.Error()}); werr != nil {
				return
			}
			continue
		}
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

// handleDeleteOwnHistory wipes the caller's own conversation log.
func (s *Server) handleDeleteOwnHistory(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	deleted, err := s.db.DeleteHistory(claims.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history deletion failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted}, s.logger)
}

// handleDeleteHistory wipes another user's conversation log. Owners
// only.
func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if !claims.IsOwner {
		writeError(w, http.StatusForbidden, "owner only", s.logger)
		return
	}

	userID, err := strconv.ParseInt(r.PathValue("user_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id", s.logger)
		return
	}

	deleted, err := s.db.DeleteHistory(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history deletion failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "user_id": userID}, s.logger)
}
