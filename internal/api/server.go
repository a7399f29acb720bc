// Package api exposes the assistant's HTTP surface: the NLP query
// endpoints, routine management, IoT commands, and the admin and
// status endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmfontan/casia/internal/auth"
	"github.com/jmfontan/casia/internal/buildinfo"
	"github.com/jmfontan/casia/internal/config"
	"github.com/jmfontan/casia/internal/iot"
	"github.com/jmfontan/casia/internal/markers"
	"github.com/jmfontan/casia/internal/nlp"
	"github.com/jmfontan/casia/internal/patterns"
	"github.com/jmfontan/casia/internal/registry"
	"github.com/jmfontan/casia/internal/routines"
	"github.com/jmfontan/casia/internal/store"
)

// writeJSON encodes v as JSON to w, logging failures at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *slog.Logger) {
	writeJSON(w, status, map[string]string{"error": msg}, logger)
}

// Server is the HTTP API server.
type Server struct {
	cfg       *config.Store
	db        *store.Store
	reg       *registry.Store
	orch      *nlp.Orchestrator
	routines  *routines.Store
	runner    *routines.Executor
	analyzer  *patterns.Analyzer
	iotExec   *iot.Executor
	minter    *auth.Minter
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// Deps bundles the server's collaborators.
type Deps struct {
	Config   *config.Store
	DB       *store.Store
	Registry *registry.Store
	Orch     *nlp.Orchestrator
	Routines *routines.Store
	Runner   *routines.Executor
	Analyzer *patterns.Analyzer
	IoTExec  *iot.Executor
	Minter   *auth.Minter
	Logger   *slog.Logger
}

// NewServer builds the API server.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      d.Config,
		db:       d.DB,
		reg:      d.Registry,
		orch:     d.Orch,
		routines: d.Routines,
		runner:   d.Runner,
		analyzer: d.Analyzer,
		iotExec:  d.IoTExec,
		minter:   d.Minter,
		logger:   logger,
	}
}

// Start runs the server until ListenAndServe returns.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	// Public endpoints.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("POST /auth/login", s.handleLogin)

	// NLP endpoints.
	mux.Handle("POST /nlp/query", s.authed(s.handleQuery))
	mux.Handle("GET /nlp/stream", s.authed(s.handleStream))
	mux.Handle("DELETE /nlp/history", s.authed(s.handleDeleteOwnHistory))
	mux.Handle("DELETE /nlp/history/{user_id}", s.authed(s.handleDeleteHistory))

	// IoT endpoints.
	mux.Handle("POST /iot/command", s.authed(s.handleCommand))
	mux.Handle("GET /iot/commands", s.authed(s.handleListCommands))
	mux.Handle("POST /iot/commands", s.authed(s.handleCreateCommand))
	mux.Handle("DELETE /iot/commands/{name}", s.authed(s.handleDeleteCommand))
	mux.Handle("GET /devices", s.authed(s.handleDevices))

	// Routine endpoints.
	mux.Handle("GET /memory/status", s.authed(s.handleMemoryStatus))
	mux.Handle("GET /routines", s.authed(s.handleListRoutines))
	mux.Handle("POST /routines", s.authed(s.handleCreateRoutine))
	mux.Handle("GET /routines/{id}", s.authed(s.handleGetRoutine))
	mux.Handle("PUT /routines/{id}", s.authed(s.handleUpdateRoutine))
	mux.Handle("DELETE /routines/{id}", s.authed(s.handleDeleteRoutine))
	mux.Handle("POST /routines/{id}/execute", s.authed(s.handleExecuteRoutine))
	mux.Handle("POST /routines/{id}/confirm", s.authed(s.handleConfirmRoutine))
	mux.Handle("POST /routines/{id}/reject", s.authed(s.handleRejectRoutine))
	mux.Handle("POST /routines/{id}/toggle", s.authed(s.handleToggleRoutine))
	mux.Handle("POST /routines/suggest", s.authed(s.handleSuggestRoutines))

	// User admin and notifications.
	mux.Handle("GET /users", s.authed(s.handleListUsers))
	mux.Handle("POST /users", s.authed(s.handleCreateUser))
	mux.Handle("DELETE /users/{id}", s.authed(s.handleDeleteUser))
	mux.Handle("POST /admin/config/reload", s.authed(s.handleReloadConfig))
	mux.Handle("GET /notifications", s.authed(s.handleNotifications))
	mux.Handle("POST /notifications/{id}/read", s.authed(s.handleNotificationRead))

	cfg := s.cfg.Active()
	s.startedAt = time.Now()
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // long for streaming responses
	}

	s.logger.Info("starting API server", "address", cfg.Listen.Address, "port", cfg.Listen.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info(), s.logger)
}

// handleLogin trades a name/password pair for a bearer token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}

	user, err := s.db.GetUserByName(req.Name)
	if err != nil || user.HashedPassword == "" || !auth.CheckPassword(user.HashedPassword, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials", s.logger)
		return
	}

	token, err := s.minter.Mint(user.ID, user.Name, user.IsOwner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token minting failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":    token,
		"user_id":  user.ID,
		"is_owner": user.IsOwner,
	}, s.logger)
}

// handleCommand executes one raw command string as the caller. It is
// also the endpoint routine executions post back to.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required", s.logger)
		return
	}

	cmd, err := iot.NewParser().Parse(req.Command)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	user, err := s.db.GetUser(claims.UserID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "user not found", s.logger)
		return
	}
	if !markers.Authorized(user, cmd.Topic) {
		writeError(w, http.StatusForbidden, "permission denied", s.logger)
		return
	}

	confirmation, err := s.iotExec.Execute(r.Context(), cmd)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error(), s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": confirmation}, s.logger)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.db.ListDeviceStates()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "device listing failed", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices}, s.logger)
}
