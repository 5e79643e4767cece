package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/keepmind9/imnotify/internal/logger"
	"github.com/keepmind9/imnotify/pkg/constants"
	"github.com/sirupsen/logrus"
)

// NotifyRequest is the body of POST /notify
type NotifyRequest struct {
	Targets TargetList `json:"targets"`
	Message string     `json:"message"`
}

// NotifyResponse is returned for an accepted notification
type NotifyResponse struct {
	ID      string `json:"id"`
	Targets int    `json:"targets"`
}

// TargetList accepts either a JSON array of targets or one string of
// whitespace separated targets
type TargetList []string

func (t *TargetList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*t = list
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.New("targets must be a string or an array of strings")
	}
	*t = SplitTargets(s)
	return nil
}

// Handler returns the hook server routes
func (e *Engine) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/notify", e.handleNotify)
	mux.HandleFunc("/status", e.handleStatus)
	mux.Handle("/metrics", e.metrics.Handler())
	return mux
}

// newHookServer creates the hook server and registers it for Stop
func (e *Engine) newHookServer() *http.Server {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", e.Config().HookServer.Port),
		Handler:           e.Handler(),
		ReadHeaderTimeout: constants.HookHTTPTimeout,
	}
	e.mu.Lock()
	e.hookServer = server
	e.mu.Unlock()
	return server
}

// serveHook blocks until Stop shuts the server down
func serveHook(server *http.Server) error {
	logger.WithField("address", server.Addr).Info("hook-server-listening")

	// Shutdown makes ListenAndServe return ErrServerClosed
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("hook-server-error: %v", err)
		return fmt.Errorf("hook server: %w", err)
	}

	logger.Info("hook-server-stopped")
	return nil
}

// handleNotify accepts a build event from the build system
func (e *Engine) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxHookBodyBytes)
	defer r.Body.Close()

	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.WithField("error", err).Warn("invalid-notify-request-body")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "Missing message", http.StatusBadRequest)
		return
	}
	targets := uniqueTargets(req.Targets)
	if len(targets) == 0 {
		http.Error(w, "Missing targets", http.StatusBadRequest)
		return
	}
	if len(targets) > constants.MaxNotifyTargets {
		http.Error(w, fmt.Sprintf("Too many targets (max %d)", constants.MaxNotifyTargets), http.StatusBadRequest)
		return
	}

	id := e.Notify(targets, req.Message)
	logger.WithFields(logrus.Fields{
		"notification_id": id,
		"targets":         len(targets),
		"message_length":  len(req.Message),
	}).Info("notification-accepted")

	writeJSON(w, http.StatusAccepted, NotifyResponse{ID: id, Targets: len(targets)})
}

// handleStatus reports the connection state; ?recent=N adds journal entries
func (e *Engine) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	recent := 0
	if v := r.URL.Query().Get("recent"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > constants.MaxRecentJournalEntries {
			http.Error(w, "Invalid recent parameter", http.StatusBadRequest)
			return
		}
		recent = n
	}

	st, err := e.Status(r.Context(), recent)
	if err != nil {
		logger.WithField("error", err).Error("failed-to-build-status")
		http.Error(w, "Failed to read status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithField("error", err).Warn("failed-to-write-response")
	}
}
