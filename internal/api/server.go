package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/sleepy-project/statussync/internal/config"
	"github.com/sleepy-project/statussync/internal/history"
	"github.com/sleepy-project/statussync/internal/livesync"
)

// Reconnector is the manual "reconnect now" affordance
type Reconnector interface {
	ReconnectNow() error
}

// UsageSource produces screen-usage reports
type UsageSource interface {
	Usage(ctx context.Context, day time.Time) (history.Report, error)
}

// Deps are the collaborators behind the dashboard routes. Usage may be nil.
type Deps struct {
	Board  *Board
	Sync   Reconnector
	Logs   *LogBuffer
	Events *EventBuffer
	Usage  UsageSource
}

// Server represents the dashboard HTTP server
type Server struct {
	config     config.ServerConfig
	deps       Deps
	router     *mux.Router
	httpServer *http.Server
	log        *logrus.Entry
}

// NewServer creates a new dashboard server
func NewServer(cfg config.ServerConfig, deps Deps, log *logrus.Entry) *Server {
	s := &Server{
		config: cfg,
		deps:   deps,
		router: mux.NewRouter(),
		log:    log,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.logRequests)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// registered on the root router so a wrong method gets 405, not 404
	s.router.HandleFunc("/api/view", s.handleView).Methods(http.MethodGet)
	s.router.HandleFunc("/api/reconnect", s.handleReconnect).Methods(http.MethodPost)
	s.router.HandleFunc("/api/logs", s.handleLogs).Methods(http.MethodGet)
	s.router.HandleFunc("/api/logs", s.handleClearLogs).Methods(http.MethodDelete)
	s.router.HandleFunc("/api/events", s.handleEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/api/usage", s.handleUsage).Methods(http.MethodGet)

	s.router.HandleFunc("/", s.handleUI).Methods(http.MethodGet)
}

// Handler returns the route handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Shutdown is called
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.WithField("addr", addr).Info("dashboard listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Trace("request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	view := s.deps.Board.View()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"connection": view.Connection.State,
		"loaded":     view.Loaded,
	})
}

// handleView returns the rendered status view and marks it as watched
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	s.deps.Board.MarkViewed()
	writeJSON(w, http.StatusOK, s.deps.Board.View())
}

// handleReconnect triggers a manual reconnect
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sync.ReconnectNow(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, livesync.ErrNotConnected) || errors.Is(err, livesync.ErrStopped) {
			code = http.StatusConflict
		}
		writeJSON(w, code, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

// handleLogs returns buffered log entries, filtered by ?level=warn,error
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	var levels []string
	if q := r.URL.Query().Get("level"); q != "" {
		levels = strings.Split(q, ",")
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": s.deps.Logs.Entries(levels),
	})
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	s.deps.Logs.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// handleEvents returns the most recent push events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": s.deps.Events.Entries(),
		"counts": s.deps.Events.Counts(),
	})
}

// handleUsage returns the screen-usage report for ?day=YYYY-MM-DD (today by default)
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": history.ErrDisabled.Error(),
		})
		return
	}

	day := time.Now()
	if q := r.URL.Query().Get("day"); q != "" {
		parsed, err := time.ParseInLocation("2006-01-02", q, time.Local)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "day must be YYYY-MM-DD",
			})
			return
		}
		day = parsed
	}

	report, err := s.deps.Usage.Usage(r.Context(), day)
	if err != nil {
		s.log.WithError(err).Warn("usage report failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleUI serves the web UI
func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(webUI))
}
