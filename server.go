package main

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/oszuidwest/zwfm-audiowatch/internal/config"
	"github.com/oszuidwest/zwfm-audiowatch/internal/server"
	"github.com/oszuidwest/zwfm-audiowatch/internal/types"
)

// minStatusInterval keeps WebSocket status pushes from flooding slow clients.
const minStatusInterval = 250 * time.Millisecond

// Server is an HTTP server that exposes device activity over REST and WebSocket.
type Server struct {
	config       *config.Config
	monitor      server.DeviceMonitor
	statuses     server.StatusProvider
	processes    server.ProcessLister
	commands     *server.CommandHandler
	version      *VersionChecker
	eventLogPath string
}

// NewServer returns a new Server for the given collaborators.
func NewServer(cfg *config.Config, monitor server.DeviceMonitor, statuses server.StatusProvider, processes server.ProcessLister, eventLogPath string, version *VersionChecker) *Server {
	return &Server{
		config:       cfg,
		monitor:      monitor,
		statuses:     statuses,
		processes:    processes,
		commands:     server.NewCommandHandler(cfg, monitor, statuses, processes),
		version:      version,
		eventLogPath: eventLogPath,
	}
}

// handleWebSocket streams status updates and handles commands.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := server.UpgradeConnection(w, r)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	interval := max(s.config.Snapshot().PollInterval, minStatusInterval)
	server.Serve(conn, s.commands, func() any { return s.buildWSStatus() }, interval)
}

// buildWSStatus returns the current WebSocket status response.
func (s *Server) buildWSStatus() types.WSStatusResponse {
	return types.WSStatusResponse{
		Type:      "status",
		Devices:   s.statuses.Statuses(),
		LastError: s.statuses.LastError(),
		Platform:  runtime.GOOS,
		Version:   s.version.Info(),
	}
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	auth := s.apiKeyAuth

	mux.HandleFunc("GET /api/devices", auth(s.handleAPIDevices))
	mux.HandleFunc("GET /api/devices/active", auth(s.handleAPIDeviceActive))
	mux.HandleFunc("GET /api/devices/class", auth(s.handleAPIDeviceClass))
	mux.HandleFunc("GET /api/processes/microphone", auth(s.handleAPIProcesses("capture")))
	mux.HandleFunc("GET /api/processes/speakers", auth(s.handleAPIProcesses("render")))
	mux.HandleFunc("GET /api/processes/microphone/live", auth(s.handleAPIMicrophoneProcesses))
	mux.HandleFunc("GET /api/processes/input", auth(s.handleAPIInputProcesses))
	mux.HandleFunc("GET /api/processes/running", auth(s.handleAPIRunningProcesses))
	mux.HandleFunc("GET /api/events", auth(s.handleAPIEvents))
	mux.HandleFunc("POST /api/notifications/test", auth(s.handleAPITestNotification))
	mux.HandleFunc("POST /api/archive/test", auth(s.handleAPITestArchive))
	mux.HandleFunc("GET /api/version", auth(s.handleAPIVersion))

	mux.HandleFunc("GET /ws", auth(s.handleWebSocket))

	return securityHeaders(mux)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// apiKeyAuth returns middleware for API key authentication.
// Browsers cannot set headers on WebSocket requests, so the key is also
// accepted as the "key" query parameter.
func (s *Server) apiKeyAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := s.config.Snapshot().APIKey
		if apiKey == "" {
			s.writeError(w, http.StatusServiceUnavailable, "API key not configured")
			return
		}

		providedKey := r.Header.Get("X-API-Key")
		if providedKey == "" {
			providedKey = r.URL.Query().Get("key")
		}
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

// Start begins the HTTP server.
// Returns an *http.Server that can be used for graceful shutdown.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.config.Snapshot().WebPort)
	slog.Info("starting web server", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	return srv
}
