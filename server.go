package main

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/oszuidwest/voicerec/internal/config"
	"github.com/oszuidwest/voicerec/internal/recorder"
	"github.com/oszuidwest/voicerec/internal/server"
)

// Server is the HTTP server exposing the recorder over REST and WebSocket.
type Server struct {
	config     config.Snapshot
	rec        *recorder.Recorder
	eventsPath string
	commands   *server.CommandHandler
	upgrader   *websocket.Upgrader
	version    *VersionChecker
}

// NewServer returns a Server for rec. version may be nil.
func NewServer(cfg config.Snapshot, rec *recorder.Recorder, eventsPath string, version *VersionChecker) *Server {
	return &Server{
		config:     cfg,
		rec:        rec,
		eventsPath: eventsPath,
		commands:   server.NewCommandHandler(rec, eventsPath),
		upgrader:   server.NewUpgrader(cfg.AllowedOrigins),
		version:    version,
	}
}

// handleWebSocket streams recorder state to the client and accepts commands.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}
	s.commands.Serve(conn)
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	auth := s.apiKeyAuth

	mux.HandleFunc("GET /api/state", s.handleAPIState)
	mux.HandleFunc("GET /api/settings", s.handleAPISettings)
	mux.HandleFunc("PUT /api/settings", auth(s.handleAPIUpdateSettings))
	mux.HandleFunc("GET /api/events", s.handleAPIEvents)
	mux.HandleFunc("GET /api/audio", s.handleAPIAudio)
	mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	mux.HandleFunc("POST /api/recording/start", auth(s.handleAPIStart))
	mux.HandleFunc("POST /api/recording/prebuffer", auth(s.handleAPIPreBuffer))
	mux.HandleFunc("POST /api/recording/stop", auth(s.handleAPIStop))
	mux.HandleFunc("POST /api/recording/cancel", auth(s.handleAPICancel))
	mux.HandleFunc("POST /api/recording/reset", auth(s.handleAPIReset))

	mux.HandleFunc("GET /ws", auth(s.handleWebSocket))

	return securityHeaders(mux)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// apiKeyAuth returns middleware requiring the configured API key in the X-API-Key
// header or, for browsers opening a WebSocket, the key query parameter.
// Without a configured key every request passes.
func (s *Server) apiKeyAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := s.config.APIKey
		if apiKey == "" {
			next(w, r)
			return
		}

		provided := r.Header.Get("X-API-Key")
		if provided == "" {
			provided = r.URL.Query().Get("key")
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}
