package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/oszuidwest/voicerec/internal/capture"
	"github.com/oszuidwest/voicerec/internal/config"
	"github.com/oszuidwest/voicerec/internal/eventlog"
	"github.com/oszuidwest/voicerec/internal/recorder"
	"github.com/oszuidwest/voicerec/internal/server"
)

// API response helpers

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeRecorderError maps a recorder or capture error to an HTTP status.
func writeRecorderError(w http.ResponseWriter, err error) {
	if verr, ok := server.AsValidationError(err); ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": verr})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, recorder.ErrSessionActive),
		errors.Is(err, recorder.ErrStopInProgress),
		errors.Is(err, recorder.ErrCancelled):
		status = http.StatusConflict
	case errors.Is(err, recorder.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, config.ErrThresholdOrder):
		status = http.StatusBadRequest
	default:
		switch capture.KindOf(err) {
		case capture.KindPermission:
			status = http.StatusForbidden
		case capture.KindDeviceBusy:
			status = http.StatusServiceUnavailable
		}
	}
	writeError(w, status, err.Error())
}

// handleAPIState returns the observable recorder state.
// GET /api/state
func (s *Server) handleAPIState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.rec.State())
}

// handleAPISettings returns the settings the next session will use.
// GET /api/settings
func (s *Server) handleAPISettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.rec.Settings())
}

// handleAPIUpdateSettings applies and persists a partial settings update.
// PUT /api/settings
func (s *Server) handleAPIUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch config.SettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	settings, err := s.rec.UpdateSettings(patch)
	if err != nil {
		writeRecorderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// handleAPIEvents returns recent events, newest first.
// GET /api/events?limit=50&offset=0&filter=session
func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	filter, err := eventlog.ParseFilter(q.Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.eventsPath == "" {
		writeJSON(w, http.StatusOK, server.EventsResult{Events: []eventlog.Event{}})
		return
	}
	events, more, err := eventlog.ReadLast(s.eventsPath, limit, offset, filter)
	if err != nil {
		slog.Error("failed to read event log", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read event log")
		return
	}
	writeJSON(w, http.StatusOK, server.EventsResult{Events: events, HasMore: more})
}

// handleAPIAudio serves the last finalized recording.
// GET /api/audio
func (s *Server) handleAPIAudio(w http.ResponseWriter, r *http.Request) {
	uri := s.rec.AudioURI()
	if uri == "" {
		writeError(w, http.StatusNotFound, "no recording available")
		return
	}
	if _, err := os.Stat(uri); err != nil {
		writeError(w, http.StatusNotFound, "recording no longer exists")
		return
	}
	http.ServeFile(w, r, uri)
}

// handleAPIVersion returns build and update information.
// GET /api/version
func (s *Server) handleAPIVersion(w http.ResponseWriter, _ *http.Request) {
	if s.version == nil {
		writeJSON(w, http.StatusOK, currentVersionInfo())
		return
	}
	writeJSON(w, http.StatusOK, s.version.Info())
}

// handleAPIStart starts a session that records immediately.
// POST /api/recording/start
func (s *Server) handleAPIStart(w http.ResponseWriter, r *http.Request) {
	if err := s.rec.StartRecording(r.Context()); err != nil {
		writeRecorderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.rec.State())
}

// handleAPIPreBuffer starts a session that waits for speech.
// POST /api/recording/prebuffer
func (s *Server) handleAPIPreBuffer(w http.ResponseWriter, r *http.Request) {
	if err := s.rec.StartPreBuffering(r.Context()); err != nil {
		writeRecorderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.rec.State())
}

// handleAPIStop stops the session and returns the artifact location.
// POST /api/recording/stop
func (s *Server) handleAPIStop(w http.ResponseWriter, r *http.Request) {
	uri, err := s.rec.StopRecording(r.Context())
	if err != nil {
		writeRecorderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, server.StopResult{AudioURI: uri})
}

// handleAPICancel ends the session and discards its artifact.
// POST /api/recording/cancel
func (s *Server) handleAPICancel(w http.ResponseWriter, r *http.Request) {
	if err := s.rec.Cancel(r.Context()); err != nil {
		writeRecorderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.rec.State())
}

// handleAPIReset clears session-derived state.
// POST /api/recording/reset
func (s *Server) handleAPIReset(w http.ResponseWriter, _ *http.Request) {
	if err := s.rec.ResetRecording(); err != nil {
		writeRecorderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.rec.State())
}

func queryInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
