package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/oszuidwest/voicerec/internal/config"
	"github.com/oszuidwest/voicerec/internal/eventlog"
	"github.com/oszuidwest/voicerec/internal/recorder"
)

// commandTimeout bounds start and stop commands, which wait on the capture device.
const commandTimeout = 30 * time.Second

var errUnknownCommand = errors.New("unknown command")

// defaultEventLimit is the number of events returned when a request omits the limit.
const defaultEventLimit = 50

// WSCommand is a command received from a WebSocket client.
type WSCommand struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Recorder is the recorder surface driven by commands.
type Recorder interface {
	StartRecording(ctx context.Context) error
	StartPreBuffering(ctx context.Context) error
	StopRecording(ctx context.Context) (string, error)
	Cancel(ctx context.Context) error
	ResetRecording() error
	SetIsProcessing(processing bool)
	SetStatusMessage(msg string)
	Settings() config.RecorderSettings
	UpdateSettings(patch config.SettingsPatch) (config.RecorderSettings, error)
	State() recorder.Snapshot
	Subscribe() (<-chan recorder.Snapshot, func())
}

// StopResult is the data returned by recording/stop.
type StopResult struct {
	AudioURI string `json:"audioUri"`
}

// EventsResult is the data returned by events/list.
type EventsResult struct {
	Events  []eventlog.Event `json:"events"`
	HasMore bool             `json:"hasMore"`
}

// CommandHandler processes WebSocket commands.
type CommandHandler struct {
	rec        Recorder
	eventsPath string
}

// NewCommandHandler creates a command handler. eventsPath may be empty when
// the session event log is disabled.
func NewCommandHandler(rec Recorder, eventsPath string) *CommandHandler {
	return &CommandHandler{rec: rec, eventsPath: eventsPath}
}

// Handle processes a WebSocket command and performs the requested action.
// Commands use slash-style format: namespace/action (e.g., "recording/start").
func (h *CommandHandler) Handle(cmd WSCommand, send chan<- any) {
	namespace, action, _ := strings.Cut(cmd.Type, "/")

	switch namespace {
	case "recording":
		h.handleRecording(action, cmd, send)
	case "settings":
		h.handleSettings(action, cmd, send)
	case "events":
		h.handleEvents(action, cmd, send)
	default:
		slog.Warn("unknown WebSocket command", "type", cmd.Type)
		SendError(send, cmd.Type, errUnknownCommand)
	}
}

// handleRecording routes recording/* commands.
func (h *CommandHandler) handleRecording(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "start":
		h.async(cmd, send, func(ctx context.Context) (any, error) {
			return nil, h.rec.StartRecording(ctx)
		})
	case "prebuffer":
		h.async(cmd, send, func(ctx context.Context) (any, error) {
			return nil, h.rec.StartPreBuffering(ctx)
		})
	case "stop":
		h.async(cmd, send, func(ctx context.Context) (any, error) {
			uri, err := h.rec.StopRecording(ctx)
			if err != nil {
				return nil, err
			}
			return StopResult{AudioURI: uri}, nil
		})
	case "cancel":
		h.async(cmd, send, func(ctx context.Context) (any, error) {
			return nil, h.rec.Cancel(ctx)
		})
	case "reset":
		if err := h.rec.ResetRecording(); err != nil {
			SendError(send, cmd.Type, err)
			return
		}
		SendSuccess(send, cmd.Type, nil)
	case "processing":
		HandleCommand(cmd, send, func(req *ProcessingRequest) (any, error) {
			h.rec.SetIsProcessing(*req.Processing)
			return nil, nil
		})
	case "status_message":
		HandleCommand(cmd, send, func(req *StatusMessageRequest) (any, error) {
			h.rec.SetStatusMessage(req.Message)
			return nil, nil
		})
	case "state":
		SendSuccess(send, cmd.Type, h.rec.State())
	default:
		slog.Warn("unknown recording action", "action", action)
		SendError(send, cmd.Type, errUnknownCommand)
	}
}

// handleSettings routes settings/* commands.
func (h *CommandHandler) handleSettings(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "get":
		SendSuccess(send, cmd.Type, h.rec.Settings())
	case "update":
		HandleCommand(cmd, send, func(patch *config.SettingsPatch) (any, error) {
			return h.rec.UpdateSettings(*patch)
		})
	default:
		slog.Warn("unknown settings action", "action", action)
		SendError(send, cmd.Type, errUnknownCommand)
	}
}

// handleEvents routes events/* commands.
func (h *CommandHandler) handleEvents(action string, cmd WSCommand, send chan<- any) {
	if action != "list" {
		slog.Warn("unknown events action", "action", action)
		SendError(send, cmd.Type, errUnknownCommand)
		return
	}
	HandleCommand(cmd, send, func(req *EventsRequest) (any, error) {
		if h.eventsPath == "" {
			return EventsResult{Events: []eventlog.Event{}}, nil
		}
		limit := req.Limit
		if limit == 0 {
			limit = defaultEventLimit
		}
		events, more, err := eventlog.ReadLast(h.eventsPath, limit, req.Offset, eventlog.TypeFilter(req.Filter))
		if err != nil {
			return nil, err
		}
		return EventsResult{Events: events, HasMore: more}, nil
	})
}

// async runs a blocking recorder call off the reader goroutine with its own deadline,
// so a client disconnect does not abort a device operation halfway.
func (h *CommandHandler) async(cmd WSCommand, send chan<- any, fn func(ctx context.Context) (any, error)) {
	HandleActionAsync(cmd, send, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		return fn(ctx)
	})
}
