package server

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/voicerec/internal/capture"
	"github.com/oszuidwest/voicerec/internal/config"
	"github.com/oszuidwest/voicerec/internal/eventlog"
	"github.com/oszuidwest/voicerec/internal/recorder"
	"github.com/oszuidwest/voicerec/internal/util"
)

// fakeConn is an in-memory WebSocketConn.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), out: make(chan []byte, 256), closed: make(chan struct{})}
}

func (c *fakeConn) ReadJSON(v any) error {
	select {
	case b := <-c.in:
		return json.Unmarshal(b, v)
	case <-c.closed:
		return io.EOF
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.out <- b:
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type message map[string]any

type client struct {
	t    *testing.T
	conn *fakeConn
	done chan struct{}
}

func (c *client) send(cmdType string, data any) {
	c.t.Helper()
	cmd := map[string]any{"type": cmdType}
	if data != nil {
		cmd["data"] = data
	}
	b, err := json.Marshal(cmd)
	require.NoError(c.t, err)
	c.conn.in <- b
}

// next returns the first message matching pred, skipping others.
func (c *client) next(pred func(message) bool) message {
	c.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case b := <-c.conn.out:
			var m message
			require.NoError(c.t, json.Unmarshal(b, &m))
			if pred(m) {
				return m
			}
		case <-timeout:
			c.t.Fatal("timed out waiting for message")
			return nil
		}
	}
}

func (c *client) result(cmdType string) message {
	c.t.Helper()
	return c.next(func(m message) bool { return m["type"] == cmdType+"_result" })
}

func newClient(t *testing.T) (*client, *recorder.Recorder, string) {
	t.Helper()
	dir := t.TempDir()
	eventsPath := filepath.Join(dir, "events.jsonl")
	events, err := eventlog.NewLogger(eventsPath)
	require.NoError(t, err)

	manager := capture.NewManager(capture.NewFakeProvider(), capture.Options{Format: capture.FormatWAV, SampleRate: 16000})
	rec := recorder.New(recorder.Options{
		Manager:   manager,
		Settings:  config.DefaultSettings(config.ProfileDesktop),
		Clock:     util.NewFakeClock(time.Now()),
		Events:    events,
		OutputDir: filepath.Join(dir, "out"),
	})

	conn := newFakeConn()
	c := &client{t: t, conn: conn, done: make(chan struct{})}
	h := NewCommandHandler(rec, eventsPath)
	go func() {
		defer close(c.done)
		h.Serve(conn)
	}()
	t.Cleanup(func() {
		_ = conn.Close()
		<-c.done
		_ = events.Close()
	})
	return c, rec, eventsPath
}

func TestServeSendsInitialState(t *testing.T) {
	c, _, _ := newClient(t)
	m := c.next(func(m message) bool { return m["type"] == "state" })
	state, ok := m["state"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "idle", state["phase"])
	assert.Equal(t, false, state["isRecording"])
}

func TestRecordingCommands(t *testing.T) {
	c, rec, _ := newClient(t)

	c.send("recording/start", nil)
	assert.Equal(t, true, c.result("recording/start")["success"])
	c.next(func(m message) bool {
		state, ok := m["state"].(map[string]any)
		return ok && state["isRecording"] == true
	})

	c.send("recording/start", nil)
	res := c.result("recording/start")
	assert.Equal(t, false, res["success"])
	assert.Equal(t, recorder.ErrSessionActive.Error(), res["error"])

	c.send("recording/reset", nil)
	assert.Equal(t, false, c.result("recording/reset")["success"])

	c.send("recording/stop", nil)
	res = c.result("recording/stop")
	require.Equal(t, true, res["success"])
	data, ok := res["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, rec.AudioURI(), data["audioUri"])
	assert.NotEmpty(t, data["audioUri"])

	c.send("recording/reset", nil)
	assert.Equal(t, true, c.result("recording/reset")["success"])
	assert.Empty(t, rec.AudioURI())
}

func TestProcessingAndStatusMessageCommands(t *testing.T) {
	c, rec, _ := newClient(t)

	c.send("recording/processing", map[string]any{"processing": true})
	assert.Equal(t, true, c.result("recording/processing")["success"])
	assert.True(t, rec.State().IsProcessing)

	c.send("recording/status_message", map[string]any{"message": "Transcribing"})
	assert.Equal(t, true, c.result("recording/status_message")["success"])
	assert.Equal(t, "Transcribing", rec.State().StatusMessage)

	c.send("recording/processing", map[string]any{})
	res := c.result("recording/processing")
	assert.Equal(t, false, res["success"])
	verr, ok := res["error"].(map[string]any)
	require.True(t, ok, "validation errors are structured")
	errs, ok := verr["errors"].([]any)
	require.True(t, ok)
	require.Len(t, errs, 1)
	assert.Equal(t, "processing", errs[0].(map[string]any)["field"])
}

func TestSettingsCommands(t *testing.T) {
	c, rec, _ := newClient(t)

	c.send("settings/get", nil)
	res := c.result("settings/get")
	require.Equal(t, true, res["success"])
	data := res["data"].(map[string]any)
	assert.InDelta(t, 65, data["speechThreshold"], 0.001)

	c.send("settings/update", map[string]any{"silenceDurationMs": 2000})
	res = c.result("settings/update")
	require.Equal(t, true, res["success"])
	assert.Equal(t, 2*time.Second, rec.Settings().SilenceDuration)

	c.send("settings/update", map[string]any{"speechThreshold": 120})
	res = c.result("settings/update")
	assert.Equal(t, false, res["success"])
	verr := res["error"].(map[string]any)
	errs := verr["errors"].([]any)
	assert.Equal(t, "speechThreshold", errs[0].(map[string]any)["field"])

	c.send("settings/update", map[string]any{"speechThreshold": 30, "silenceThreshold": 50})
	res = c.result("settings/update")
	assert.Equal(t, false, res["success"])
	assert.Equal(t, config.ErrThresholdOrder.Error(), res["error"])
}

func TestEventsCommand(t *testing.T) {
	c, _, _ := newClient(t)

	c.send("recording/start", nil)
	c.result("recording/start")
	c.send("recording/cancel", nil)
	c.result("recording/cancel")

	c.send("events/list", map[string]any{"limit": 1, "filter": "session"})
	res := c.result("events/list")
	require.Equal(t, true, res["success"])
	data := res["data"].(map[string]any)
	events := data["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, string(eventlog.SessionCancelled), events[0].(map[string]any)["type"])
	assert.Equal(t, true, data["hasMore"])

	c.send("events/list", map[string]any{"filter": "everything"})
	assert.Equal(t, false, c.result("events/list")["success"])
}

func TestUnknownCommand(t *testing.T) {
	c, _, _ := newClient(t)
	c.send("outputs/add", nil)
	res := c.result("outputs/add")
	assert.Equal(t, false, res["success"])
	assert.Equal(t, errUnknownCommand.Error(), res["error"])
}

func TestServeEndsWhenRecorderCloses(t *testing.T) {
	c, rec, _ := newClient(t)
	require.NoError(t, rec.Close(t.Context()))
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after the recorder closed")
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		allowed []string
		want    bool
	}{
		{"no origin", "", nil, true},
		{"localhost", "http://localhost:3000", nil, true},
		{"loopback", "http://127.0.0.1:5173", nil, true},
		{"private network", "http://192.168.1.20", nil, true},
		{"same host", "http://recorder.example", nil, true},
		{"foreign", "https://evil.example", nil, false},
		{"allowed extra", "https://app.example", []string{"https://app.example"}, true},
		{"invalid", "://bad", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "http://recorder.example/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checkOrigin(r, tt.allowed))
		})
	}
}
