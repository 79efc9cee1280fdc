package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-audiowatch/internal/activity"
	"github.com/oszuidwest/zwfm-audiowatch/internal/config"
	"github.com/oszuidwest/zwfm-audiowatch/internal/types"
)

type fakeMonitor struct{}

func (fakeMonitor) IsDeviceActive(_ context.Context, id string) (bool, error) {
	if id == "missing" {
		return false, activity.ErrDeviceNotFound
	}
	return id == "bt-headset", nil
}

func (fakeMonitor) Classify(_ context.Context, id string) (activity.DeviceClass, error) {
	if id == "bt-headset" {
		return activity.ClassBluetooth, nil
	}
	return activity.ClassStandard, nil
}

func (fakeMonitor) ActiveProcesses(_ context.Context, flow activity.Flow) activity.Result {
	return activity.Result{
		Success:   true,
		Processes: []activity.ProcessInfo{{ProcessName: "zoom", DeviceName: string(flow), IsActive: true}},
	}
}

func (fakeMonitor) MicrophoneProcesses(context.Context) activity.Result {
	return activity.Result{
		Success:   true,
		Processes: []activity.ProcessInfo{{ProcessName: "obs", DeviceName: "default", IsActive: true}},
	}
}

func (fakeMonitor) InputProcesses(context.Context) ([]string, error) {
	return []string{"/usr/bin/obs"}, nil
}

type fakeStatuses []types.DeviceStatus

func (f fakeStatuses) Statuses() []types.DeviceStatus { return f }

func (f fakeStatuses) StatusesFor(flow activity.Flow) []types.DeviceStatus {
	var out []types.DeviceStatus
	for _, st := range f {
		if st.Flow == string(flow) {
			out = append(out, st)
		}
	}
	return out
}

func (fakeStatuses) LastError() string { return "" }

type fakeProcesses []string

func (f fakeProcesses) RunningProcesses(context.Context) ([]string, error) {
	if f == nil {
		return nil, errors.New("no process table")
	}
	return f, nil
}

func newTestHandler(t *testing.T) (*CommandHandler, *config.Config) {
	t.Helper()
	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, cfg.Load())

	statuses := fakeStatuses{
		{ID: "bt-headset", Flow: "capture", Class: "bluetooth", Active: true},
		{ID: "speakers", Flow: "render", Class: "standard"},
	}
	return NewCommandHandler(cfg, fakeMonitor{}, statuses, fakeProcesses{"firefox", "zoom"}), cfg
}

// run sends cmd through h and returns the first response.
func run(t *testing.T, h *CommandHandler, cmdType string, data any) map[string]any {
	t.Helper()
	cmd := WSCommand{Type: cmdType}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		cmd.Data = raw
	}

	send := make(chan any, 4)
	h.Handle(cmd, send, func() {})

	select {
	case msg := <-send:
		// Round-trip to get the wire shape.
		raw, err := json.Marshal(msg)
		require.NoError(t, err)
		var out map[string]any
		require.NoError(t, json.Unmarshal(raw, &out))
		return out
	case <-time.After(2 * time.Second):
		t.Fatalf("no response to %s", cmdType)
		return nil
	}
}

func TestDevicesList(t *testing.T) {
	h, _ := newTestHandler(t)

	all := run(t, h, "devices/list", nil)
	assert.Equal(t, "devices/list_result", all["type"])
	assert.Equal(t, true, all["success"])
	assert.Len(t, all["data"], 2)

	capture := run(t, h, "devices/list", DeviceListRequest{Flow: "capture"})
	require.Len(t, capture["data"], 1)
	assert.Equal(t, "bt-headset", capture["data"].([]any)[0].(map[string]any)["id"])
}

func TestDevicesListRejectsUnknownFlow(t *testing.T) {
	h, _ := newTestHandler(t)

	resp := run(t, h, "devices/list", DeviceListRequest{Flow: "sideways"})
	assert.Equal(t, false, resp["success"])
	assert.Contains(t, resp["error"].(map[string]any)["errors"].([]any)[0].(map[string]any)["field"], "flow")
}

func TestDevicesActiveAndClassify(t *testing.T) {
	h, _ := newTestHandler(t)

	active := run(t, h, "devices/active", DeviceRequest{ID: "bt-headset"})
	assert.Equal(t, true, active["success"])
	assert.Equal(t, map[string]any{"id": "bt-headset", "active": true}, active["data"])

	class := run(t, h, "devices/classify", DeviceRequest{ID: "bt-headset"})
	assert.Equal(t, map[string]any{"id": "bt-headset", "class": "bluetooth"}, class["data"])

	missing := run(t, h, "devices/active", DeviceRequest{ID: "missing"})
	assert.Equal(t, false, missing["success"])
	assert.Equal(t, activity.ErrDeviceNotFound.Error(), missing["error"])

	invalid := run(t, h, "devices/classify", nil)
	assert.Equal(t, false, invalid["success"])
}

func TestProcessesCommands(t *testing.T) {
	h, _ := newTestHandler(t)

	list := run(t, h, "processes/list", ProcessListRequest{Flow: "capture"})
	require.Equal(t, true, list["success"])
	result := list["data"].(map[string]any)
	assert.Equal(t, true, result["success"])
	assert.Len(t, result["processes"], 1)

	live := run(t, h, "processes/microphone", nil)
	require.Equal(t, true, live["success"])
	assert.Equal(t, "obs", live["data"].(map[string]any)["processes"].([]any)[0].(map[string]any)["processName"])

	input := run(t, h, "processes/input", nil)
	assert.Equal(t, "processes/input_result", input["type"])
	assert.Equal(t, []any{"/usr/bin/obs"}, input["data"])

	running := run(t, h, "processes/running", nil)
	assert.Equal(t, []any{"firefox", "zoom"}, running["data"])
}

func TestWebhookUpdate(t *testing.T) {
	h, cfg := newTestHandler(t)

	resp := run(t, h, "notifications/webhook/update", WebhookUpdateRequest{URL: "https://hooks.example.com/audio"})
	assert.Equal(t, true, resp["success"])
	snap := cfg.Snapshot()
	assert.Equal(t, "https://hooks.example.com/audio", snap.WebhookURL)

	bad := run(t, h, "notifications/webhook/update", WebhookUpdateRequest{URL: "not a url"})
	assert.Equal(t, false, bad["success"])
}

func TestNotificationTestUnconfigured(t *testing.T) {
	h, _ := newTestHandler(t)

	resp := run(t, h, "notifications/zabbix/test", nil)
	assert.Equal(t, "test_result", resp["type"])
	assert.Equal(t, "zabbix", resp["test_type"])
	assert.Equal(t, false, resp["success"])
	assert.NotEmpty(t, resp["error"])
}

func TestRunNotificationTestUnknownType(t *testing.T) {
	_, cfg := newTestHandler(t)
	assert.Error(t, RunNotificationTest(context.Background(), cfg, "pager"))
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"no origin", "", true},
		{"localhost", "http://localhost:3000", true},
		{"same host", "http://audio.example.com", true},
		{"private ip", "http://192.168.1.20", true},
		{"ipv6 loopback", "http://[::1]:3000", true},
		{"public ip", "http://203.0.113.9", false},
		{"foreign", "https://evil.example.org", false},
		{"garbage", "://", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "http://audio.example.com:8080/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checkOrigin(r))
		})
	}
}

// pipeConn is an in-memory WebSocketConn.
type pipeConn struct {
	in     chan WSCommand
	out    chan []byte
	once   sync.Once
	closed chan struct{}
}

func newPipeConn() *pipeConn {
	return &pipeConn{in: make(chan WSCommand), out: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *pipeConn) ReadJSON(v any) error {
	select {
	case cmd, ok := <-c.in:
		if !ok {
			return io.EOF
		}
		*(v.(*WSCommand)) = cmd
		return nil
	case <-c.closed:
		return io.EOF
	}
}

func (c *pipeConn) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.out <- raw:
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func nextType(t *testing.T, c *pipeConn) string {
	t.Helper()
	select {
	case raw := <-c.out:
		var msg struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg.Type
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
		return ""
	}
}

func TestServeSendsStatusAndResults(t *testing.T) {
	h, _ := newTestHandler(t)
	conn := newPipeConn()
	status := func() any { return types.WSStatusResponse{Type: "status"} }

	finished := make(chan struct{})
	go func() {
		Serve(conn, h, status, time.Hour)
		close(finished)
	}()

	assert.Equal(t, "status", nextType(t, conn))

	conn.in <- WSCommand{Type: "devices/list"}
	assert.Equal(t, "devices/list_result", nextType(t, conn))
	assert.Equal(t, "status", nextType(t, conn), "a command triggers a status update")

	close(conn.in)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after the client left")
	}
}

func TestReplyEchoesCommandID(t *testing.T) {
	h, _ := newTestHandler(t)
	send := make(chan any, 1)
	h.Handle(WSCommand{Type: "devices/list", ID: "req-7"}, send, func() {})

	reply, ok := (<-send).(commandReply)
	require.True(t, ok)
	assert.Equal(t, "devices/list_result", reply.Type)
	assert.Equal(t, "req-7", reply.ID)
	assert.True(t, reply.Success)
}

func TestAsyncPanicIsAnswered(t *testing.T) {
	send := make(chan any, 1)
	handleAsync(WSCommand{Type: "devices/active"}, send, func(context.Context, *struct{}) (any, error) {
		panic("boom")
	})

	select {
	case msg := <-send:
		reply := msg.(commandReply)
		assert.False(t, reply.Success)
		assert.Equal(t, "internal error", reply.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply after panic")
	}
}

func TestDeliverToClosedClient(t *testing.T) {
	send := make(chan any, 1)
	close(send)
	assert.NotPanics(t, func() { deliver(send, "devices/list", "late") })

	full := make(chan any)
	assert.NotPanics(t, func() { deliver(full, "devices/list", "dropped") })
}
