package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-audiowatch/internal/activity"
	"github.com/oszuidwest/zwfm-audiowatch/internal/util"
)

// DefaultSnapshotTTL is how long one pw-dump result is reused.
const DefaultSnapshotTTL = time.Second

// PipeWire object types and media classes used by the source.
const (
	typeNode     = "PipeWire:Interface:Node"
	typeDevice   = "PipeWire:Interface:Device"
	typeLink     = "PipeWire:Interface:Link"
	typeMetadata = "PipeWire:Interface:Metadata"

	classSource = "Audio/Source"
	classSink   = "Audio/Sink"
	classStream = "Stream/"
)

// pwObject is one entry of the pw-dump output. Only the fields the
// source needs are decoded.
type pwObject struct {
	ID   uint32 `json:"id"`
	Type string `json:"type"`
	Info *struct {
		State        string                       `json:"state"`
		OutputNodeID uint32                       `json:"output-node-id"`
		InputNodeID  uint32                       `json:"input-node-id"`
		Props        map[string]any               `json:"props"`
		Params       map[string][]json.RawMessage `json:"params"`
	} `json:"info"`

	// Set on metadata objects only.
	Props    map[string]any `json:"props"`
	Metadata []pwMetadata   `json:"metadata"`
}

// pwMetadata is one key of a metadata object. The default endpoints live in
// the "default" object under default.audio.source and default.audio.sink.
type pwMetadata struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type pwVolume struct {
	Volume         *float32  `json:"volume"`
	Mute           bool      `json:"mute"`
	ChannelVolumes []float32 `json:"channelVolumes"`
}

// Snapshot is a parsed pw-dump result.
type Snapshot struct {
	nodes    map[uint32]*pwObject
	devices  map[uint32]*pwObject
	links    []*pwObject
	defaults map[activity.Flow]string // node.name of the default endpoint
}

// ParseSnapshot decodes the JSON array written by pw-dump.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var objects []*pwObject
	if err := json.Unmarshal(data, &objects); err != nil {
		return nil, util.WrapError("decode pw-dump output", err)
	}

	snap := &Snapshot{
		nodes:    make(map[uint32]*pwObject),
		devices:  make(map[uint32]*pwObject),
		defaults: make(map[activity.Flow]string),
	}
	for _, obj := range objects {
		if obj != nil && obj.Type == typeMetadata {
			snap.addDefaults(obj)
			continue
		}
		if obj == nil || obj.Info == nil {
			continue
		}
		switch obj.Type {
		case typeNode:
			snap.nodes[obj.ID] = obj
		case typeDevice:
			snap.devices[obj.ID] = obj
		case typeLink:
			snap.links = append(snap.links, obj)
		}
	}
	return snap, nil
}

func (s *Snapshot) addDefaults(obj *pwObject) {
	if propString(obj.Props, "metadata.name") != "default" {
		return
	}
	for _, m := range obj.Metadata {
		var flow activity.Flow
		switch m.Key {
		case "default.audio.source":
			flow = activity.FlowCapture
		case "default.audio.sink":
			flow = activity.FlowRender
		default:
			continue
		}
		var value struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(m.Value, &value); err != nil {
			slog.Debug("unreadable default endpoint", "key", m.Key, "error", err)
			continue
		}
		s.defaults[flow] = value.Name
	}
}

// Devices returns the endpoints of a flow, ordered by node id.
func (s *Snapshot) Devices(flow activity.Flow) []activity.Device {
	want := classSource
	if flow == activity.FlowRender {
		want = classSink
	}

	ids := make([]uint32, 0, len(s.nodes))
	for id, node := range s.nodes {
		if propString(node.Info.Props, "media.class") == want {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	devices := make([]activity.Device, 0, len(ids))
	for _, id := range ids {
		node := s.nodes[id]
		props := node.Info.Props
		name := propString(props, "node.name")
		if name == "" {
			name = strconv.FormatUint(uint64(id), 10)
		}
		friendly := propString(props, "node.description")
		if friendly == "" {
			friendly = name
		}
		devices = append(devices, activity.Device{
			ID:       name,
			Name:     friendly,
			Flow:     flow,
			Default:  name == s.defaults[flow],
			Metadata: s.metadata(node),
			Indicators: &nodeIndicators{
				running:  node.Info.State == "running",
				sessions: s.sessions(id),
			},
		})
	}
	return devices
}

// metadata merges the node properties with those of its parent device.
func (s *Snapshot) metadata(node *pwObject) activity.DeviceMetadata {
	props := node.Info.Props
	var parent map[string]any
	if devID, ok := propUint(props, "device.id"); ok {
		if dev, ok := s.devices[devID]; ok {
			parent = dev.Info.Props
		}
	}
	lookup := func(key string) string {
		if v := propString(props, key); v != "" {
			return v
		}
		return propString(parent, key)
	}

	meta := activity.DeviceMetadata{
		InstanceID:   lookup("object.path"),
		BusTypeID:    lookup("device.bus"),
		FriendlyName: propString(props, "node.description"),
	}
	if meta.InstanceID == "" {
		meta.InstanceID = propString(props, "node.name")
	}
	if api := lookup("device.api"); api != "" {
		meta.HardwareIDs = []string{api}
	}
	if addr := lookup("api.bluez5.address"); addr != "" {
		meta.ParentID = `BLUETOOTH\` + addr
	}
	return meta
}

// sessions returns the streams linked to the endpoint node.
func (s *Snapshot) sessions(endpoint uint32) []activity.Session {
	seen := make(map[uint32]struct{})
	var sessions []activity.Session
	for _, link := range s.links {
		var peer uint32
		switch endpoint {
		case link.Info.OutputNodeID:
			peer = link.Info.InputNodeID
		case link.Info.InputNodeID:
			peer = link.Info.OutputNodeID
		default:
			continue
		}
		if _, dup := seen[peer]; dup {
			continue
		}
		node, ok := s.nodes[peer]
		if !ok || !strings.HasPrefix(propString(node.Info.Props, "media.class"), classStream) {
			continue
		}
		seen[peer] = struct{}{}
		sessions = append(sessions, streamSession(node))
	}
	return sessions
}

func streamSession(node *pwObject) activity.Session {
	sess := activity.Session{Volume: 1}
	if pid, ok := propUint(node.Info.Props, "application.process.id"); ok {
		sess.PID = pid
	}

	switch node.Info.State {
	case "running":
		sess.State = activity.SessionActive
	case "error":
		sess.State = activity.SessionExpired
	default:
		sess.State = activity.SessionInactive
	}

	for _, raw := range node.Info.Params["Props"] {
		var v pwVolume
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		sess.Muted = sess.Muted || v.Mute
		switch {
		case v.Volume != nil:
			sess.Volume = *v.Volume
		case len(v.ChannelVolumes) > 0:
			sess.Volume = maxOf(v.ChannelVolumes)
		}
	}
	return sess
}

func maxOf(values []float32) float32 {
	m := values[0]
	for _, v := range values[1:] {
		m = max(m, v)
	}
	return m
}

func propString(props map[string]any, key string) string {
	switch v := props[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// propUint reads an id property, which pw-dump writes as a number or a string.
func propUint(props map[string]any, key string) (uint32, bool) {
	switch v := props[key].(type) {
	case float64:
		if v < 0 {
			return 0, false
		}
		return uint32(v), true
	case string:
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return 0, false
		}
		return uint32(n), true
	default:
		return 0, false
	}
}

// nodeIndicators answers indicator queries from a snapshot. PipeWire exposes no
// peak meter through pw-dump, so the peak indicator is always unavailable.
type nodeIndicators struct {
	running  bool
	sessions []activity.Session
}

func (p *nodeIndicators) PeakValue() (float32, error) {
	return 0, activity.ErrIndicatorUnavailable
}

func (p *nodeIndicators) Padding() (uint32, error) {
	if p.running {
		return 1, nil
	}
	return 0, nil
}

func (p *nodeIndicators) Sessions() ([]activity.Session, error) {
	return p.sessions, nil
}

// PipeWire lists audio endpoints by running pw-dump.
// It is safe for concurrent use.
type PipeWire struct {
	path string
	ttl  time.Duration
	run  func(ctx context.Context, path string) ([]byte, error)

	mu      sync.Mutex
	cached  *Snapshot
	fetched time.Time
}

// NewPipeWire returns a source running the pw-dump binary at path.
func NewPipeWire(path string, ttl time.Duration) *PipeWire {
	if path == "" {
		path = "pw-dump"
	}
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &PipeWire{path: path, ttl: ttl, run: runCommand}
}

// Devices implements activity.DeviceSource.
func (p *PipeWire) Devices(ctx context.Context, flow activity.Flow) ([]activity.Device, error) {
	snap, err := p.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Devices(flow), nil
}

func (p *PipeWire) snapshot(ctx context.Context) (*Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && time.Since(p.fetched) < p.ttl {
		return p.cached, nil
	}

	out, err := p.run(ctx, p.path)
	if err != nil {
		return nil, err
	}
	snap, err := ParseSnapshot(out)
	if err != nil {
		return nil, err
	}

	p.cached = snap
	p.fetched = time.Now()
	slog.Debug("pipewire snapshot refreshed", "nodes", len(snap.nodes), "links", len(snap.links))
	return snap, nil
}

func runCommand(ctx context.Context, path string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, path)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := util.ExtractLastError(stderr.String()); msg != "" {
			return nil, util.WrapError("run "+path, fmt.Errorf("%w: %s", err, msg))
		}
		return nil, util.WrapError("run "+path, err)
	}
	return out, nil
}
