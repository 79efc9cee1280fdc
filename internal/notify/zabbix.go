package notify

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/oszuidwest/zwfm-audiowatch/internal/types"
	"github.com/oszuidwest/zwfm-audiowatch/internal/util"
)

// Zabbix trapper protocol limits.
const (
	zabbixTimeout  = 5 * time.Second
	zabbixMaxReply = 64 * 1024
)

// zabbixHeader starts every packet, followed by a little endian uint64 length.
var zabbixHeader = []byte("ZBXD\x01")

var errZabbixUnconfigured = errors.New("zabbix not configured")

type zabbixRequest struct {
	Request string       `json:"request"`
	Data    []zabbixItem `json:"data"`
}

type zabbixItem struct {
	Host  string `json:"host"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// zabbixResponse is the server reply. Info reads like
// "processed: 1; failed: 0; total: 1; seconds spent: 0.000055".
type zabbixResponse struct {
	Response string `json:"response"`
	Info     string `json:"info"`
}

// check fails unless the server accepted and processed every item.
func (r *zabbixResponse) check() error {
	if r.Response != "success" {
		return fmt.Errorf("zabbix rejected data: %s", r.Info)
	}
	var processed, failed, total int
	if _, err := fmt.Sscanf(r.Info, "processed: %d; failed: %d; total: %d", &processed, &failed, &total); err != nil {
		return nil
	}
	switch {
	case failed > 0:
		return fmt.Errorf("zabbix failed %d of %d items (check host/key config)", failed, total)
	case processed == 0:
		return errors.New("zabbix processed no items (check host/key config)")
	}
	return nil
}

// trapper sends values for one host and item key.
type trapper struct {
	addr string
	host string
	key  string
}

func newTrapper(cfg *types.ZabbixConfig) (*trapper, error) {
	if cfg.Server == "" || cfg.Host == "" || cfg.Key == "" {
		return nil, errZabbixUnconfigured
	}
	return &trapper{
		addr: net.JoinHostPort(cfg.Server, strconv.Itoa(cfg.Port)),
		host: cfg.Host,
		key:  cfg.Key,
	}, nil
}

// send delivers one value and waits for the server to confirm it.
func (t *trapper) send(ctx context.Context, value string) error {
	packet, err := encodePacket(zabbixRequest{
		Request: "sender data",
		Data:    []zabbixItem{{Host: t.host, Key: t.key, Value: value}},
	})
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: zabbixTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return util.WrapError("connect to zabbix", err)
	}
	defer util.SafeCloseFunc(conn, "zabbix connection")()

	deadline := time.Now().Add(zabbixTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return util.WrapError("set deadline", err)
	}

	if _, err := conn.Write(packet); err != nil {
		return util.WrapError("write zabbix request", err)
	}
	reply, err := decodePacket(conn)
	if err != nil {
		return err
	}

	var resp zabbixResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return util.WrapError("parse zabbix reply", err)
	}
	return resp.check()
}

// encodePacket frames v as JSON behind the protocol header.
func encodePacket(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, util.WrapError("marshal zabbix packet", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(zabbixHeader) + 8 + len(data))
	buf.Write(zabbixHeader)
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(data)))
	buf.Write(data)
	return buf.Bytes(), nil
}

// decodePacket reads one framed packet and returns its body.
func decodePacket(r io.Reader) ([]byte, error) {
	header := make([]byte, len(zabbixHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, util.WrapError("read zabbix header", err)
	}
	if !bytes.Equal(header, zabbixHeader) {
		return nil, fmt.Errorf("invalid zabbix header %q", header)
	}

	var size uint64
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, util.WrapError("read zabbix length", err)
	}
	if size == 0 || size > zabbixMaxReply {
		return nil, fmt.Errorf("zabbix packet of %d bytes outside 1..%d", size, zabbixMaxReply)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, util.WrapError("read zabbix body", err)
	}
	return body, nil
}

// SendTransitionZabbix sends a device activity change to Zabbix. Nothing is
// sent when Zabbix is not configured.
func SendTransitionZabbix(ctx context.Context, cfg *types.ZabbixConfig, t *types.Transition) error {
	tr, err := newTrapper(cfg)
	if errors.Is(err, errZabbixUnconfigured) {
		return nil
	}
	state := "INACTIVE"
	if t.Device.Active {
		state = "ACTIVE"
	}
	return tr.send(ctx, fmt.Sprintf("event=%s device=%q flow=%s class=%s previous_ms=%d",
		state, t.Device.Name, t.Device.Flow, t.Device.Class, t.Previous.Milliseconds()))
}

// SendTestZabbix sends a test value to verify the Zabbix settings.
func SendTestZabbix(ctx context.Context, cfg *types.ZabbixConfig) error {
	tr, err := newTrapper(cfg)
	if err != nil {
		return err
	}
	return tr.send(ctx, "event=TEST source=zwfm-audiowatch")
}
