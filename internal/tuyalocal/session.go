package tuyalocal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// ErrBadLocalKey means the hub answered but its payload did not
// decrypt, i.e. the configured local key is wrong.
var ErrBadLocalKey = errors.New("hub rejected local key")

// HubConfig identifies a hub for a LAN session.
type HubConfig struct {
	ID       string
	IP       string
	LocalKey string
	Version  string
}

// Session is one encrypted TCP connection to a hub.
type Session struct {
	cfg  HubConfig
	key  []byte
	conn net.Conn

	mu  sync.Mutex
	seq uint32
}

// Dial connects to the hub's local control port.
func Dial(ctx context.Context, cfg HubConfig) (*Session, error) {
	if cfg.IP == "" {
		return nil, errors.New("hub IP is required")
	}
	if len(cfg.LocalKey) != 16 {
		return nil, fmt.Errorf("hub local key must be 16 bytes, got %d", len(cfg.LocalKey))
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(cfg.IP, strconv.Itoa(TCPPort)))
	if err != nil {
		return nil, fmt.Errorf("dial hub %s: %w", cfg.IP, err)
	}
	return &Session{cfg: cfg, key: []byte(cfg.LocalKey), conn: conn}, nil
}

func (s *Session) Close() error { return s.conn.Close() }

// roundTrip sends one command and decodes the hub's reply.
func (s *Session) roundTrip(ctx context.Context, cmd uint32, payload map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	enc, err := encryptECB(s.key, raw)
	if err != nil {
		return nil, err
	}
	if cmd != CmdDPQuery {
		enc = append(append([]byte{}, versionHeader...), enc...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++

	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetDeadline(deadline)

	if _, err := s.conn.Write(encodeFrame(s.seq, cmd, enc)); err != nil {
		return nil, fmt.Errorf("write to hub: %w", err)
	}

	head := make([]byte, 16)
	if _, err := io.ReadFull(s.conn, head); err != nil {
		return nil, fmt.Errorf("read hub response: %w", err)
	}
	length := binaryLength(head)
	if length < 8 || length > 1<<20 {
		return nil, fmt.Errorf("%w: response length %d", ErrBadFrame, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(s.conn, body); err != nil {
		return nil, fmt.Errorf("read hub response: %w", err)
	}

	f, err := decodeFrame(append(head, body...), true)
	if err != nil {
		return nil, err
	}
	if f.retcode != 0 {
		return nil, fmt.Errorf("hub returned code %d", f.retcode)
	}
	data := stripVersionHeader(f.payload)
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	plain, err := decryptECB(s.key, data)
	if err != nil {
		// Some hubs answer DP queries in clear JSON.
		plain = data
	}
	var out map[string]any
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, fmt.Errorf("%w: undecodable payload", ErrBadLocalKey)
	}
	return out, nil
}

func binaryLength(head []byte) int {
	return int(uint32(head[12])<<24 | uint32(head[13])<<16 | uint32(head[14])<<8 | uint32(head[15]))
}

func (s *Session) basePayload(cid string) map[string]any {
	p := map[string]any{
		"gwId":  s.cfg.ID,
		"devId": s.cfg.ID,
		"uid":   s.cfg.ID,
		"t":     strconv.FormatInt(time.Now().Unix(), 10),
	}
	if cid != "" {
		p["cid"] = cid
		p["devId"] = cid
	}
	return p
}

// Status queries the DP state of a child (or the hub itself when cid
// is empty).
func (s *Session) Status(ctx context.Context, cid string) (map[string]any, error) {
	return s.roundTrip(ctx, CmdDPQuery, s.basePayload(cid))
}

// SetDPs writes data points on a child device.
func (s *Session) SetDPs(ctx context.Context, cid string, dps map[string]any) (map[string]any, error) {
	payload := s.basePayload(cid)
	payload["dps"] = dps
	return s.roundTrip(ctx, CmdControl, payload)
}

// SubdevQuery asks a gateway for its child device ids. Online children
// come first.
func (s *Session) SubdevQuery(ctx context.Context) ([]string, error) {
	payload := s.basePayload("")
	payload["reqType"] = "subdev_online_stat_query"
	payload["data"] = map[string]any{}
	resp, err := s.roundTrip(ctx, CmdExtStream, payload)
	if err != nil {
		return nil, err
	}

	var cids []string
	seen := map[string]bool{}
	add := func(list any) {
		items, ok := list.([]any)
		if !ok {
			return
		}
		for _, item := range items {
			cid, ok := item.(string)
			if ok && cid != "" && !seen[cid] {
				seen[cid] = true
				cids = append(cids, cid)
			}
		}
	}
	if data, ok := resp["data"].(map[string]any); ok {
		add(data["online"])
		add(data["offline"])
	}
	return cids, nil
}
