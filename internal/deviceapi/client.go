// Package deviceapi speaks the fleet's device HTTP contract: status,
// pairing, control, config, and OTA apply. Devices that are not
// reachable over their own HTTP API (hub children) are routed through
// the provider dispatcher instead.
package deviceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// NormalizeHost turns a bare host, host:port, or URL into a base URL
// without a trailing slash.
func NormalizeHost(host string) string {
	value := strings.TrimSpace(host)
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		return strings.TrimRight(value, "/")
	}
	return "http://" + strings.TrimRight(value, "/")
}

// Client talks to devices over HTTP.
type Client struct {
	http   *http.Client
	otaTTL time.Duration
	logger *slog.Logger
}

func NewClient(logger *slog.Logger) *Client {
	return &Client{
		http:   &http.Client{Timeout: 8 * time.Second},
		otaTTL: 20 * time.Second,
		logger: logger.With("component", "deviceapi"),
	}
}

// decodeBody parses a device response. Devices with tiny HTTP stacks
// sometimes answer with an empty body or bare text; both count as ok.
func decodeBody(res *http.Response) (map[string]any, error) {
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return map[string]any{"ok": true}, nil
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(text), &body); err != nil {
		return map[string]any{"ok": true, "raw": text}, nil
	}
	return body, nil
}

func (c *Client) getJSON(ctx context.Context, url string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return nil, fmt.Errorf("device returned %d for %s", res.StatusCode, url)
	}
	return decodeBody(res)
}

func (c *Client) postJSON(ctx context.Context, url string, payload any) (map[string]any, int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer res.Body.Close()
	body, err := decodeBody(res)
	return body, res.StatusCode, err
}

// Status fetches /api/status.
func (c *Client) Status(ctx context.Context, host string) (map[string]any, error) {
	return c.getJSON(ctx, NormalizeHost(host)+"/api/status")
}

// PairResult reports a pairing attempt, failed status codes included.
type PairResult struct {
	OK         bool           `json:"ok"`
	StatusCode int            `json:"status_code"`
	Response   map[string]any `json:"response"`
}

// Pair posts the passcode to /api/pair. HTTP errors from the device
// come back as a failed result, not an error.
func (c *Client) Pair(ctx context.Context, host, passcode string) (PairResult, error) {
	body, code, err := c.postJSON(ctx, NormalizeHost(host)+"/api/pair", map[string]any{"passcode": passcode})
	if err != nil {
		return PairResult{}, err
	}
	return PairResult{OK: code < 400, StatusCode: code, Response: body}, nil
}

// Control posts a command to /api/control with the passcode injected.
func (c *Client) Control(ctx context.Context, host, passcode string, command map[string]any) (map[string]any, error) {
	payload := make(map[string]any, len(command)+1)
	for k, v := range command {
		payload[k] = v
	}
	payload["passcode"] = passcode
	body, code, err := c.postJSON(ctx, NormalizeHost(host)+"/api/control", payload)
	if err != nil {
		return nil, err
	}
	if code >= 400 {
		return nil, fmt.Errorf("device control returned %d: %v", code, body)
	}
	return body, nil
}

// Config posts device settings to /api/config with the passcode
// injected.
func (c *Client) Config(ctx context.Context, host, passcode string, cfg map[string]any) (map[string]any, error) {
	payload := make(map[string]any, len(cfg)+1)
	for k, v := range cfg {
		payload[k] = v
	}
	payload["passcode"] = passcode
	body, code, err := c.postJSON(ctx, NormalizeHost(host)+"/api/config", payload)
	if err != nil {
		return nil, err
	}
	if code >= 400 {
		return nil, fmt.Errorf("device config returned %d: %v", code, body)
	}
	return body, nil
}

// PushOTA asks the device to pull and apply signed firmware. The
// device only acknowledges receipt; the update itself happens on its
// own schedule.
func (c *Client) PushOTA(ctx context.Context, host, passcode, firmwareURL, manifestURL string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.otaTTL)
	defer cancel()
	payload := map[string]any{
		"passcode":     passcode,
		"firmware_url": firmwareURL,
		"manifest_url": manifestURL,
	}
	body, code, err := c.postJSON(ctx, NormalizeHost(host)+"/api/ota/apply", payload)
	if err != nil {
		return nil, err
	}
	if code >= 400 {
		return nil, fmt.Errorf("device ota apply returned %d: %v", code, body)
	}
	return body, nil
}
