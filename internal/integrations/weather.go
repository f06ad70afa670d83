// Package integrations adapts third-party services the dashboard shows
// alongside the fleet: current weather and Spotify playback. Both are
// opaque passthroughs; credentials live sealed in the settings store.
package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"espfleet/internal/secrets"
	"espfleet/internal/store"
)

// ErrNotConfigured means the integration has no usable credentials yet.
var ErrNotConfigured = errors.New("integration is not configured")

const openWeatherURL = "https://api.openweathermap.org/data/2.5/weather"

// Weather fetches current conditions from OpenWeather.
type Weather struct {
	store  store.Store
	box    *secrets.Box
	http   *http.Client
	logger *slog.Logger

	baseURL string // overridden in tests
}

func NewWeather(s store.Store, box *secrets.Box, logger *slog.Logger) *Weather {
	return &Weather{
		store:   s,
		box:     box,
		http:    &http.Client{Timeout: 8 * time.Second},
		logger:  logger.With("component", "weather"),
		baseURL: openWeatherURL,
	}
}

// Current returns the provider's response for the configured location,
// decoded but otherwise untouched.
func (w *Weather) Current(ctx context.Context) (map[string]any, error) {
	cfg, err := w.store.GetSetting("weather")
	if err != nil {
		return nil, err
	}
	apiKey := w.box.Unseal(stringField(cfg, "api_key"))
	location := stringField(cfg, "location")
	if apiKey == "" || location == "" {
		return nil, ErrNotConfigured
	}
	units := stringField(cfg, "units")
	if units == "" {
		units = "metric"
	}

	q := url.Values{}
	q.Set("q", location)
	q.Set("appid", apiKey)
	q.Set("units", units)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read weather response: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode weather response: %w", err)
	}
	if resp.StatusCode >= 400 {
		msg := stringField(out, "message")
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("weather provider: %s", msg)
	}
	return out, nil
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return strings.TrimSpace(v)
}
