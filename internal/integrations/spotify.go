package integrations

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"espfleet/internal/secrets"
	"espfleet/internal/store"
)

const (
	spotifyTokenURL = "https://accounts.spotify.com/api/token"
	spotifyAPIURL   = "https://api.spotify.com/v1"

	// Refresh a little early so a token never expires mid-request.
	tokenSlack = 30 * time.Second
)

// Spotify talks to the Web API with a stored refresh token. Access
// tokens are cached in memory only; the refresh token and client
// secret stay sealed in settings.
type Spotify struct {
	store  store.Store
	box    *secrets.Box
	http   *http.Client
	logger *slog.Logger

	tokenURL string // overridden in tests
	apiURL   string

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
	now         func() time.Time
}

func NewSpotify(s store.Store, box *secrets.Box, logger *slog.Logger) *Spotify {
	return &Spotify{
		store:    s,
		box:      box,
		http:     &http.Client{Timeout: 8 * time.Second},
		logger:   logger.With("component", "spotify"),
		tokenURL: spotifyTokenURL,
		apiURL:   spotifyAPIURL,
		now:      time.Now,
	}
}

func (s *Spotify) credentials() (clientID, clientSecret, refreshToken string, err error) {
	cfg, err := s.store.GetSetting("spotify")
	if err != nil {
		return "", "", "", err
	}
	clientID = stringField(cfg, "client_id")
	clientSecret = s.box.Unseal(stringField(cfg, "client_secret"))
	refreshToken = s.box.Unseal(stringField(cfg, "refresh_token"))
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return "", "", "", ErrNotConfigured
	}
	return clientID, clientSecret, refreshToken, nil
}

// token returns a valid access token, refreshing through the token
// endpoint when the cached one is gone or stale.
func (s *Spotify) token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accessToken != "" && s.now().Before(s.expiresAt.Add(-tokenSlack)) {
		return s.accessToken, nil
	}

	clientID, clientSecret, refreshToken, err := s.credentials()
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(clientID, clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("spotify token request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("spotify token refresh failed: %s", strings.TrimSpace(string(body)))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("spotify token refresh returned no token")
	}
	if tok.ExpiresIn <= 0 {
		tok.ExpiresIn = 3600
	}
	s.accessToken = tok.AccessToken
	s.expiresAt = s.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	s.logger.Debug("access token refreshed", "expires_in", tok.ExpiresIn)
	return s.accessToken, nil
}

func (s *Spotify) call(ctx context.Context, method, path string) (int, map[string]any, error) {
	token, err := s.token(ctx)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, s.apiURL+path, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("spotify request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}

	var out map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			out = map[string]any{"raw": string(body)}
		}
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, out, fmt.Errorf("spotify api: %s", resp.Status)
	}
	return resp.StatusCode, out, nil
}

// NowPlaying reports the current playback. 204 from the API means
// nothing is playing, which is a result, not an error.
func (s *Spotify) NowPlaying(ctx context.Context) (map[string]any, error) {
	code, body, err := s.call(ctx, http.MethodGet, "/me/player/currently-playing")
	if err != nil {
		return nil, err
	}
	if code == http.StatusNoContent || body == nil {
		return map[string]any{"playing": false}, nil
	}
	playing, _ := body["is_playing"].(bool)
	body["playing"] = playing
	return body, nil
}

// playerActions maps the dashboard's action names to the API calls.
var playerActions = map[string]struct {
	method string
	path   string
}{
	"play":     {http.MethodPut, "/me/player/play"},
	"pause":    {http.MethodPut, "/me/player/pause"},
	"next":     {http.MethodPost, "/me/player/next"},
	"previous": {http.MethodPost, "/me/player/previous"},
}

// Action performs a playback command.
func (s *Spotify) Action(ctx context.Context, action string) (map[string]any, error) {
	spec, ok := playerActions[strings.ToLower(strings.TrimSpace(action))]
	if !ok {
		return nil, fmt.Errorf("unknown player action %q", action)
	}
	_, body, err := s.call(ctx, spec.method, spec.path)
	if err != nil {
		return nil, err
	}
	if body == nil {
		body = map[string]any{}
	}
	body["ok"] = true
	return body, nil
}
