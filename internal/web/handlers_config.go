package web

import (
	"errors"
	"net/http"

	"espfleet/internal/events"
	"espfleet/internal/integrations"
)

// integrationSecrets names the settings fields stored sealed. Writes
// seal them; reads reveal them for the config page.
var integrationSecrets = map[string][]string{
	"weather": {"api_key"},
	"spotify": {"client_secret", "refresh_token"},
	"moes":    {"hub_local_key"},
	"ota":     {"shared_key"},
	"tuya":    {},
	"scan":    {},
}

func (s *Server) handleGetIntegrations(w http.ResponseWriter, r *http.Request) {
	out := map[string]map[string]any{}
	for key, secretFields := range integrationSecrets {
		cfg, err := s.Store.GetSetting(key)
		if err != nil {
			s.errorJSON(w, http.StatusInternalServerError, err)
			return
		}
		for _, field := range secretFields {
			if sealed, ok := cfg[field].(string); ok {
				cfg[field] = s.Box.Unseal(sealed)
			}
		}
		out[key] = cfg
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePutIntegrations(w http.ResponseWriter, r *http.Request) {
	var req map[string]map[string]any
	if !s.readJSON(w, r, &req) {
		return
	}

	updated := []string{}
	for key, incoming := range req {
		secretFields, known := integrationSecrets[key]
		if !known {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown integration " + key})
			return
		}
		cfg, err := s.Store.GetSetting(key)
		if err != nil {
			s.errorJSON(w, http.StatusInternalServerError, err)
			return
		}
		for field, value := range incoming {
			cfg[field] = value
		}
		for _, field := range secretFields {
			plain, ok := cfg[field].(string)
			if !ok {
				continue
			}
			sealed, err := s.Box.Seal(plain)
			if err != nil {
				s.errorJSON(w, http.StatusInternalServerError, err)
				return
			}
			cfg[field] = sealed
		}
		if err := s.Store.SetSetting(key, cfg); err != nil {
			s.errorJSON(w, http.StatusInternalServerError, err)
			return
		}
		updated = append(updated, key)
	}

	s.Log.Append(events.EventSettingsUpdated, map[string]any{"keys": updated})
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "updated": updated})
}

func (s *Server) handleGetDisplay(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Store.GetSetting("display")
	if err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutDisplay(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if !s.readJSON(w, r, &req) {
		return
	}
	cfg, err := s.Store.GetSetting("display")
	if err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	for field, value := range req {
		cfg[field] = value
	}
	if err := s.Store.SetSetting("display", cfg); err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func integrationStatus(err error) int {
	if errors.Is(err, integrations.ErrNotConfigured) {
		return http.StatusPreconditionFailed
	}
	return http.StatusBadGateway
}

func (s *Server) handleWeatherCurrent(w http.ResponseWriter, r *http.Request) {
	current, err := s.Weather.Current(r.Context())
	if err != nil {
		s.errorJSON(w, integrationStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, current)
}

func (s *Server) handleSpotifyNowPlaying(w http.ResponseWriter, r *http.Request) {
	playing, err := s.Spotify.NowPlaying(r.Context())
	if err != nil {
		s.errorJSON(w, integrationStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, playing)
}

type spotifyActionRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleSpotifyAction(w http.ResponseWriter, r *http.Request) {
	var req spotifyActionRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	result, err := s.Spotify.Action(r.Context(), req.Action)
	if err != nil {
		s.errorJSON(w, integrationStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
