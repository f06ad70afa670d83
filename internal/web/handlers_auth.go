package web

import (
	"errors"
	"net/http"
	"time"

	"espfleet/internal/auth"
	"espfleet/internal/events"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	devices, err := s.Store.ListDevices()
	if err != nil {
		s.logger.Error("health: list devices", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"devices": len(devices),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.Version})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	configured, err := s.Auth.Configured()
	if err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"configured":    configured,
		"auth_required": configured,
	})
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleAuthSetup(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if err := s.Auth.Setup(req.Password); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, auth.ErrAlreadySetUp) {
			status = http.StatusConflict
		}
		s.errorJSON(w, status, err)
		return
	}
	s.Log.Append(events.EventAdminSetup, map[string]any{})
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	token, err := s.Auth.Login(req.Password)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrNotConfigured) {
			status = http.StatusConflict
		}
		s.errorJSON(w, status, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type tokenRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleAuthValidate(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	token := req.Token
	if token == "" {
		token = r.Header.Get("X-Auth-Token")
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"valid": s.Auth.Validate(token)})
}

func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.Auth.Logout(r.Header.Get("X-Auth-Token")); err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
