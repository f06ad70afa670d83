package web

import (
	"net/http"
	"strings"

	"espfleet/internal/diagnostics"
)

type textRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleDiagExtractIP(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ips":   diagnostics.ExtractIPs(req.Text),
		"hosts": diagnostics.ExtractHosts(req.Text),
	})
}

func (s *Server) handleDiagParseSerial(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, diagnostics.ParseNetworkSummary(req.Text))
}

type hostRequest struct {
	Host     string `json:"host"`
	Passcode string `json:"passcode"`
}

func (s *Server) handleDiagPing(w http.ResponseWriter, r *http.Request) {
	var req hostRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.Diag.Ping(r.Context(), req.Host))
}

func (s *Server) handleDiagStatus(w http.ResponseWriter, r *http.Request) {
	var req hostRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.Diag.CheckStatus(r.Context(), req.Host))
}

func (s *Server) handleDiagPair(w http.ResponseWriter, r *http.Request) {
	var req hostRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.Diag.CheckPair(r.Context(), req.Host, req.Passcode))
}

type autoDiscoverRequest struct {
	Text       string `json:"text"`
	SessionID  string `json:"session_id"`
	DeviceName string `json:"device_name"`
	Passcode   string `json:"passcode"`
}

// handleDiagAutoDiscover probes address candidates from serial text.
// The text comes inline or from a running monitor session's buffer.
func (s *Server) handleDiagAutoDiscover(w http.ResponseWriter, r *http.Request) {
	var req autoDiscoverRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	text := req.Text
	if text == "" && req.SessionID != "" {
		snap, err := s.Serial.Get(req.SessionID)
		if err != nil {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		text = snap.Output
	}
	if strings.TrimSpace(text) == "" && strings.TrimSpace(req.DeviceName) == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text, session_id, or device_name required"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.Diag.AutoDiscover(r.Context(), text, req.DeviceName, req.Passcode))
}

func (s *Server) handleDiagRunAll(w http.ResponseWriter, r *http.Request) {
	var req hostRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Host) == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "host is required"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.Diag.RunAll(r.Context(), req.Host, req.Passcode))
}
