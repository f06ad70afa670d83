package web

import (
	"errors"
	"net/http"

	"espfleet/internal/portlock"
)

type monitorStartRequest struct {
	Port string `json:"port"`
	Baud int    `json:"baud"`
}

func (s *Server) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	var req monitorStartRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	snap, err := s.Serial.Start(req.Port, req.Baud)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, portlock.ErrPortBusy) {
			status = http.StatusConflict
		}
		s.errorJSON(w, status, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleMonitorGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Serial.Get(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Serial.Stop(r.PathValue("id"))
	if err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSerialProbe(w http.ResponseWriter, r *http.Request) {
	var req monitorStartRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	result, err := s.Serial.Probe(req.Port, req.Baud)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, portlock.ErrPortBusy) {
			status = http.StatusConflict
		}
		s.errorJSON(w, status, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
