package web

import (
	"net/http"
	"strings"

	"espfleet/internal/discovery"
	"espfleet/internal/tuyalocal"
)

type scanRequest struct {
	SubnetHint     string `json:"subnet_hint"`
	AutomationOnly bool   `json:"automation_only"`
}

func (s *Server) handleDiscoveryScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	result, err := s.Scanner.ScanLAN(r.Context(), req.SubnetHint, req.AutomationOnly)
	if err != nil {
		s.errorJSON(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTuyaLocalScan(w http.ResponseWriter, r *http.Request) {
	devices, err := s.Scanner.TuyaScan(r.Context())
	if err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	if devices == nil {
		devices = []tuyalocal.Device{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleMoesDiscoverLocal(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	result, err := s.Scanner.DiscoverHub(r.Context(), req.SubnetHint)
	if err != nil {
		s.errorJSON(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type discoverLightsRequest struct {
	HubIP       string `json:"hub_ip"`
	HubDeviceID string `json:"hub_device_id"`
	HubLocalKey string `json:"hub_local_key"`
	HubVersion  string `json:"hub_version"`
}

// handleMoesDiscoverLights enumerates the hub's children. Request
// fields override the stored hub config so a hub can be inspected
// before it is saved.
func (s *Server) handleMoesDiscoverLights(w http.ResponseWriter, r *http.Request) {
	var req discoverLightsRequest
	if !s.readJSON(w, r, &req) {
		return
	}

	cfg, err := s.Scanner.HubConfigFromSettings()
	if err != nil && strings.TrimSpace(req.HubIP) == "" {
		s.errorJSON(w, http.StatusBadRequest, err)
		return
	}
	if req.HubIP != "" {
		cfg.IP = req.HubIP
	}
	if req.HubDeviceID != "" {
		cfg.ID = req.HubDeviceID
	}
	if req.HubLocalKey != "" {
		cfg.LocalKey = req.HubLocalKey
	}
	if req.HubVersion != "" {
		cfg.Version = req.HubVersion
	}
	if cfg.ID == "" && cfg.IP != "" {
		cfg.ID = "bhubw-" + cfg.IP
	}

	children, err := s.Scanner.DiscoverChildLights(r.Context(), cfg)
	if err != nil {
		s.errorJSON(w, http.StatusBadGateway, err)
		return
	}
	if children == nil {
		children = []discovery.ChildLight{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"children": children})
}
