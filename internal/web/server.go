// Package web is the JSON API surface of the fleet engine: device
// registry, discovery, build/flash/monitor orchestration, the signed
// OTA pipeline, diagnostics, and the live event stream.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"

	"espfleet/internal/auth"
	"espfleet/internal/deviceapi"
	"espfleet/internal/diagnostics"
	"espfleet/internal/discovery"
	"espfleet/internal/events"
	"espfleet/internal/flasher"
	"espfleet/internal/integrations"
	"espfleet/internal/ota"
	"espfleet/internal/secrets"
	"espfleet/internal/serialmon"
	"espfleet/internal/store"
)

// Deps collects everything the server routes to.
type Deps struct {
	Store    store.Store
	Box      *secrets.Box
	Log      *events.Log
	Bus      *events.Bus
	Auth     *auth.Manager
	Client   *deviceapi.Client
	Dispatch *deviceapi.Dispatcher
	Scanner  *discovery.Scanner
	Flash    *flasher.Manager
	Builder  *flasher.Builder
	Serial   *serialmon.Manager
	OTA      *ota.Service
	Diag     *diagnostics.Runner
	Weather  *integrations.Weather
	Spotify  *integrations.Spotify
	DataDir  string
	Version  string

	// AllowedOrigins holds WebSocket origin patterns. Empty means the
	// library's same-origin default.
	AllowedOrigins []string
}

// Server is the HTTP server.
type Server struct {
	Deps
	logger *slog.Logger
	mux    *http.ServeMux

	wsHub       *WSHub
	wg          sync.WaitGroup
	unsubEvents func()
}

// NewServer wires the routes and subscribes the WebSocket hub to the
// fleet event bus.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		Deps:   deps,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()
	if deps.Bus != nil {
		s.unsubEvents = deps.Bus.OnAll(func(event events.Event) {
			s.wsHub.Broadcast(event)
		})
	}

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for its goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	// System and auth.
	s.mux.HandleFunc("GET /api/system/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/system/version", s.handleVersion)
	s.mux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	s.mux.HandleFunc("POST /api/auth/setup", s.handleAuthSetup)
	s.mux.HandleFunc("POST /api/auth/login", s.handleAuthLogin)
	s.mux.HandleFunc("POST /api/auth/validate", s.handleAuthValidate)
	s.mux.HandleFunc("POST /api/auth/logout", s.handleAuthLogout)

	// Device registry.
	s.mux.HandleFunc("GET /api/devices", s.handleListDevices)
	s.mux.HandleFunc("POST /api/devices", s.handleCreateDevice)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleGetDevice)
	s.mux.HandleFunc("PUT /api/devices/{id}", s.handleUpdateDevice)
	s.mux.HandleFunc("DELETE /api/devices/{id}", s.handleDeleteDevice)
	s.mux.HandleFunc("POST /api/devices/{id}/channels", s.handleUpsertChannel)
	s.mux.HandleFunc("DELETE /api/devices/{id}/channels/{key}", s.handleDeleteChannel)
	s.mux.HandleFunc("GET /api/devices/{id}/status", s.handleDeviceStatus)
	s.mux.HandleFunc("POST /api/devices/{id}/command", s.handleDeviceCommand)
	s.mux.HandleFunc("POST /api/devices/{id}/rescan", s.handleDeviceRescan)
	s.mux.HandleFunc("POST /api/devices/{id}/ota/push", s.handleDeviceOTAPush)

	// Dashboard tiles.
	s.mux.HandleFunc("GET /api/main/tiles", s.handleListTiles)
	s.mux.HandleFunc("POST /api/main/tiles", s.handleCreateTile)
	s.mux.HandleFunc("DELETE /api/main/tiles/{id}", s.handleDeleteTile)
	s.mux.HandleFunc("GET /api/main/tile-data", s.handleTileData)

	// Discovery.
	s.mux.HandleFunc("POST /api/discovery/scan", s.handleDiscoveryScan)
	s.mux.HandleFunc("POST /api/integrations/tuya/local-scan", s.handleTuyaLocalScan)
	s.mux.HandleFunc("POST /api/integrations/moes/discover-local", s.handleMoesDiscoverLocal)
	s.mux.HandleFunc("POST /api/integrations/moes/discover-lights", s.handleMoesDiscoverLights)

	// Firmware build, files, flash.
	s.mux.HandleFunc("POST /api/firmware/build", s.handleFirmwareBuild)
	s.mux.HandleFunc("GET /api/files/firmware", s.handleListFirmware)
	s.mux.HandleFunc("POST /api/files/firmware", s.handleUploadFirmware)
	s.mux.HandleFunc("GET /api/files/ota", s.handleListManifests)
	s.mux.HandleFunc("GET /api/flash/ports", s.handleListPorts)
	s.mux.HandleFunc("POST /api/flash/jobs", s.handleCreateFlashJob)
	s.mux.HandleFunc("GET /api/flash/jobs/{id}", s.handleGetFlashJob)

	// Serial monitor and probe.
	s.mux.HandleFunc("POST /api/serial/monitor/start", s.handleMonitorStart)
	s.mux.HandleFunc("GET /api/serial/monitor/{id}", s.handleMonitorGet)
	s.mux.HandleFunc("POST /api/serial/monitor/{id}/stop", s.handleMonitorStop)
	s.mux.HandleFunc("GET /api/serial/monitor/{id}/ws", s.handleMonitorWS)
	s.mux.HandleFunc("POST /api/serial/probe", s.handleSerialProbe)

	// OTA pipeline.
	s.mux.HandleFunc("POST /api/ota/sign", s.handleOTASign)
	s.mux.HandleFunc("GET /api/firmware/profiles", s.handleListProfiles)
	s.mux.HandleFunc("POST /api/firmware/profiles", s.handleCreateProfile)
	s.mux.HandleFunc("GET /api/firmware/profiles/{id}", s.handleGetProfile)
	s.mux.HandleFunc("POST /api/firmware/profiles/{id}/push/{device_id}", s.handleProfilePush)

	// Diagnostics.
	s.mux.HandleFunc("POST /api/diagnostics/extract-ip", s.handleDiagExtractIP)
	s.mux.HandleFunc("POST /api/diagnostics/parse-serial", s.handleDiagParseSerial)
	s.mux.HandleFunc("POST /api/diagnostics/ping", s.handleDiagPing)
	s.mux.HandleFunc("POST /api/diagnostics/status", s.handleDiagStatus)
	s.mux.HandleFunc("POST /api/diagnostics/pair", s.handleDiagPair)
	s.mux.HandleFunc("POST /api/diagnostics/auto-discover", s.handleDiagAutoDiscover)
	s.mux.HandleFunc("POST /api/diagnostics/run-all", s.handleDiagRunAll)

	// Config and passthrough integrations.
	s.mux.HandleFunc("GET /api/config/integrations", s.handleGetIntegrations)
	s.mux.HandleFunc("PUT /api/config/integrations", s.handlePutIntegrations)
	s.mux.HandleFunc("GET /api/config/display", s.handleGetDisplay)
	s.mux.HandleFunc("PUT /api/config/display", s.handlePutDisplay)
	s.mux.HandleFunc("GET /api/integrations/weather/current", s.handleWeatherCurrent)
	s.mux.HandleFunc("GET /api/integrations/spotify/now-playing", s.handleSpotifyNowPlaying)
	s.mux.HandleFunc("POST /api/integrations/spotify/action", s.handleSpotifyAction)

	// Read-only artifact downloads for OTA pulls.
	for _, sub := range []struct{ prefix, dir string }{
		{"/downloads/firmware/", "firmware"},
		{"/downloads/ota/", "ota"},
		{"/downloads/profiles/", "firmware_profiles"},
	} {
		dir := filepath.Join(s.DataDir, sub.dir)
		s.mux.Handle("GET "+sub.prefix, http.StripPrefix(sub.prefix, http.FileServer(http.Dir(dir))))
	}

	// Live fleet event stream.
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// openPaths are the auth routes that must work without a token.
func openPath(path string) bool {
	switch path {
	case "/api/auth/setup", "/api/auth/login", "/api/auth/validate":
		return true
	}
	return false
}

// ServeHTTP applies token auth to mutating routes while an admin is
// configured, then dispatches.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		if !openPath(r.URL.Path) {
			configured, err := s.Auth.Configured()
			if err != nil {
				s.logger.Error("check admin configured", "err", err)
				s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
				return
			}
			if configured && !s.Auth.Validate(r.Header.Get("X-Auth-Token")) {
				s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

// readJSON decodes a bounded request body, answering 400 itself on
// failure.
func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func (s *Server) errorJSON(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
