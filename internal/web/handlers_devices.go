package web

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"espfleet/internal/events"
	"espfleet/internal/secrets"
	"espfleet/internal/store"
)

type devicePayload struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Host       string         `json:"host"`
	MAC        string         `json:"mac"`
	Passcode   *string        `json:"passcode"`
	IPMode     string         `json:"ip_mode"`
	StaticIP   string         `json:"static_ip"`
	Gateway    string         `json:"gateway"`
	SubnetMask string         `json:"subnet_mask"`
	Metadata   map[string]any `json:"metadata"`
}

func (p *devicePayload) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("name is required")
	}
	if !store.ValidDeviceType(store.DeviceType(p.Type)) {
		return fmt.Errorf("unknown device type %q", p.Type)
	}
	switch p.IPMode {
	case "", "dhcp":
	case "static":
		if strings.TrimSpace(p.StaticIP) == "" {
			return errors.New("static ip_mode requires static_ip")
		}
	default:
		return fmt.Errorf("unknown ip_mode %q", p.IPMode)
	}
	return nil
}

// applyPasscode hashes and seals a new passcode onto the device. A nil
// pointer leaves the stored passcode alone; an empty string clears it.
func (s *Server) applyPasscode(dev *store.Device, passcode *string) error {
	if passcode == nil {
		return nil
	}
	if *passcode == "" {
		dev.PasscodeHash = ""
		dev.PasscodeSealed = ""
		dev.HasPasscode = false
		return nil
	}
	hash, err := secrets.HashPasscode(*passcode)
	if err != nil {
		return fmt.Errorf("hash passcode: %w", err)
	}
	sealed, err := s.Box.Seal(*passcode)
	if err != nil {
		return fmt.Errorf("seal passcode: %w", err)
	}
	dev.PasscodeHash = hash
	dev.PasscodeSealed = sealed
	dev.HasPasscode = true
	return nil
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.Store.ListDevices()
	if err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req devicePayload
	if !s.readJSON(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		s.errorJSON(w, http.StatusBadRequest, err)
		return
	}

	now := time.Now().UTC()
	dev := &store.Device{
		ID:         uuid.NewString(),
		Name:       strings.TrimSpace(req.Name),
		Type:       store.DeviceType(req.Type),
		Host:       strings.TrimSpace(req.Host),
		MAC:        strings.ToLower(strings.TrimSpace(req.MAC)),
		IPMode:     req.IPMode,
		StaticIP:   req.StaticIP,
		Gateway:    req.Gateway,
		SubnetMask: req.SubnetMask,
		Metadata:   req.Metadata,
		Channels:   []store.Channel{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if dev.IPMode == "" {
		dev.IPMode = "dhcp"
	}
	if err := s.applyPasscode(dev, req.Passcode); err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.Store.SaveDevice(dev); err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	s.Log.Append(events.EventDeviceCreated, map[string]any{"device_id": dev.ID, "name": dev.Name, "type": string(dev.Type)})
	s.writeJSON(w, http.StatusCreated, dev)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.Store.GetDevice(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var req devicePayload
	if !s.readJSON(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		s.errorJSON(w, http.StatusBadRequest, err)
		return
	}

	id := r.PathValue("id")
	var updated *store.Device
	err := s.Store.UpdateDevice(id, func(dev *store.Device) error {
		dev.Name = strings.TrimSpace(req.Name)
		dev.Type = store.DeviceType(req.Type)
		dev.Host = strings.TrimSpace(req.Host)
		dev.MAC = strings.ToLower(strings.TrimSpace(req.MAC))
		dev.IPMode = req.IPMode
		if dev.IPMode == "" {
			dev.IPMode = "dhcp"
		}
		dev.StaticIP = req.StaticIP
		dev.Gateway = req.Gateway
		dev.SubnetMask = req.SubnetMask
		if req.Metadata != nil {
			dev.Metadata = req.Metadata
		}
		dev.UpdatedAt = time.Now().UTC()
		if err := s.applyPasscode(dev, req.Passcode); err != nil {
			return err
		}
		updated = dev
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	s.Log.Append(events.EventDeviceUpdated, map[string]any{"device_id": id})
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.Store.DeleteDevice(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	s.Log.Append(events.EventDeviceRemoved, map[string]any{"device_id": id})
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpsertChannel(w http.ResponseWriter, r *http.Request) {
	var ch store.Channel
	if !s.readJSON(w, r, &ch) {
		return
	}
	if strings.TrimSpace(ch.ChannelKey) == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel_key is required"})
		return
	}

	id := r.PathValue("id")
	err := s.Store.UpdateDevice(id, func(dev *store.Device) error {
		dev.UpsertChannel(ch)
		dev.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	s.Log.Append(events.EventChannelUpserted, map[string]any{"device_id": id, "channel_key": ch.ChannelKey})
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	key := r.PathValue("key")
	missing := false
	err := s.Store.UpdateDevice(id, func(dev *store.Device) error {
		if !dev.RemoveChannel(key) {
			missing = true
			return nil
		}
		dev.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	if missing {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "channel not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	dev, err := s.Store.GetDevice(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	status, err := s.Dispatch.Status(r.Context(), dev)
	if err != nil {
		s.errorJSON(w, http.StatusBadGateway, err)
		return
	}
	s.touchDevice(dev.ID)
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	var command map[string]any
	if !s.readJSON(w, r, &command) {
		return
	}
	dev, err := s.Store.GetDevice(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	result, err := s.Dispatch.Control(r.Context(), dev, command)
	if err != nil {
		s.errorJSON(w, http.StatusBadGateway, err)
		return
	}
	s.touchDevice(dev.ID)
	s.Log.Append(events.EventDeviceCommand, map[string]any{"device_id": dev.ID, "command": command})
	s.writeJSON(w, http.StatusOK, result)
}

// handleDeviceRescan re-reads the device's own status endpoint and
// refreshes last_seen plus the firmware-reported fields.
func (s *Server) handleDeviceRescan(w http.ResponseWriter, r *http.Request) {
	dev, err := s.Store.GetDevice(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	if strings.TrimSpace(dev.Host) == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device has no host"})
		return
	}

	status, err := s.Client.Status(r.Context(), dev.Host)
	if err != nil {
		s.errorJSON(w, http.StatusBadGateway, err)
		return
	}
	updateErr := s.Store.UpdateDevice(dev.ID, func(d *store.Device) error {
		d.LastSeenAt = time.Now().UTC()
		if d.Metadata == nil {
			d.Metadata = map[string]any{}
		}
		if dt, _ := status["device_type"].(string); dt != "" {
			d.Metadata["reported_device_type"] = dt
		}
		if fw, _ := status["firmware_version"].(string); fw != "" {
			d.Metadata["firmware_version"] = fw
		}
		return nil
	})
	if updateErr != nil {
		s.logger.Error("rescan: update device", "device", dev.ID, "err", updateErr)
	}
	s.Log.Append(events.EventDeviceRescanned, map[string]any{"device_id": dev.ID})
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "device_status": status})
}

type otaPushRequest struct {
	ProfileID string `json:"profile_id"`
}

func (s *Server) handleDeviceOTAPush(w http.ResponseWriter, r *http.Request) {
	var req otaPushRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	result, err := s.OTA.Push(r.Context(), req.ProfileID, r.PathValue("id"), "http://"+r.Host)
	if err != nil {
		s.errorJSON(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// touchDevice refreshes last_seen after a successful round trip.
func (s *Server) touchDevice(id string) {
	err := s.Store.UpdateDevice(id, func(dev *store.Device) error {
		dev.LastSeenAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		s.logger.Debug("touch device", "device", id, "err", err)
	}
}
