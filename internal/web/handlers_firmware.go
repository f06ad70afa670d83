package web

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"espfleet/internal/events"
	"espfleet/internal/flasher"
	"espfleet/internal/ota"
	"espfleet/internal/portlock"
)

func (s *Server) handleFirmwareBuild(w http.ResponseWriter, r *http.Request) {
	var req flasher.BuildRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ProfileName) == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "profile_name is required"})
		return
	}
	result, err := s.Builder.Build(r.Context(), req)
	if err != nil {
		// The build log travels with the error response so the operator
		// sees the compiler output, not just "failed".
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":     err.Error(),
			"build_log": result.BuildLog,
			"log_file":  result.LogFile,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type firmwareFile struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
}

func (s *Server) handleListFirmware(w http.ResponseWriter, r *http.Request) {
	dir := filepath.Join(s.DataDir, "firmware")
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}

	files := []firmwareFile{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".bin") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, firmwareFile{
			Filename: entry.Name(),
			Size:     info.Size(),
			Modified: info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Modified > files[j].Modified })
	s.writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

const maxFirmwareUpload = 32 << 20

func (s *Server) handleUploadFirmware(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFirmwareUpload)
	if err := r.ParseMultipartForm(maxFirmwareUpload); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart upload"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing file field"})
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name != header.Filename || !strings.HasSuffix(name, ".bin") || name == ".bin" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "filename must be a plain .bin name"})
		return
	}

	dir := filepath.Join(s.DataDir, "firmware")
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	dst, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	size, err := io.Copy(dst, file)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}

	s.Log.Append(events.EventFirmwareUploaded, map[string]any{"filename": name, "size": size})
	s.writeJSON(w, http.StatusCreated, map[string]any{"filename": name, "size": size})
}

func (s *Server) handleListManifests(w http.ResponseWriter, r *http.Request) {
	manifests, err := s.OTA.ListManifests()
	if err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	if manifests == nil {
		manifests = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"manifests": manifests})
}

func (s *Server) handleListPorts(w http.ResponseWriter, r *http.Request) {
	ports, err := flasher.ListPorts()
	if err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	if ports == nil {
		ports = []flasher.PortInfo{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ports": ports})
}

type flashJobRequest struct {
	Port             string `json:"port"`
	Baud             int    `json:"baud"`
	FirmwareFilename string `json:"firmware_filename"`
	DeviceID         string `json:"device_id"`
	Force            bool   `json:"force"`
}

func (s *Server) handleCreateFlashJob(w http.ResponseWriter, r *http.Request) {
	var req flashJobRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.Force {
		// The operator accepts losing live monitors on the port.
		if stopped := s.Serial.StopAllForPort(req.Port); len(stopped) > 0 {
			s.logger.Info("stopped monitors for flash", "port", req.Port, "sessions", len(stopped))
		}
	}
	job, err := s.Flash.StartJob(req.DeviceID, req.Port, req.Baud, req.FirmwareFilename)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, portlock.ErrPortBusy) {
			status = http.StatusConflict
		}
		s.errorJSON(w, status, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetFlashJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Flash.GetJob(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

type signRequest struct {
	FirmwareFilename string `json:"firmware_filename"`
	Version          string `json:"version"`
	DeviceType       string `json:"device_type"`
}

func (s *Server) handleOTASign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	result, err := s.OTA.Sign(req.FirmwareFilename, req.Version, req.DeviceType)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ota.ErrEmptySharedKey) {
			status = http.StatusPreconditionFailed
		}
		s.errorJSON(w, status, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.OTA.ListProfiles()
	if err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	if profiles == nil {
		profiles = []ota.ProfileSummary{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var req ota.CreateProfileRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	profile, err := s.OTA.CreateProfile(req)
	if err != nil {
		s.errorJSON(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.OTA.GetProfile(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "profile not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleProfilePush(w http.ResponseWriter, r *http.Request) {
	result, err := s.OTA.Push(r.Context(), r.PathValue("id"), r.PathValue("device_id"), "http://"+r.Host)
	if err != nil {
		s.errorJSON(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
