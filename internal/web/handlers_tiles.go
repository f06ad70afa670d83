package web

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"espfleet/internal/events"
	"espfleet/internal/integrations"
	"espfleet/internal/store"
)

func (s *Server) handleListTiles(w http.ResponseWriter, r *http.Request) {
	tiles, err := s.Store.ListTiles()
	if err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tiles)
}

type tilePayload struct {
	TileType string         `json:"tile_type"`
	RefID    string         `json:"ref_id"`
	Label    string         `json:"label"`
	Payload  map[string]any `json:"payload"`
}

func (s *Server) handleCreateTile(w http.ResponseWriter, r *http.Request) {
	var req tilePayload
	if !s.readJSON(w, r, &req) {
		return
	}
	switch req.TileType {
	case "device", "spotify", "weather", "automation":
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown tile_type"})
		return
	}
	if req.TileType == "device" && strings.TrimSpace(req.RefID) == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device tile requires ref_id"})
		return
	}

	now := time.Now().UTC()
	tile := &store.MainTile{
		ID:        uuid.NewString(),
		TileType:  req.TileType,
		RefID:     req.RefID,
		Label:     req.Label,
		Payload:   req.Payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Store.SaveTile(tile); err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	s.Log.Append(events.EventTileCreated, map[string]any{"tile_id": tile.ID, "tile_type": tile.TileType})
	s.writeJSON(w, http.StatusCreated, tile)
}

func (s *Server) handleDeleteTile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.Store.DeleteTile(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "tile not found"})
			return
		}
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}
	s.Log.Append(events.EventTileRemoved, map[string]any{"tile_id": id})
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tileData struct {
	Tile  *store.MainTile `json:"tile"`
	Data  map[string]any  `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// handleTileData renders every tile best-effort. A failing or dangling
// tile carries its own error; the rest of the dashboard still loads.
func (s *Server) handleTileData(w http.ResponseWriter, r *http.Request) {
	tiles, err := s.Store.ListTiles()
	if err != nil {
		s.errorJSON(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]tileData, 0, len(tiles))
	for _, tile := range tiles {
		entry := tileData{Tile: tile}
		switch tile.TileType {
		case "device":
			dev, err := s.Store.GetDevice(tile.RefID)
			if err != nil {
				entry.Error = "device not found"
				break
			}
			status, err := s.Dispatch.Status(r.Context(), dev)
			if err != nil {
				entry.Error = err.Error()
				entry.Data = map[string]any{"device": dev}
				break
			}
			entry.Data = map[string]any{"device": dev, "status": status}
		case "weather":
			current, err := s.Weather.Current(r.Context())
			if err != nil {
				entry.Error = tileIntegrationError(err)
				break
			}
			entry.Data = current
		case "spotify":
			playing, err := s.Spotify.NowPlaying(r.Context())
			if err != nil {
				entry.Error = tileIntegrationError(err)
				break
			}
			entry.Data = playing
		default:
			entry.Data = tile.Payload
		}
		out = append(out, entry)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func tileIntegrationError(err error) string {
	if errors.Is(err, integrations.ErrNotConfigured) {
		return "not configured"
	}
	return err.Error()
}
