//go:build no_mqtt

package mqttmirror

import (
	"log/slog"

	"espfleet/internal/events"
)

// Config holds MQTT mirror configuration (stub).
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Mirror is a no-op stub when MQTT is disabled.
type Mirror struct{}

// NewMirror returns a no-op mirror when MQTT is disabled.
func NewMirror(_ *events.Bus, _ Config, _ *slog.Logger) (*Mirror, error) {
	return &Mirror{}, nil
}

// Start is a no-op.
func (m *Mirror) Start() {}

// Stop is a no-op.
func (m *Mirror) Stop() {}
