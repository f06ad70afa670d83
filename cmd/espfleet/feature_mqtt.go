//go:build !no_mqtt

package main

import (
	"log/slog"

	"espfleet/internal/events"
	"espfleet/internal/mqttmirror"
)

type mqttStopper struct {
	mirror *mqttmirror.Mirror
}

func (m *mqttStopper) Stop() {
	if m.mirror != nil {
		m.mirror.Stop()
	}
}

func initMQTT(bus *events.Bus, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	mirror, err := mqttmirror.NewMirror(bus, mqttmirror.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}, logger)
	if err != nil {
		logger.Error("mqtt mirror", "err", err)
		return &mqttStopper{}
	}
	mirror.Start()
	return &mqttStopper{mirror: mirror}
}
