//go:build !no_mqtt

// Package mqttmirror publishes every fleet event to an MQTT broker so
// external automations (Home Assistant, Node-RED) can react without
// polling the HTTP API.
package mqttmirror

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"espfleet/internal/events"
)

// Config holds MQTT mirror configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// message is one outbound MQTT publication.
type message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Mirror forwards fleet bus events to `<prefix>/events/<type>` and
// keeps a retained `<prefix>/bridge/state` online/offline marker with
// an LWT fallback.
type Mirror struct {
	client pahomqtt.Client
	bus    *events.Bus
	prefix string
	logger *slog.Logger
	unsub  func()
}

// NewMirror connects to the broker. The returned mirror does not
// forward events until Start is called.
func NewMirror(bus *events.Bus, cfg Config, logger *slog.Logger) (*Mirror, error) {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "espfleet"
	}
	m := &Mirror{
		bus:    bus,
		prefix: prefix,
		logger: logger.With("component", "mqtt"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("espfleet").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(prefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			m.logger.Info("MQTT connected")
			m.publishBridgeState("online")
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			m.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	m.client = client
	return m, nil
}

// Start subscribes to the fleet event bus.
func (m *Mirror) Start() {
	m.unsub = m.bus.OnAll(m.handleEvent)
	m.logger.Info("MQTT mirror started", "prefix", m.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (m *Mirror) Stop() {
	if m.unsub != nil {
		m.unsub()
	}
	m.publishBridgeState("offline")
	m.client.Disconnect(1000)
	m.logger.Info("MQTT mirror stopped")
}

func (m *Mirror) handleEvent(event events.Event) {
	msg, err := buildEventMessage(m.prefix, event)
	if err != nil {
		m.logger.Error("encode event", "type", event.Type, "err", err)
		return
	}
	m.publish(msg)
}

func (m *Mirror) publishBridgeState(state string) {
	m.publish(message{
		Topic:    m.prefix + "/bridge/state",
		Payload:  []byte(state),
		Retained: true,
	})
}

func (m *Mirror) publish(msg message) {
	token := m.client.Publish(msg.Topic, 1, msg.Retained, msg.Payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			m.logger.Warn("MQTT publish timeout", "topic", msg.Topic)
		} else if err := token.Error(); err != nil {
			m.logger.Warn("MQTT publish error", "topic", msg.Topic, "err", err)
		}
	}()
}

// buildEventMessage maps one fleet event to its topic and JSON payload.
// Events are not retained; only the bridge state is.
func buildEventMessage(prefix string, event events.Event) (message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return message{}, err
	}
	return message{
		Topic:   prefix + "/events/" + sanitizeTopic(event.Type),
		Payload: payload,
	}, nil
}

// sanitizeTopic makes an event type safe as a single MQTT topic level.
func sanitizeTopic(s string) string {
	if s == "" {
		return "unknown"
	}
	replacer := strings.NewReplacer("/", "_", "+", "_", "#", "_", " ", "_")
	return replacer.Replace(s)
}
