package events

import (
	"log/slog"
	"sync"
)

// Event types emitted by the fleet engine.
const (
	EventDeviceCreated    = "device_created"
	EventDeviceUpdated    = "device_updated"
	EventDeviceRemoved    = "device_removed"
	EventDeviceRescanned  = "device_rescanned"
	EventDeviceCommand    = "device_command"
	EventChannelUpserted  = "device_channel_upserted"
	EventTileCreated      = "tile_created"
	EventTileRemoved      = "tile_removed"
	EventNetworkScan      = "network_scan"
	EventHubDiscovery     = "hub_local_discovery"
	EventLightDiscovery   = "hub_light_discovery"
	EventFirmwareUploaded = "firmware_uploaded"
	EventFirmwareBuilt    = "firmware_built"
	EventFlashJobCreated  = "flash_job_created"
	EventFlashJobFinished = "flash_job_finished"
	EventMonitorStarted   = "serial_monitor_started"
	EventMonitorFinished  = "serial_monitor_finished"
	EventSerialProbe      = "serial_probe"
	EventOTASigned        = "ota_signed"
	EventOTAPushed        = "device_ota_push"
	EventProfileCreated   = "firmware_profile_created"
	EventAdminSetup       = "admin_setup"
	EventSettingsUpdated  = "integrations_updated"
)

// Event represents a fleet event.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Handler is a callback for events.
type Handler func(Event)

// Bus provides pub/sub for fleet events.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]Handler
	allHandlers map[uint64]Handler
	nextID      uint64
	logger      *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers:    make(map[string]map[uint64]Handler),
		allHandlers: make(map[uint64]Handler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) On(eventType string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]Handler)
	}
	b.handlers[eventType][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (b *Bus) OnAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.allHandlers))
	for _, h := range b.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.allHandlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
