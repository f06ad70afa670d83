package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Log is the append-only JSONL event log. Every mutating action in the
// fleet engine is recorded as one JSON object per line; records are never
// rewritten or rotated by the service. Appends are also emitted on the
// attached bus so live consumers (WebSocket, MQTT mirror, hooks) observe
// the same stream.
type Log struct {
	path   string
	bus    *Bus
	logger *slog.Logger
	mu     sync.Mutex
}

type logRecord struct {
	Time    string `json:"time"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// NewLog creates the event log, ensuring the parent directory exists.
func NewLog(path string, bus *Bus, logger *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	return &Log{path: path, bus: bus, logger: logger}, nil
}

// Append records one event. Write failures are logged, never fatal:
// losing an audit line must not fail the mutation that produced it.
func (l *Log) Append(eventType string, payload map[string]any) {
	rec := logRecord{
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Type:    eventType,
		Payload: payload,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		l.logger.Error("marshal event record", "type", eventType, "err", err)
		return
	}

	l.mu.Lock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err == nil {
		_, err = f.Write(append(data, '\n'))
		f.Close()
	}
	l.mu.Unlock()
	if err != nil {
		l.logger.Error("append event record", "type", eventType, "err", err)
	}

	if l.bus != nil {
		l.bus.Emit(Event{Type: eventType, Data: payload})
	}
}
