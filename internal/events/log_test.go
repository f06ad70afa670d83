package events

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLogAppendShapeAndBusFanout(t *testing.T) {
	logger := testLogger()
	bus := NewBus(logger)
	path := filepath.Join(t.TempDir(), "logs", "events.jsonl")
	log, err := NewLog(path, bus, logger)
	if err != nil {
		t.Fatal(err)
	}

	var seen []Event
	unsub := bus.OnAll(func(e Event) { seen = append(seen, e) })
	defer unsub()

	log.Append(EventFlashJobCreated, map[string]any{"job_id": "j1", "port": "/dev/ttyUSB0"})
	log.Append(EventFlashJobFinished, map[string]any{"job_id": "j1", "status": "success"})

	if len(seen) != 2 {
		t.Fatalf("bus events = %d, want 2", len(seen))
	}
	if seen[0].Type != EventFlashJobCreated {
		t.Errorf("event[0].type = %q", seen[0].Type)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
		var rec struct {
			Time    string         `json:"time"`
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines, err)
		}
		if rec.Time == "" || rec.Type == "" {
			t.Errorf("line %d missing time/type: %+v", lines, rec)
		}
	}
	if lines != 2 {
		t.Fatalf("log lines = %d, want 2", lines)
	}
}

func TestBusOnTypeAndUnsubscribe(t *testing.T) {
	bus := NewBus(testLogger())

	var scans, all int
	unsubScan := bus.On(EventNetworkScan, func(Event) { scans++ })
	unsubAll := bus.OnAll(func(Event) { all++ })

	bus.Emit(Event{Type: EventNetworkScan})
	bus.Emit(Event{Type: EventTileCreated})
	if scans != 1 {
		t.Errorf("scan handler calls = %d, want 1", scans)
	}
	if all != 2 {
		t.Errorf("all handler calls = %d, want 2", all)
	}

	unsubScan()
	unsubAll()
	bus.Emit(Event{Type: EventNetworkScan})
	if scans != 1 || all != 2 {
		t.Errorf("handlers called after unsubscribe: scans=%d all=%d", scans, all)
	}
}

func TestBusRecoversPanickingHandler(t *testing.T) {
	bus := NewBus(testLogger())

	var after int
	bus.OnAll(func(Event) { panic("boom") })
	bus.OnAll(func(Event) { after++ })

	bus.Emit(Event{Type: EventAdminSetup})
	if after != 1 {
		t.Errorf("handler after panic calls = %d, want 1", after)
	}
}
