package deviceapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNormalizeHost(t *testing.T) {
	cases := map[string]string{
		"192.168.1.50":          "http://192.168.1.50",
		"192.168.1.50/":         "http://192.168.1.50",
		"http://relay1.local":   "http://relay1.local",
		"http://relay1.local/":  "http://relay1.local",
		"https://relay1.local/": "https://relay1.local",
		" relay1.local:8080 ":   "http://relay1.local:8080",
	}
	for in, want := range cases {
		if got := NormalizeHost(in); got != want {
			t.Errorf("NormalizeHost(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStatusAndPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/status":
			json.NewEncoder(w).Encode(map[string]any{"device_type": "relay_switch", "uptime": 42})
		case "/api/pair":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["passcode"] != "1234" {
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]any{"error": "bad passcode"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"paired": true})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	c := NewClient(testLogger())

	status, err := c.Status(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if status["device_type"] != "relay_switch" {
		t.Errorf("status = %v", status)
	}

	ok, err := c.Pair(context.Background(), srv.URL, "1234")
	if err != nil {
		t.Fatal(err)
	}
	if !ok.OK || ok.Response["paired"] != true {
		t.Errorf("pair ok = %+v", ok)
	}

	bad, err := c.Pair(context.Background(), srv.URL, "wrong")
	if err != nil {
		t.Fatal(err)
	}
	if bad.OK || bad.StatusCode != http.StatusForbidden {
		t.Errorf("pair with wrong passcode = %+v", bad)
	}
}

func TestControlInjectsPasscode(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/control" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(""))
	}))
	defer srv.Close()
	c := NewClient(testLogger())

	res, err := c.Control(context.Background(), srv.URL, "s3cret", map[string]any{"channel": "relay1", "state": "on"})
	if err != nil {
		t.Fatal(err)
	}
	if got["passcode"] != "s3cret" || got["channel"] != "relay1" {
		t.Errorf("device saw %v", got)
	}
	// Empty body from a tiny firmware stack still counts as ok.
	if res["ok"] != true {
		t.Errorf("result = %v", res)
	}
}

func TestPushOTAPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ota/apply" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{"accepted": true})
	}))
	defer srv.Close()
	c := NewClient(testLogger())

	res, err := c.PushOTA(context.Background(), srv.URL, "1234",
		"http://fleet/downloads/profiles/p/fw.bin", "http://fleet/downloads/profiles/p/fw.manifest.json")
	if err != nil {
		t.Fatal(err)
	}
	if res["accepted"] != true {
		t.Errorf("result = %v", res)
	}
	if got["firmware_url"] != "http://fleet/downloads/profiles/p/fw.bin" || got["passcode"] != "1234" {
		t.Errorf("device saw %v", got)
	}
}

func TestControlErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	c := NewClient(testLogger())

	if _, err := c.Control(context.Background(), srv.URL, "", map[string]any{"state": "on"}); err == nil {
		t.Fatal("expected error on 403, got nil")
	}
}
