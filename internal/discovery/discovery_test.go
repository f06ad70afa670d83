package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"espfleet/internal/deviceapi"
	"espfleet/internal/events"
	"espfleet/internal/secrets"
	"espfleet/internal/store"
	"espfleet/internal/tuyalocal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestScanner(t *testing.T) *Scanner {
	t.Helper()
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	box, err := secrets.Open(filepath.Join(t.TempDir(), "secret.key"))
	if err != nil {
		t.Fatal(err)
	}
	logger := testLogger()
	log, err := events.NewLog(filepath.Join(t.TempDir(), "events.jsonl"), events.NewBus(logger), logger)
	if err != nil {
		t.Fatal(err)
	}
	sc := NewScanner(s, box, log, logger)
	sc.tuyaScan = func(context.Context, time.Duration) ([]tuyalocal.Device, error) { return nil, nil }
	return sc
}

// pointAt aims the scanner's probe port at a local test server and
// returns the server's IP.
func pointAt(t *testing.T, sc *Scanner, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	sc.probePort = port
	host, _, _ := net.SplitHostPort(u.Host)
	return host
}

func TestParseSubnetHint(t *testing.T) {
	cases := []struct {
		hint string
		want string
	}{
		{"192.168.1", "192.168.1.0/24"},
		{"192.168.1.50", "192.168.1.0/24"},
		{"10.0.0.0/30", "10.0.0.0/30"},
	}
	for _, tc := range cases {
		network, err := ParseSubnetHint(tc.hint)
		if err != nil {
			t.Fatalf("ParseSubnetHint(%q): %v", tc.hint, err)
		}
		if network.String() != tc.want {
			t.Errorf("ParseSubnetHint(%q) = %s, want %s", tc.hint, network, tc.want)
		}
	}

	for _, bad := range []string{"not-a-subnet", "300.1.1.1", "fe80::1/64"} {
		if _, err := ParseSubnetHint(bad); err == nil {
			t.Errorf("ParseSubnetHint(%q) accepted", bad)
		}
	}
}

func TestHostsInSkipsEdgesAndCaps(t *testing.T) {
	_, network, _ := net.ParseCIDR("192.168.1.0/24")
	hosts := hostsIn(network, sweepLimit)
	if len(hosts) != 254 {
		t.Fatalf("len = %d, want 254", len(hosts))
	}
	if hosts[0] != "192.168.1.1" || hosts[253] != "192.168.1.254" {
		t.Errorf("range = %s .. %s", hosts[0], hosts[253])
	}

	if capped := hostsIn(network, 10); len(capped) != 10 {
		t.Errorf("capped len = %d", len(capped))
	}
}

func TestMarkerHits(t *testing.T) {
	hits := markerHits("ESP-Kitchen-Relay.local")
	if len(hits) != 2 || hits[0] != "esp" || hits[1] != "relay" {
		t.Errorf("hits = %v", hits)
	}
	if got := markerHits("office-printer"); got != nil {
		t.Errorf("printer hits = %v", got)
	}
}

func TestScanLANFindsStatusDevice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"device_type": "relay_switch"})
	}))
	defer srv.Close()

	sc := newTestScanner(t)
	ip := pointAt(t, sc, srv)
	sc.lookupAddr = func(context.Context, string) ([]string, error) {
		return []string{"esp-kitchen.local."}, nil
	}

	result, err := sc.ScanLAN(context.Background(), ip+"/32", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Hosts) != 1 {
		t.Fatalf("hosts = %+v", result.Hosts)
	}
	host := result.Hosts[0]
	if host.DeviceHint != "relay_switch" {
		t.Errorf("hint = %q", host.DeviceHint)
	}
	if host.Hostname != "esp-kitchen.local" {
		t.Errorf("hostname = %q", host.Hostname)
	}
	// 8 for the status probe plus esp/relay/switch markers.
	if host.Score != 11 {
		t.Errorf("score = %d, want 11", host.Score)
	}
	if !host.AutomationCandidate {
		t.Error("not flagged as automation candidate")
	}
}

func TestScanLANAutomationOnlyDropsPlainHosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.Write([]byte("<html>office printer</html>"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	sc := newTestScanner(t)
	ip := pointAt(t, sc, srv)
	sc.lookupAddr = func(context.Context, string) ([]string, error) {
		return []string{"printer.lan."}, nil
	}

	all, err := sc.ScanLAN(context.Background(), ip+"/32", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all.Hosts) != 1 || all.Hosts[0].AutomationCandidate {
		t.Fatalf("all hosts = %+v", all.Hosts)
	}

	filtered, err := sc.ScanLAN(context.Background(), ip+"/32", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered.Hosts) != 0 {
		t.Errorf("filtered hosts = %+v", filtered.Hosts)
	}
}

func TestScanLANBadHintIsError(t *testing.T) {
	sc := newTestScanner(t)
	if _, err := sc.ScanLAN(context.Background(), "not-a-subnet", false); err == nil {
		t.Fatal("bad hint accepted")
	}
}

func TestDiscoverHubScoresAndMerges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	sc := newTestScanner(t)
	ip := pointAt(t, sc, srv)
	sc.lookupAddr = func(context.Context, string) ([]string, error) {
		return []string{"bhub-gw.local."}, nil
	}
	sc.tuyaScan = func(context.Context, time.Duration) ([]tuyalocal.Device, error) {
		return []tuyalocal.Device{
			{ID: "bfhub001", IP: ip, Version: "3.3"},
			{ID: "moes-gw-9", IP: "198.51.100.10", Version: "3.3"},
			{ID: "bf-plug", IP: "198.51.100.9", Version: "3.3"},
		}, nil
	}

	result, err := sc.DiscoverHub(context.Background(), ip+"/32")
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Hubs) != 3 {
		t.Fatalf("hubs = %+v", result.Hubs)
	}

	// bhub-gw: bhub +6, hub +2 = 8. The matching broadcast entry rates
	// 7 on its own, so max(8, 7) keeps the hostname score.
	top := result.Hubs[0]
	if top.IP != ip || top.Score != 8 || top.DeviceID != "bfhub001" {
		t.Errorf("top = %+v", top)
	}
	wantReasons := []string{"contains 'bhub'", "contains 'hub'", "matched tuya local scan"}
	if strings.Join(top.Reasons, "|") != strings.Join(wantReasons, "|") {
		t.Errorf("reasons = %v", top.Reasons)
	}

	// Unmatched entries rate by their own identifiers: a gateway-marked
	// one gets 7, a plain plug only 3.
	second := result.Hubs[1]
	if second.IP != "198.51.100.10" || second.Score != 7 {
		t.Errorf("second = %+v", second)
	}
	if len(second.Reasons) != 1 || second.Reasons[0] != "from tuya local scan" {
		t.Errorf("second reasons = %v", second.Reasons)
	}
	third := result.Hubs[2]
	if third.IP != "198.51.100.9" || third.Score != 3 {
		t.Errorf("third = %+v", third)
	}
}

func TestDiscoverHubSurvivesBroadcastFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	sc := newTestScanner(t)
	ip := pointAt(t, sc, srv)
	sc.lookupAddr = func(context.Context, string) ([]string, error) {
		return []string{"moes-hub.local."}, nil
	}
	sc.tuyaScan = func(context.Context, time.Duration) ([]tuyalocal.Device, error) {
		return nil, errors.New("bind 6667: address in use")
	}

	result, err := sc.DiscoverHub(context.Background(), ip+"/32")
	if err != nil {
		t.Fatal(err)
	}
	if result.TuyaError == "" {
		t.Error("broadcast failure not reported")
	}
	if len(result.Hubs) != 1 || result.Hubs[0].Score != 6 {
		// moes +4, hub +2.
		t.Errorf("hubs = %+v", result.Hubs)
	}
}

type fakeHub struct {
	cids     []string
	statuses map[string]map[string]any
	queryErr error
}

func (f *fakeHub) Status(_ context.Context, cid string) (map[string]any, error) {
	if status, ok := f.statuses[cid]; ok {
		return status, nil
	}
	return nil, errors.New("no response from " + cid)
}

func (f *fakeHub) SetDPs(context.Context, string, map[string]any) (map[string]any, error) {
	return nil, errors.New("not used")
}

func (f *fakeHub) SubdevQuery(context.Context) ([]string, error) {
	return f.cids, f.queryErr
}

func (f *fakeHub) Close() error { return nil }

func TestDiscoverChildLights(t *testing.T) {
	hub := &fakeHub{
		cids: []string{"cid-lamp", "cid-plug", "cid-dead"},
		statuses: map[string]map[string]any{
			"cid-lamp": {"dps": map[string]any{"20": true, "22": float64(500)}},
			"cid-plug": {"dps": map[string]any{"1": true}},
		},
	}
	sc := newTestScanner(t)
	sc.dialHub = func(context.Context, tuyalocal.HubConfig) (deviceapi.HubSession, error) {
		return hub, nil
	}

	children, err := sc.DiscoverChildLights(context.Background(), tuyalocal.HubConfig{IP: "192.0.2.1", LocalKey: "0123456789abcdef"})
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 3 {
		t.Fatalf("children = %+v", children)
	}
	if !children[0].Light || children[0].BrightnessDP != "22" {
		t.Errorf("lamp = %+v", children[0])
	}
	if children[1].Light {
		t.Errorf("plug classified as light: %+v", children[1])
	}
	if children[2].Error == "" {
		t.Errorf("dead child has no error: %+v", children[2])
	}
}

func TestDiscoverChildLightsBadKey(t *testing.T) {
	sc := newTestScanner(t)
	sc.dialHub = func(context.Context, tuyalocal.HubConfig) (deviceapi.HubSession, error) {
		return &fakeHub{queryErr: tuyalocal.ErrBadLocalKey}, nil
	}

	_, err := sc.DiscoverChildLights(context.Background(), tuyalocal.HubConfig{IP: "192.0.2.1", LocalKey: "0123456789abcdef"})
	if err == nil || !strings.Contains(err.Error(), "rejected the local key") {
		t.Fatalf("err = %v", err)
	}
}

func TestHubConfigFromSettings(t *testing.T) {
	sc := newTestScanner(t)

	if _, err := sc.HubConfigFromSettings(); err == nil {
		t.Fatal("empty settings accepted")
	}

	sealed, err := sc.box.Seal("fedcba9876543210")
	if err != nil {
		t.Fatal(err)
	}
	moes, err := sc.store.GetSetting("moes")
	if err != nil {
		t.Fatal(err)
	}
	moes["hub_ip"] = "192.168.1.2"
	moes["hub_local_key"] = sealed
	if err := sc.store.SetSetting("moes", moes); err != nil {
		t.Fatal(err)
	}

	cfg, err := sc.HubConfigFromSettings()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LocalKey != "fedcba9876543210" {
		t.Error("local key not unsealed")
	}
	if cfg.ID != "bhubw-192.168.1.2" {
		t.Errorf("default hub id = %q", cfg.ID)
	}
}
