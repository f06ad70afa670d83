package tuyalocal

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

// udpKey decrypts discovery broadcasts on port 6667. It is a protocol
// constant, not a secret.
var udpKey = func() []byte {
	sum := md5.Sum([]byte("yGAdlopoPVldABfn"))
	return sum[:]
}()

// ScanPorts are the discovery broadcast ports: 6666 carries plain
// JSON, 6667 encrypted JSON.
var ScanPorts = []int{6666, 6667}

// DefaultScanWait is how long Scan listens for broadcasts.
const DefaultScanWait = 8 * time.Second

// Device is one discovery broadcast, deduplicated by id. Broadcasts
// never include local keys.
type Device struct {
	ID         string `json:"id"`
	IP         string `json:"ip"`
	MAC        string `json:"mac,omitempty"`
	Version    string `json:"version"`
	ProductKey string `json:"product_key"`
}

// parseBroadcast extracts the JSON document from one UDP discovery
// packet. Packets are framed like TCP messages with a 20-byte header
// and 8-byte trailer; encrypted ones additionally need the UDP key.
func parseBroadcast(raw []byte, encrypted bool) (Device, error) {
	if len(raw) < 28 {
		return Device{}, fmt.Errorf("%w: short broadcast", ErrBadFrame)
	}
	payload := raw[20 : len(raw)-8]
	if encrypted {
		plain, err := decryptECB(udpKey, payload)
		if err != nil {
			return Device{}, fmt.Errorf("decrypt broadcast: %w", err)
		}
		payload = plain
	}
	var doc struct {
		GwID       string `json:"gwId"`
		IP         string `json:"ip"`
		MAC        string `json:"mac"`
		Version    string `json:"version"`
		ProductKey string `json:"productKey"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Device{}, fmt.Errorf("decode broadcast: %w", err)
	}
	if doc.GwID == "" || doc.IP == "" {
		return Device{}, fmt.Errorf("broadcast missing gwId/ip")
	}
	return Device{ID: doc.GwID, IP: doc.IP, MAC: doc.MAC, Version: doc.Version, ProductKey: doc.ProductKey}, nil
}

// Scan listens for discovery broadcasts on both scan ports until wait
// elapses or ctx is cancelled. Failing to bind either port is a hard
// error; a LAN with no devices legitimately returns an empty list, a
// blocked socket does not.
func Scan(ctx context.Context, wait time.Duration) ([]Device, error) {
	if wait <= 0 {
		wait = DefaultScanWait
	}

	conns := make([]*net.UDPConn, 0, len(ScanPorts))
	for _, port := range ScanPorts {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			return nil, fmt.Errorf("bind udp %d: %w", port, err)
		}
		conns = append(conns, conn)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	deadline := time.Now().Add(wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var mu sync.Mutex
	found := map[string]Device{}

	var wg sync.WaitGroup
	for i, conn := range conns {
		encrypted := ScanPorts[i] == 6667
		wg.Add(1)
		go func(conn *net.UDPConn, encrypted bool) {
			defer wg.Done()
			conn.SetReadDeadline(deadline)
			buf := make([]byte, 2048)
			for {
				n, _, err := conn.ReadFromUDP(buf)
				if err != nil {
					return
				}
				dev, err := parseBroadcast(buf[:n], encrypted)
				if err != nil {
					continue
				}
				mu.Lock()
				if _, ok := found[dev.ID]; !ok {
					found[dev.ID] = dev
				}
				mu.Unlock()
			}
		}(conn, encrypted)
	}

	// Cut the listen short when the caller gives up.
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			for _, c := range conns {
				c.SetReadDeadline(time.Now())
			}
		case <-stop:
		}
	}()
	wg.Wait()
	close(stop)

	out := make([]Device, 0, len(found))
	for _, dev := range found {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
