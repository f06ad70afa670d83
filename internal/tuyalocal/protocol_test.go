package tuyalocal

import (
	"bytes"
	"encoding/json"
	"testing"
)

var testKey = []byte("0123456789abcdef")

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"dps":{"1":true}}`)
	enc, err := encryptECB(testKey, payload)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a device response: retcode 0 in front of the payload.
	body := append([]byte{0, 0, 0, 0}, enc...)
	raw := encodeFrame(3, CmdControl, body)

	f, err := decodeFrame(raw, true)
	if err != nil {
		t.Fatal(err)
	}
	if f.seq != 3 || f.cmd != CmdControl || f.retcode != 0 {
		t.Errorf("frame = seq %d cmd %#x ret %d", f.seq, f.cmd, f.retcode)
	}
	plain, err := decryptECB(testKey, f.payload)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, payload) {
		t.Errorf("payload = %q, want %q", plain, payload)
	}
}

func TestDecodeFrameRejectsCorruption(t *testing.T) {
	raw := encodeFrame(1, CmdDPQuery, []byte{0, 0, 0, 0, 'x'})

	cases := []struct {
		name   string
		mangle func([]byte) []byte
	}{
		{"short", func(b []byte) []byte { return b[:10] }},
		{"bad prefix", func(b []byte) []byte { b[0] = 0xFF; return b }},
		{"bad crc", func(b []byte) []byte { b[17] ^= 0x01; return b }},
		{"bad suffix", func(b []byte) []byte { b[len(b)-1] = 0x00; return b }},
	}
	for _, tc := range cases {
		mangled := tc.mangle(append([]byte{}, raw...))
		if _, err := decodeFrame(mangled, true); err == nil {
			t.Errorf("%s: decode accepted corrupt frame", tc.name)
		}
	}
}

func TestPKCS7RoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 15, 16, 17, 33} {
		data := bytes.Repeat([]byte{0xAB}, size)
		unpadded, err := pkcs7Unpad(pkcs7Pad(data))
		if err != nil {
			t.Fatalf("size %d: %v", size, err)
		}
		if !bytes.Equal(unpadded, data) {
			t.Errorf("size %d: round trip mismatch", size)
		}
	}
	if _, err := pkcs7Unpad([]byte{}); err == nil {
		t.Error("empty input accepted")
	}
	if _, err := pkcs7Unpad(bytes.Repeat([]byte{0x00}, 16)); err == nil {
		t.Error("zero padding byte accepted")
	}
}

func TestDecryptECBRejectsUnalignedInput(t *testing.T) {
	if _, err := decryptECB(testKey, []byte("not a block")); err == nil {
		t.Error("unaligned cipher text accepted")
	}
}

func TestStripVersionHeader(t *testing.T) {
	body := []byte("payload")
	wrapped := append(append([]byte{}, versionHeader...), body...)
	if got := stripVersionHeader(wrapped); !bytes.Equal(got, body) {
		t.Errorf("stripped = %q, want %q", got, body)
	}
	if got := stripVersionHeader(body); !bytes.Equal(got, body) {
		t.Errorf("plain payload altered: %q", got)
	}
}

func broadcastPacket(t *testing.T, doc map[string]any, encrypted bool) []byte {
	t.Helper()
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if encrypted {
		raw, err = encryptECB(udpKey, raw)
		if err != nil {
			t.Fatal(err)
		}
	}
	packet := make([]byte, 20, 20+len(raw)+8)
	packet = append(packet, raw...)
	return append(packet, make([]byte, 8)...)
}

func TestParseBroadcast(t *testing.T) {
	doc := map[string]any{
		"gwId":       "bf123456789",
		"ip":         "192.168.1.77",
		"version":    "3.3",
		"productKey": "keyabc",
	}

	plain, err := parseBroadcast(broadcastPacket(t, doc, false), false)
	if err != nil {
		t.Fatal(err)
	}
	if plain.ID != "bf123456789" || plain.IP != "192.168.1.77" {
		t.Errorf("plain broadcast = %+v", plain)
	}

	enc, err := parseBroadcast(broadcastPacket(t, doc, true), true)
	if err != nil {
		t.Fatal(err)
	}
	if enc.Version != "3.3" || enc.ProductKey != "keyabc" {
		t.Errorf("encrypted broadcast = %+v", enc)
	}

	if _, err := parseBroadcast([]byte("short"), false); err == nil {
		t.Error("short packet accepted")
	}
	if _, err := parseBroadcast(broadcastPacket(t, map[string]any{"ip": "1.2.3.4"}, false), false); err == nil {
		t.Error("broadcast without gwId accepted")
	}
}
