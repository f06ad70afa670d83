// Package tuyalocal implements the subset of the tuya 3.3 LAN protocol
// the fleet needs: UDP discovery broadcasts and an encrypted TCP
// session to a hub for querying and controlling its child devices. No
// cloud endpoints are ever contacted and local keys never leave this
// process.
package tuyalocal

import (
	"bytes"
	"crypto/aes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// CmdControl sets data points.
	CmdControl = 0x07
	// CmdDPQuery reads data points.
	CmdDPQuery = 0x0a
	// CmdExtStream carries sub-device requests on gateways.
	CmdExtStream = 0x40

	framePrefix = 0x000055AA
	frameSuffix = 0x0000AA55

	// TCPPort is the hub's local control port.
	TCPPort = 6668
)

var versionHeader = append([]byte("3.3"), make([]byte, 12)...)

var ErrBadFrame = errors.New("malformed frame")

func pkcs7Pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errors.New("bad padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, errors.New("bad padding byte")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}

// encryptECB encrypts with AES-ECB, the mode the LAN protocol uses.
func encryptECB(key, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plain)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], padded[i:i+aes.BlockSize])
	}
	return out, nil
}

func decryptECB(key, cipherText []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(cipherText)%aes.BlockSize != 0 {
		return nil, errors.New("cipher text not block aligned")
	}
	out := make([]byte, len(cipherText))
	for i := 0; i < len(cipherText); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], cipherText[i:i+aes.BlockSize])
	}
	return pkcs7Unpad(out)
}

// crc32Tuya is the CRC-32 (IEEE, not inverted input) the protocol uses
// over prefix..payload.
func crc32Tuya(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xEDB88320
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}

// encodeFrame wraps a payload into a 55AA frame.
func encodeFrame(seq, cmd uint32, payload []byte) []byte {
	buf := make([]byte, 0, 16+len(payload)+8)
	head := make([]byte, 16)
	binary.BigEndian.PutUint32(head[0:], framePrefix)
	binary.BigEndian.PutUint32(head[4:], seq)
	binary.BigEndian.PutUint32(head[8:], cmd)
	binary.BigEndian.PutUint32(head[12:], uint32(len(payload)+8))
	buf = append(buf, head...)
	buf = append(buf, payload...)

	tail := make([]byte, 8)
	binary.BigEndian.PutUint32(tail[0:], crc32Tuya(buf))
	binary.BigEndian.PutUint32(tail[4:], frameSuffix)
	return append(buf, tail...)
}

type frame struct {
	seq     uint32
	cmd     uint32
	retcode uint32
	payload []byte
}

// decodeFrame parses one response frame. Responses carry a 4-byte
// return code in front of the payload; requests do not.
func decodeFrame(raw []byte, withRetcode bool) (frame, error) {
	if len(raw) < 24 {
		return frame{}, fmt.Errorf("%w: %d bytes", ErrBadFrame, len(raw))
	}
	if binary.BigEndian.Uint32(raw[0:]) != framePrefix {
		return frame{}, fmt.Errorf("%w: bad prefix", ErrBadFrame)
	}
	f := frame{
		seq: binary.BigEndian.Uint32(raw[4:]),
		cmd: binary.BigEndian.Uint32(raw[8:]),
	}
	length := int(binary.BigEndian.Uint32(raw[12:]))
	if 16+length > len(raw) || length < 8 {
		return frame{}, fmt.Errorf("%w: bad length %d", ErrBadFrame, length)
	}
	body := raw[16 : 16+length]
	if binary.BigEndian.Uint32(body[len(body)-4:]) != frameSuffix {
		return frame{}, fmt.Errorf("%w: bad suffix", ErrBadFrame)
	}
	if got, want := binary.BigEndian.Uint32(body[len(body)-8:]), crc32Tuya(raw[:16+length-8]); got != want {
		return frame{}, fmt.Errorf("%w: crc mismatch", ErrBadFrame)
	}
	data := body[:len(body)-8]
	if withRetcode {
		if len(data) < 4 {
			return frame{}, fmt.Errorf("%w: missing retcode", ErrBadFrame)
		}
		f.retcode = binary.BigEndian.Uint32(data)
		data = data[4:]
	}
	f.payload = data
	return f, nil
}

// stripVersionHeader drops the "3.3" marker some responses prepend.
func stripVersionHeader(payload []byte) []byte {
	if len(payload) >= len(versionHeader) && bytes.HasPrefix(payload, []byte("3.3")) {
		return payload[len(versionHeader):]
	}
	return payload
}
