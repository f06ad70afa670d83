package flasher

import (
	"fmt"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes one attached serial port.
type PortInfo struct {
	Device       string `json:"device"`
	Description  string `json:"description"`
	HWID         string `json:"hwid"`
	SerialNumber string `json:"serial_number,omitempty"`
}

// ListPorts enumerates serial ports suitable for flashing.
func ListPorts() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	out := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		info := PortInfo{Device: p.Name, Description: p.Product}
		if p.IsUSB {
			info.HWID = fmt.Sprintf("USB VID:PID=%s:%s", p.VID, p.PID)
			info.SerialNumber = p.SerialNumber
		}
		out = append(out, info)
	}
	return out, nil
}
