package serial

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name    string
	USB     bool
	VID     string
	PID     string
	Serial  string
	Product string
}

// Raspberry Pi USB vendor id (Pico boards enumerate with it).
const vidRaspberryPi = "2E8A"

// IsPico reports whether the port looks like an RP2040/RP2350 USB CDC device.
func (p PortInfo) IsPico() bool { return p.USB && strings.EqualFold(p.VID, vidRaspberryPi) }

func (p PortInfo) String() string {
	if !p.USB {
		return p.Name
	}
	s := fmt.Sprintf("%s usb=%s:%s", p.Name, p.VID, p.PID)
	if p.Serial != "" {
		s += " serial=" + p.Serial
	}
	if p.Product != "" {
		s += " product=" + p.Product
	}
	return s
}

// List returns the serial ports present on the host.
func List() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{
			Name:    d.Name,
			USB:     d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Serial:  d.SerialNumber,
			Product: d.Product,
		})
	}
	return out, nil
}
