// Package discovery enumerates USB-attached badges without opening a
// claimed session on any of them, so the CLI's `list` subcommand can
// report what is plugged in before mount or any other subcommand
// claims the chosen device's interface.
package discovery

import (
	"fmt"
	"time"

	"github.com/google/gousb"

	"badgedrv/internal/transport"
	"badgedrv/internal/wire"
)

// Candidate describes one USB device matching the badge's vendor and
// product id, seen during enumeration.
type Candidate struct {
	Bus        int    `json:"bus"`
	Address    int    `json:"address"`
	VendorID   uint16 `json:"vendor_id"`
	ProductID  uint16 `json:"product_id"`
	Serial     string `json:"serial,omitempty"`
	Responding bool   `json:"responding"`
	Error      string `json:"error,omitempty"`
}

// ListCandidates enumerates every attached USB device matching vid/pid
// without claiming an interface on any of them.
func ListCandidates(vid, pid uint16) ([]Candidate, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var candidates []Candidate
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(vid) && desc.Product == gousb.ID(pid)
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: enumerate devices: %w", err)
	}
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()

	for _, d := range devs {
		c := Candidate{
			Bus:       d.Desc.Bus,
			Address:   d.Desc.Address,
			VendorID:  uint16(d.Desc.Vendor),
			ProductID: uint16(d.Desc.Product),
		}
		if serial, err := d.SerialNumber(); err == nil {
			c.Serial = serial
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// CheckDeviceState opens a badge transport long enough to exchange one
// heartbeat frame, reporting whether the device answers. The transport
// is always closed before returning.
func CheckDeviceState(vid, pid uint16, timeout time.Duration) Candidate {
	result := Candidate{VendorID: vid, ProductID: pid}

	tr, err := transport.Open(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer tr.Close()

	frame := wire.Encode(0, wire.Heartbeat{})
	if err := tr.Send(frame); err != nil {
		result.Error = err.Error()
		return result
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, err := tr.Receive(buf)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		if n > 0 {
			result.Responding = true
			return result
		}
	}
	return result
}
