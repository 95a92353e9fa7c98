// Package transport drives the badge's USB bulk endpoint pair.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
)

const (
	// DefaultVendorID and DefaultProductID identify the badge on the USB
	// bus absent an override from config.
	DefaultVendorID  gousb.ID = 0xCAFE
	DefaultProductID gousb.ID = 0x4011

	// EndpointOut and EndpointIn are the bulk endpoint addresses used for
	// all framed traffic.
	EndpointOut = 0x03
	EndpointIn  = 0x83

	sendTimeout    = 10000 * time.Second // effectively unbounded
	receiveTimeout = 15 * time.Second
)

// Transport is the blocking byte-level interface the Engine drives. It is
// satisfied by USBTransport in production and can be faked in tests.
type Transport interface {
	Send(data []byte) error
	Receive(buf []byte) (int, error)
	Reset() error
	Close() error
}

// USBTransport opens the badge over libusb via gousb and exposes blocking
// bulk transfer primitives.
type USBTransport struct {
	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint
}

// Open opens the first device matching vid/pid, claims its first
// interface, resolves the bulk endpoint pair, and issues an initial
// device reset.
func Open(vid, pid gousb.ID) (*USBTransport, error) {
	ctx := gousb.NewContext()

	device, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("transport: failed to open badge: %w", err)
	}
	if device == nil {
		ctx.Close()
		return nil, fmt.Errorf("transport: no badge found (VID:0x%04x PID:0x%04x)", vid, pid)
	}

	if err := device.Reset(); err != nil {
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("transport: initial device reset failed: %w", err)
	}

	config, err := device.Config(1)
	if err != nil {
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("transport: failed to set config: %w", err)
	}

	intf, err := config.Interface(0, 0)
	if err != nil {
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("transport: failed to claim interface: %w", err)
	}

	epOut, err := intf.OutEndpoint(EndpointOut)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("transport: failed to open OUT endpoint 0x%02x: %w", EndpointOut, err)
	}

	epIn, err := intf.InEndpoint(EndpointIn)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("transport: failed to open IN endpoint 0x%02x: %w", EndpointIn, err)
	}

	return &USBTransport{
		ctx:    ctx,
		device: device,
		config: config,
		intf:   intf,
		epOut:  epOut,
		epIn:   epIn,
	}, nil
}

// Send writes the entire buffer to the OUT endpoint, looping on short
// writes, with an effectively unbounded timeout.
func (t *USBTransport) Send(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	total := 0
	for total < len(data) {
		n, err := t.epOut.WriteContext(ctx, data[total:])
		if err != nil {
			return fmt.Errorf("transport: USB write failed: %w", err)
		}
		total += n
	}
	return nil
}

// Receive reads from the IN endpoint with a 15s timeout. A timeout is not
// an error: it returns n=0, nil.
func (t *USBTransport) Receive(buf []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), receiveTimeout)
	defer cancel()

	n, err := t.epIn.ReadContext(ctx, buf)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return 0, nil
		}
		return 0, fmt.Errorf("transport: USB read failed: %w", err)
	}
	return n, nil
}

// Reset is the recovery hook the Engine calls on every third consecutive
// request timeout. It is a no-op that returns nil: a real bus reset here
// risks dropping the badge's USB enumeration mid session, so it neither
// resets the device nor logs.
func (t *USBTransport) Reset() error {
	return nil
}

// Close releases the interface, configuration, device handle, and
// context, in that order.
func (t *USBTransport) Close() error {
	if t.intf != nil {
		t.intf.Close()
	}
	if t.config != nil {
		t.config.Close()
	}
	if t.device != nil {
		t.device.Close()
	}
	if t.ctx != nil {
		t.ctx.Close()
	}
	return nil
}
