// Package device enumerates HCAs, picks an active port, and allocates the
// protection domain shared by a connection manager's connections.
package device

import (
	"fmt"

	"github.com/sss-lehigh/librome/internal/rdmaverbs"
)

// Device wraps one opened HCA context plus the protection domain carved out
// of it for a connection manager.
type Device struct {
	Name string
	ctx  *rdmaverbs.Context
	pd   *rdmaverbs.ProtectionDomain
}

// Open enumerates devices and opens the first one with an ACTIVE port,
// unless name is non-empty in which case that device is required to have
// one. Port numbers 1 and 2 are probed, matching common single/dual-port
// HCAs.
func Open(name string) (*Device, error) {
	devices, err := rdmaverbs.GetDeviceList()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no RDMA devices found")
	}

	candidates := devices
	if name != "" {
		candidates = nil
		for _, d := range devices {
			if d.Name == name {
				candidates = append(candidates, d)
			}
		}
		if len(candidates) == 0 {
			return nil, fmt.Errorf("device %q not found", name)
		}
	}

	for _, d := range candidates {
		for port := 1; port <= 2; port++ {
			active, err := rdmaverbs.PortIsActive(d.Name, port)
			if err != nil {
				continue
			}
			if active {
				return openNamed(d.Name)
			}
		}
	}
	return nil, fmt.Errorf("no device with an active port found")
}

func openNamed(name string) (*Device, error) {
	ctx, err := rdmaverbs.OpenDevice(name)
	if err != nil {
		return nil, err
	}
	pd, err := rdmaverbs.AllocPD(ctx)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("alloc pd: %w", err)
	}
	return &Device{Name: name, ctx: ctx, pd: pd}, nil
}

func (d *Device) Context() *rdmaverbs.Context        { return d.ctx }
func (d *Device) PD() *rdmaverbs.ProtectionDomain    { return d.pd }

// Close releases the protection domain and device context.
func (d *Device) Close() error {
	if d == nil {
		return nil
	}
	var firstErr error
	if err := d.pd.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.ctx.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
