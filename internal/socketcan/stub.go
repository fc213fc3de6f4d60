//go:build !linux

package socketcan

import (
	"errors"

	"github.com/kstaniek/go-obd-poller/internal/can"
	"github.com/kstaniek/go-obd-poller/internal/transport"
)

var ErrUnsupported = errors.New("socketcan: only supported on linux")

// Device is unavailable outside linux; Open always fails.
type Device struct{}

func Open(iface string, filter bool) (*Device, error) { return nil, ErrUnsupported }

func (d *Device) Close() error               { return ErrUnsupported }
func (d *Device) Available() bool            { return false }
func (d *Device) ReadFrame(*can.Frame) error { return transport.ErrClosed }
func (d *Device) WriteFrame(can.Frame) error { return ErrUnsupported }
