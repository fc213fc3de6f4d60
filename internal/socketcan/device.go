//go:build linux

package socketcan

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-obd-poller/internal/can"
	"github.com/kstaniek/go-obd-poller/internal/metrics"
	"github.com/kstaniek/go-obd-poller/internal/transport"
)

// Kernel filter: standard data frames with ids 0x7E8..0x7EF only.
var obdResponseFilter = []unix.CanFilter{{
	Id:   0x7E8,
	Mask: 0x7F8 | can.CAN_EFF_FLAG | can.CAN_RTR_FLAG,
}}

// Device is a non-blocking raw CAN socket implementing transport.Port.
type Device struct {
	fd    int
	iface string
}

// Open binds a raw CAN socket on iface. When filter is set the kernel only
// delivers OBD response ids.
func Open(iface string, filter bool) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	if filter {
		if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, obdResponseFilter); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("set CAN_RAW_FILTER: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	return &Device{fd: fd, iface: iface}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// Available polls the socket without blocking.
func (d *Device) Available() bool {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	return err == nil && n > 0 && fds[0].Revents&unix.POLLIN != 0
}

// ReadFrame reads one classic CAN frame; ErrNoFrame when nothing is queued.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [mtu]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return transport.ErrNoFrame
		}
		metrics.IncError(metrics.ErrSocketCANRead)
		return fmt.Errorf("read can@%s: %w", d.iface, err)
	}
	if err := decodeFrame(buf[:n], fr); err != nil {
		metrics.IncError(metrics.ErrSocketCANRead)
		return err
	}
	metrics.IncBusRx("socketcan")
	return nil
}

// WriteFrame writes one classic CAN frame.
func (d *Device) WriteFrame(fr can.Frame) error {
	buf := encodeFrame(fr)
	if _, err := unix.Write(d.fd, buf[:]); err != nil {
		metrics.IncError(metrics.ErrSocketCANWrite)
		return fmt.Errorf("write can@%s: %w", d.iface, err)
	}
	metrics.IncBusTx("socketcan")
	return nil
}

var _ transport.Port = (*Device)(nil)
