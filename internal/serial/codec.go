// Package serial implements the Ampio CAN-over-UART framing used by the
// serial bus backend.
package serial

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/kstaniek/go-obd-poller/internal/can"
	"github.com/kstaniek/go-obd-poller/internal/metrics"
)

// ErrStandardID is returned for 11-bit frames: the adapter's only send
// instruction (INS 2) puts a 29-bit id on the bus.
var ErrStandardID = errors.New("serial: adapter cannot transmit 11-bit ids")

// Codec encodes and decodes Ampio UART frames.
type Codec struct{}

// CompactBuffer reclaims consumed prefix capacity when underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred. Thresholds chosen to avoid excessive copying.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	// If buffer size < 1KB, skip.
	if len(data) < 1024 {
		return false
	}
	// If unread < 25% of capacity, compact.
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// canUARTSend builds a UART frame:
// [0x2D, 0xD4, len+1, data..., checksum]
// checksum = (len+1) + 0x2D + sum(data) (mod 256)
func canUARTSend(data []byte) []byte {
	n := len(data)
	frame := make([]byte, n+4)

	frame[0] = 0x2D
	frame[1] = 0xD4
	frame[2] = byte(n + 1)

	sum := frame[2] + 0x2D
	for i, b := range data {
		frame[3+i] = b
		sum += b
	}
	frame[3+n] = sum
	return frame
}

// Encode wraps a frame for transmission. The adapter always sends an extended
// id, so a standard frame is indistinguishable from the same id with
// CAN_EFF_FLAG set. Check CanTransmit first.
func (Codec) Encode(f can.Frame) []byte {
	id := f.ID()
	p := f.Payload()
	n := byte(len(p))
	tab := make([]byte, 6+len(p)) // INS(1) + FLAGS(1) + ID(4) + PAYLOAD(0..8)
	tab[0] = 2                    // INS: 2 = CAN UART SEND WITH EXT ID
	tab[1] = 0x80 + n             // FLAGS/DLC (0x80 | len) for classic
	binary.BigEndian.PutUint32(tab[2:6], id)
	copy(tab[6:], p)
	return canUARTSend(tab)
}

// CanTransmit reports whether f reaches the bus as addressed.
func (Codec) CanTransmit(f can.Frame) error {
	if !f.IsExtended() {
		return ErrStandardID
	}
	return nil
}

// DecodeStream consumes complete frames from in and emits them via out,
// leaving any partial frame buffered. Bad lengths and checksums are counted
// and skipped one byte at a time until the preamble realigns.
//
// RX frame, 2-byte payload:
//
//	2D D4        preamble
//	07           len = id(4) + payload(2) + checksum(1)
//	00 00 07 E8  id
//	41 0D        payload
//	CS           0x2D + len + sum(id, payload)
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	const (
		pre0 = 0x2D
		pre1 = 0xD4

		// ln = ID(4) + PAYLOAD(0..8) + checksum(1)
		minLn = 4 + 0 + 1
		maxLn = 4 + 8 + 1
	)
	header := []byte{pre0, pre1}

	for {
		data := in.Bytes()
		// Periodically compact to avoid unbounded growth from misaligned garbage
		_ = CompactBuffer(in)
		if len(data) < 3 { // need preamble + len
			return nil
		}

		// align to preamble
		i := bytes.Index(data, header)
		if i < 0 {
			// keep last byte in case next buffer starts with preamble second byte
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}

		// preamble at start; need length
		if len(data) < 4 {
			return nil
		}
		ln := int(data[2]) // includes (data bytes + 1 checksum)
		if ln < minLn || ln > maxLn {
			// malformed length; advance one byte to resync
			metrics.IncError(metrics.ErrSerialFraming)
			in.Next(1)
			continue
		}

		req := 3 + ln // total bytes: 2 preamble + 1 len + ln
		if len(data) < req {
			return nil
		}

		// checksum: 0x2D + len + sum(data bytes after len)
		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			// checksum mismatch: count and attempt resync
			metrics.IncError(metrics.ErrSerialFraming)
			in.Next(1)
			continue
		}

		// parse frame
		id := binary.BigEndian.Uint32(data[3:7])
		payload := data[7 : req-1] // length can be 0..8

		// The adapter reports every id as 32 bits; ids that fit 11 bits are
		// standard frames (OBD responses live there).
		var f can.Frame
		f.CANID = id & can.CAN_EFF_MASK
		if f.CANID > can.CAN_SFF_MASK {
			f.CANID |= can.CAN_EFF_FLAG
		}
		f.Len = uint8(len(payload))
		copy(f.Data[:], payload)

		out(f)
		metrics.IncBusRx("serial")
		in.Next(req)
	}
}
