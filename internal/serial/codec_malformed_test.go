package serial

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kstaniek/go-obd-poller/internal/can"
	"github.com/kstaniek/go-obd-poller/internal/metrics"
)

var speedResponse = []byte{0x03, 0x41, 0x0D, 0x3C, 0, 0, 0, 0}

func framingErrors() float64 {
	return testutil.ToFloat64(metrics.Errors.WithLabelValues(metrics.ErrSerialFraming))
}

func decodeAll(t *testing.T, buf *bytes.Buffer) []can.Frame {
	t.Helper()
	var got []can.Frame
	if err := (Codec{}).DecodeStream(buf, func(fr can.Frame) { got = append(got, fr) }); err != nil {
		t.Fatalf("DecodeStream error: %v", err)
	}
	return got
}

// withLen rewrites the length byte and fixes up the checksum.
func withLen(frame []byte, ln byte) []byte {
	out := append([]byte(nil), frame...)
	out[2] = ln
	sum := byte(0x2D)
	for _, b := range out[2 : len(out)-1] {
		sum += b
	}
	out[len(out)-1] = sum
	return out
}

func TestDecodeStream_CorruptedResponse(t *testing.T) {
	before, malformed := framingErrors(), metrics.Snap().Malformed
	frame := rxWire(0x7E8, speedResponse)
	frame[len(frame)-1] ^= 0xFF
	var buf bytes.Buffer
	buf.Write(frame)
	buf.Write(rxWire(0x7E9, speedResponse))
	got := decodeAll(t, &buf)
	if len(got) != 1 || got[0].CANID != 0x7E9 {
		t.Fatalf("expected only the intact 0x7E9 frame, got %+v", got)
	}
	if framingErrors() <= before {
		t.Fatalf("checksum error not counted")
	}
	if metrics.Snap().Malformed != malformed {
		t.Fatalf("adapter framing counted as malformed OBD frame")
	}
}

func TestDecodeStream_TruncatedResponse(t *testing.T) {
	before := framingErrors()
	frame := rxWire(0x7E8, speedResponse)
	var buf bytes.Buffer
	buf.Write(frame[:9])
	if got := decodeAll(t, &buf); len(got) != 0 {
		t.Fatalf("decoded a partial frame: %+v", got)
	}
	buf.Write(frame[9:])
	got := decodeAll(t, &buf)
	if len(got) != 1 || got[0].CANID != 0x7E8 || got[0].Len != 8 || got[0].Data[3] != 0x3C {
		t.Fatalf("completed frame not decoded: %+v", got)
	}
	if framingErrors() != before {
		t.Fatalf("partial frame counted as framing error")
	}
}

func TestDecodeStream_LengthBounds(t *testing.T) {
	base := rxWire(0x7E8, []byte{0x02, 0x41, 0x0D, 0x3C})
	for _, ln := range []byte{4, 14} {
		before := framingErrors()
		bad := withLen(base, ln)
		var buf bytes.Buffer
		buf.Write(bad)
		if len(bad) < 3+int(ln) {
			buf.Write(make([]byte, 3+int(ln)-len(bad)))
		}
		buf.Write(rxWire(0x7EA, speedResponse))
		got := decodeAll(t, &buf)
		if framingErrors() <= before {
			t.Fatalf("len %d not rejected", ln)
		}
		if len(got) != 1 || got[0].CANID != 0x7EA {
			t.Fatalf("len %d: expected resync onto 0x7EA, got %+v", ln, got)
		}
	}
}

func TestDecodeStream_ZeroPayload(t *testing.T) {
	before := framingErrors()
	frame := rxWire(0x316, nil)
	if frame[2] != 5 {
		t.Fatalf("len byte = %d", frame[2])
	}
	var buf bytes.Buffer
	buf.Write(frame)
	got := decodeAll(t, &buf)
	if len(got) != 1 || got[0].CANID != 0x316 || got[0].Len != 0 {
		t.Fatalf("zero-payload frame: %+v", got)
	}
	if framingErrors() != before {
		t.Fatalf("valid frame counted as framing error")
	}
}
