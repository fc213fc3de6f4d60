package obd

import (
	"testing"

	"github.com/kstaniek/go-obd-poller/internal/can"
)

func resp(id uint32, data ...byte) can.Frame { return can.NewStandard(id, data...) }

func TestEncodeRequest_Layout(t *testing.T) {
	for pid := 0; pid <= 0xFF; pid++ {
		fr := EncodeRequest(PID(pid))
		if fr.CANID != RequestID || fr.IsExtended() {
			t.Fatalf("pid 0x%02X: id 0x%X", pid, fr.CANID)
		}
		want := [8]byte{0x02, 0x01, byte(pid), 0, 0, 0, 0, 0}
		if fr.Len != 8 || fr.Data != want {
			t.Fatalf("pid 0x%02X: got len=%d % X want % X", pid, fr.Len, fr.Data, want)
		}
	}
}

func TestIsMatchingResponse(t *testing.T) {
	tests := []struct {
		name string
		fr   can.Frame
		pid  PID
		want bool
	}{
		{"ecu1", resp(0x7E8, 0x03, 0x41, 0x0C, 0x1A, 0xF8), PIDEngineRPM, true},
		{"ecu8", resp(0x7EF, 0x02, 0x41, 0x0D, 0x3C), PIDSpeed, true},
		{"idBelow", resp(0x7E7, 0x02, 0x41, 0x0D, 0x3C), PIDSpeed, false},
		{"idAbove", resp(0x7F0, 0x02, 0x41, 0x0D, 0x3C), PIDSpeed, false},
		{"requestEcho", resp(0x7DF, 0x02, 0x01, 0x0D), PIDSpeed, false},
		{"mode40", resp(0x7E8, 0x02, 0x40, 0x0D, 0x3C), PIDSpeed, false},
		{"mode42", resp(0x7E8, 0x02, 0x42, 0x0D, 0x3C), PIDSpeed, false},
		{"otherPid", resp(0x7E8, 0x02, 0x41, 0x05, 0x5A), PIDSpeed, false},
		{"short", resp(0x7E8, 0x02, 0x41), PIDSpeed, false},
		{"empty", resp(0x7E8), PIDSpeed, false},
		{"extended", can.Frame{CANID: 0x7E8 | can.CAN_EFF_FLAG, Len: 4, Data: [8]byte{0x02, 0x41, 0x0D, 0x3C}}, PIDSpeed, false},
		{"rtr", can.Frame{CANID: 0x7E8 | can.CAN_RTR_FLAG, Len: 4, Data: [8]byte{0x02, 0x41, 0x0D, 0x3C}}, PIDSpeed, false},
	}
	for _, tc := range tests {
		if got := IsMatchingResponse(tc.fr, tc.pid); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

// Every id outside 0x7E8..0x7EF is rejected regardless of payload.
func TestIsMatchingResponse_IDRange(t *testing.T) {
	for id := uint32(0); id <= can.CAN_SFF_MASK; id++ {
		got := IsMatchingResponse(resp(id, 0x02, 0x41, 0x0D, 0x3C), PIDSpeed)
		if got != (id >= 0x7E8 && id <= 0x7EF) {
			t.Fatalf("id 0x%03X: got %v", id, got)
		}
	}
}

func TestExtractData(t *testing.T) {
	fr := resp(0x7E8, 0x06, 0x41, 0x0C, 1, 2, 3, 4, 5)
	if got := ExtractData(fr); got != [5]byte{1, 2, 3, 4, 5} {
		t.Fatalf("got % X", got)
	}
	// Short frame: bytes past Len are zero even if the buffer holds garbage.
	short := resp(0x7E8, 0x03, 0x41, 0x0D, 0x3C)
	short.Data[5] = 0xEE
	if got := ExtractData(short); got != [5]byte{0x3C, 0, 0, 0, 0} {
		t.Fatalf("short frame leaked bytes: % X", got)
	}
	if got := ExtractData(resp(0x7E8, 0x02)); got != [5]byte{} {
		t.Fatalf("header-only frame: % X", got)
	}
}

func TestIsMalformed(t *testing.T) {
	if !IsMalformed(resp(0x7E9, 0x02, 0x41)) {
		t.Fatalf("short response not flagged")
	}
	if IsMalformed(resp(0x7E9, 0x02, 0x41, 0x0D)) {
		t.Fatalf("well-formed response flagged")
	}
	if IsMalformed(resp(0x123)) {
		t.Fatalf("unrelated frame flagged")
	}
}

func FuzzMatchAndExtract(f *testing.F) {
	f.Add(uint32(0x7E8), uint8(8), []byte{0x02, 0x41, 0x0D, 0x3C, 0, 0, 0, 0}, uint8(0x0D))
	f.Add(uint32(0x7EF), uint8(2), []byte{0x02, 0x41}, uint8(0x0C))
	f.Fuzz(func(t *testing.T, id uint32, ln uint8, data []byte, pid uint8) {
		var fr can.Frame
		fr.CANID = id
		fr.Len = ln
		copy(fr.Data[:], data)
		if IsMatchingResponse(fr, PID(pid)) {
			_ = Decode(PID(pid), ExtractData(fr))
		}
	})
}

func BenchmarkIsMatchingResponse(b *testing.B) {
	fr := resp(0x7E8, 0x03, 0x41, 0x0C, 0x1A, 0xF8)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = IsMatchingResponse(fr, PIDEngineRPM)
	}
}
