package obd

import "testing"

func data(b ...byte) [DataLen]byte {
	var d [DataLen]byte
	copy(d[:], b)
	return d
}

func TestDecode_KnownValues(t *testing.T) {
	tests := []struct {
		pid  PID
		in   [DataLen]byte
		want int
	}{
		{PIDEngineRPM, data(0x1A, 0xF8), 1726},
		{PIDEngineRPM, data(0xFF, 0xFF), 16383},
		{PIDEngineRPM, data(0x00, 0x03), 0},
		{PIDSpeed, data(0x3C), 60},
		{PIDSpeed, data(0xFF), 255},
		{PIDCoolantTemp, data(0x5A), 50},
		{PIDCoolantTemp, data(0x00), -40},
		{PIDCoolantTemp, data(0xFF), 215},
		{PIDThrottle, data(0x80), 50},
		{PIDThrottle, data(0x01), 0},
		{PIDEngineLoad, data(0xFF), 100},
		{PIDIntakeTemp, data(0x46), 30},
		{PIDMAFFlow, data(0x01, 0x2C), 3},
		{PIDFuelPressure, data(0x64), 300},
	}
	for _, tc := range tests {
		r := Decode(tc.pid, tc.in)
		if !r.OK || r.Value != tc.want {
			t.Fatalf("pid %s % X: got %+v want %d", tc.pid, tc.in, r, tc.want)
		}
	}
}

// Decoders stay in range for every input and never produce their sentinel.
func TestDecode_RangeAndSentinel(t *testing.T) {
	for pid, info := range table {
		for a := 0; a <= 0xFF; a++ {
			for _, b := range []byte{0x00, 0x7F, 0xFF} {
				v := info.Decode(data(byte(a), b))
				if v < info.Min || v > info.Max {
					t.Fatalf("pid %s A=%d B=%d: %d outside [%d,%d]", pid, a, b, v, info.Min, info.Max)
				}
				if v == info.Sentinel {
					t.Fatalf("pid %s A=%d B=%d: decoded value equals sentinel", pid, a, b)
				}
			}
		}
	}
}

func TestFailed(t *testing.T) {
	if r := Failed(PIDCoolantTemp); r.OK || r.Value != -999 || r.Unit != "°C" {
		t.Fatalf("coolant failure reading %+v", r)
	}
	for _, pid := range []PID{PIDEngineRPM, PIDSpeed, PIDThrottle, PIDEngineLoad} {
		if r := Failed(pid); r.OK || r.Value != -1 {
			t.Fatalf("pid %s failure reading %+v", pid, r)
		}
	}
	if r := Failed(0x99); r.OK || r.Value != SentinelFailed {
		t.Fatalf("unknown pid failure reading %+v", r)
	}
}

func TestDecode_UnknownPID(t *testing.T) {
	if r := Decode(0x99, data(1)); r.OK {
		t.Fatalf("unknown pid decoded as ok: %+v", r)
	}
}

func TestSweepPIDs_Order(t *testing.T) {
	got := SweepPIDs()
	want := []PID{0x0C, 0x0D, 0x05, 0x11, 0x04}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %s want %s", i, got[i], want[i])
		}
	}
	got[0] = 0xFF
	if SweepPIDs()[0] != PIDEngineRPM {
		t.Fatalf("SweepPIDs exposes internal order")
	}
}

func TestParsePID(t *testing.T) {
	for in, want := range map[string]PID{"0x0C": 0x0C, "0C": 0x0C, " 0X11 ": 0x11, "5": 0x05, "ff": 0xFF} {
		got, err := ParsePID(in)
		if err != nil || got != want {
			t.Fatalf("%q: got %s err=%v", in, got, err)
		}
	}
	for _, bad := range []string{"", "0x", "100", "zz"} {
		if _, err := ParsePID(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}
