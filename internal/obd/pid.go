package obd

import (
	"fmt"
	"strconv"
	"strings"
)

// PID is a Mode 01 parameter identifier.
type PID uint8

// Known PIDs.
const (
	PIDEngineLoad   PID = 0x04
	PIDCoolantTemp  PID = 0x05
	PIDFuelPressure PID = 0x0A
	PIDEngineRPM    PID = 0x0C
	PIDSpeed        PID = 0x0D
	PIDIntakeTemp   PID = 0x0F
	PIDMAFFlow      PID = 0x10
	PIDThrottle     PID = 0x11
)

// Failure sentinels. Neither is reachable from well-formed input.
const (
	SentinelFailed     = -1
	SentinelTempFailed = -999
)

const (
	temperatureOffset  = 40
	percentScale       = 100
	byteFullScale      = 255
	rpmDivisor         = 4
	mafDivisor         = 100
	fuelPressureFactor = 3
)

func (p PID) String() string { return fmt.Sprintf("0x%02X", uint8(p)) }

// ParsePID parses a hexadecimal PID with optional 0x prefix ("0x0C", "0C").
func ParsePID(s string) (PID, error) {
	v := strings.TrimSpace(s)
	v = strings.TrimPrefix(strings.TrimPrefix(v, "0x"), "0X")
	n, err := strconv.ParseUint(v, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid pid %q: %w", s, err)
	}
	return PID(n), nil
}

// DecodeFunc maps the five Mode 01 data bytes to a physical value.
type DecodeFunc func(d [DataLen]byte) int

// PIDInfo describes one table entry.
type PIDInfo struct {
	PID      PID
	Label    string
	Unit     string
	Min, Max int
	Sentinel int
	Decode   DecodeFunc
}

// Reading is a decoded (or failed) value for one PID.
type Reading struct {
	PID   PID    `json:"pid"`
	Label string `json:"label"`
	Unit  string `json:"unit"`
	OK    bool   `json:"ok"`
	Value int    `json:"value"`
}

func decodeRPM(d [DataLen]byte) int     { return (int(d[0])*256 + int(d[1])) / rpmDivisor }
func decodeByte(d [DataLen]byte) int    { return int(d[0]) }
func decodeTemp(d [DataLen]byte) int    { return int(d[0]) - temperatureOffset }
func decodePercent(d [DataLen]byte) int { return int(d[0]) * percentScale / byteFullScale }
func decodeMAF(d [DataLen]byte) int     { return (int(d[0])*256 + int(d[1])) / mafDivisor }
func decodeFuel(d [DataLen]byte) int    { return int(d[0]) * fuelPressureFactor }

var table = map[PID]PIDInfo{
	PIDEngineRPM:    {PIDEngineRPM, "Engine RPM", "RPM", 0, 16383, SentinelFailed, decodeRPM},
	PIDSpeed:        {PIDSpeed, "Vehicle Speed", "km/h", 0, 255, SentinelFailed, decodeByte},
	PIDCoolantTemp:  {PIDCoolantTemp, "Coolant Temp", "°C", -40, 215, SentinelTempFailed, decodeTemp},
	PIDThrottle:     {PIDThrottle, "Throttle Position", "%", 0, 100, SentinelFailed, decodePercent},
	PIDEngineLoad:   {PIDEngineLoad, "Engine Load", "%", 0, 100, SentinelFailed, decodePercent},
	PIDIntakeTemp:   {PIDIntakeTemp, "Intake Air Temp", "°C", -40, 215, SentinelTempFailed, decodeTemp},
	PIDMAFFlow:      {PIDMAFFlow, "MAF Air Flow", "g/s", 0, 655, SentinelFailed, decodeMAF},
	PIDFuelPressure: {PIDFuelPressure, "Fuel Pressure", "kPa", 0, 765, SentinelFailed, decodeFuel},
}

// sweepOrder is the fixed per-sweep query order.
var sweepOrder = [...]PID{PIDEngineRPM, PIDSpeed, PIDCoolantTemp, PIDThrottle, PIDEngineLoad}

// SweepPIDs returns the PIDs queried on every sweep, in order.
func SweepPIDs() []PID {
	out := make([]PID, len(sweepOrder))
	copy(out, sweepOrder[:])
	return out
}

// Lookup returns the table entry for pid.
func Lookup(pid PID) (PIDInfo, bool) {
	info, ok := table[pid]
	return info, ok
}

// Decode converts raw response data into a successful Reading.
// Unknown PIDs yield a failed reading with the generic sentinel.
func Decode(pid PID, d [DataLen]byte) Reading {
	info, ok := table[pid]
	if !ok {
		return Reading{PID: pid, Label: pid.String(), Value: SentinelFailed}
	}
	return Reading{PID: pid, Label: info.Label, Unit: info.Unit, OK: true, Value: info.Decode(d)}
}

// Failed returns the sentinel Reading for pid.
func Failed(pid PID) Reading {
	info, ok := table[pid]
	if !ok {
		return Reading{PID: pid, Label: pid.String(), Value: SentinelFailed}
	}
	return Reading{PID: pid, Label: info.Label, Unit: info.Unit, Value: info.Sentinel}
}
