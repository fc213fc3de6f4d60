package obd

import "github.com/kstaniek/go-obd-poller/internal/can"

// Mode 01 wire constants (ISO 15765-4, 11-bit addressing).
const (
	RequestID       = 0x7DF // functional broadcast address
	ResponseIDFirst = 0x7E8
	ResponseIDLast  = 0x7EF

	ModeCurrentData  = 0x01
	ModeResponseBase = 0x40
	ModeCurrentReply = ModeCurrentData + ModeResponseBase // 0x41

	requestByteCount = 0x02 // additional bytes after the count byte: mode + pid
	headerLen        = 3    // count, mode echo, pid echo
	DataLen          = 5
)

// EncodeRequest builds the 8-byte Mode 01 request frame for pid.
// Layout: [02 01 PID 00 00 00 00 00] on ID 0x7DF.
func EncodeRequest(pid PID) can.Frame {
	return can.NewStandard(RequestID, requestByteCount, ModeCurrentData, byte(pid), 0, 0, 0, 0, 0)
}

// IsResponseID reports whether id lies in the ECU response range 0x7E8..0x7EF.
func IsResponseID(id uint32) bool { return id >= ResponseIDFirst && id <= ResponseIDLast }

// IsMatchingResponse reports whether fr answers a Mode 01 request for pid.
// Extended, RTR and error frames never match; neither do frames too short to
// carry the mode and PID echo.
func IsMatchingResponse(fr can.Frame, pid PID) bool {
	if fr.IsExtended() || !fr.IsData() {
		return false
	}
	if !IsResponseID(fr.ID()) {
		return false
	}
	if fr.Len < headerLen {
		return false
	}
	return fr.Data[1] == ModeCurrentReply && fr.Data[2] == byte(pid)
}

// IsMalformed reports whether fr is addressed like an ECU response but cannot
// carry a Mode 01 header.
func IsMalformed(fr can.Frame) bool {
	return !fr.IsExtended() && IsResponseID(fr.ID()) && (fr.Len < headerLen || fr.Len > can.MaxDataLen)
}

// ExtractData returns payload bytes [3..8) verbatim. Bytes past the declared
// length are left zero.
func ExtractData(fr can.Frame) [DataLen]byte {
	var out [DataLen]byte
	p := fr.Payload()
	if len(p) > headerLen {
		copy(out[:], p[headerLen:])
	}
	return out
}
