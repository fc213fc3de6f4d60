package elm327

import (
	"encoding/hex"
	"strings"

	"github.com/kstaniek/go-obd-poller/internal/can"
)

// ParseLine decodes one monitor line printed with headers on, e.g.
// "7E8 03 41 0D 3C 00 00 00 00" or "18DAF110 03 41 0D 3C". Status text
// ("NO DATA", "SEARCHING...", "OK") is not a frame.
func ParseLine(line string) (can.Frame, bool) {
	s := strings.ToUpper(strings.Join(strings.Fields(line), ""))
	if s == "" {
		return can.Frame{}, false
	}
	idLen := 3
	if len(s)%2 == 0 {
		idLen = 8
	}
	if len(s) < idLen || len(s)-idLen > 2*can.MaxDataLen {
		return can.Frame{}, false
	}
	idBytes, err := hex.DecodeString(pad(s[:idLen]))
	if err != nil {
		return can.Frame{}, false
	}
	payload, err := hex.DecodeString(s[idLen:])
	if err != nil {
		return can.Frame{}, false
	}
	var id uint32
	for _, b := range idBytes {
		id = id<<8 | uint32(b)
	}
	if idLen == 3 {
		return can.NewStandard(id, payload...), true
	}
	fr := can.Frame{CANID: id&can.CAN_EFF_MASK | can.CAN_EFF_FLAG, Len: uint8(len(payload))}
	copy(fr.Data[:], payload)
	return fr, true
}

// pad left-pads an odd-length hex string.
func pad(s string) string {
	if len(s)%2 == 1 {
		return "0" + s
	}
	return s
}

// formatPayload renders bytes as contiguous hex for transmission.
func formatPayload(p []byte) string { return strings.ToUpper(hex.EncodeToString(p)) }

// splitLines breaks an adapter reply into trimmed non-empty lines, dropping
// the prompt.
func splitLines(resp string) []string {
	resp = strings.ReplaceAll(resp, ">", "")
	var out []string
	for _, l := range strings.FieldsFunc(resp, func(r rune) bool { return r == '\r' || r == '\n' }) {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
