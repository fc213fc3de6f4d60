package socketcan

import (
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-obd-poller/internal/can"
)

// mtu is sizeof(struct can_frame).
const mtu = 16

// struct can_frame (linux/can.h):
//
//	can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
//	can_dlc u8    [4]
//	pad     3B    [5:8]
//	data    [8]   [8:16]
//
// Fields are host byte order; little-endian on every target we ship.
func encodeFrame(fr can.Frame) [mtu]byte {
	var buf [mtu]byte
	binary.LittleEndian.PutUint32(buf[0:4], fr.CANID)
	p := fr.Payload()
	buf[4] = byte(len(p))
	copy(buf[8:], p)
	return buf
}

func decodeFrame(buf []byte, fr *can.Frame) error {
	if len(buf) != mtu {
		return fmt.Errorf("short read: %d", len(buf))
	}
	dlc := int(buf[4])
	if dlc > can.MaxDataLen {
		dlc = can.MaxDataLen
	}
	*fr = can.Frame{CANID: binary.LittleEndian.Uint32(buf[0:4]), Len: uint8(dlc)}
	copy(fr.Data[:], buf[8:8+dlc])
	return nil
}
