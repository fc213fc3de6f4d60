package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxDataLen is the payload capacity of a classic CAN frame.
const MaxDataLen = 8

// Frame is a classic CAN frame as seen by the OBD client.
// CANID carries EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is the payload length (0..8); only the first Len bytes of Data are valid.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [MaxDataLen]byte
}

// NewStandard builds a standard (11-bit) data frame. Payload beyond 8 bytes is ignored.
func NewStandard(id uint32, payload ...byte) Frame {
	var f Frame
	f.CANID = id & CAN_SFF_MASK
	n := copy(f.Data[:], payload)
	f.Len = uint8(n)
	return f
}

// IsExtended reports whether the frame uses a 29-bit identifier.
func (f Frame) IsExtended() bool { return f.CANID&CAN_EFF_FLAG != 0 }

// IsData reports whether the frame is a regular data frame (not RTR, not error).
func (f Frame) IsData() bool { return f.CANID&(CAN_RTR_FLAG|CAN_ERR_FLAG) == 0 }

// ID returns the identifier with flag bits stripped.
func (f Frame) ID() uint32 {
	if f.IsExtended() {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

// Payload returns the valid payload bytes.
func (f *Frame) Payload() []byte {
	n := int(f.Len)
	if n > MaxDataLen {
		n = MaxDataLen
	}
	return f.Data[:n]
}
