package serial

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/kstaniek/go-obd-poller/internal/can"
)

// build an RX-wire frame: data := ID(4) | PAYLOAD(0..8), then envelope with 2D D4 LEN ... CRC
func rxWire(id uint32, payload []byte) []byte {
	data := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(data[:4], id&can.CAN_EFF_MASK)
	copy(data[4:], payload)
	return canUARTSend(data)
}

func ext(id uint32, data ...byte) can.Frame {
	fr := can.Frame{CANID: (id & can.CAN_EFF_MASK) | can.CAN_EFF_FLAG, Len: uint8(len(data))}
	copy(fr.Data[:], data)
	return fr
}

func TestSerialCodec_RoundTrip_Chunked(t *testing.T) {
	codec := Codec{}

	want := []can.Frame{
		can.NewStandard(0x7E8, 0x04, 0x41, 0x0C, 0x1A, 0xF8, 0x00, 0x00, 0x00), // OBD response
		ext(0x0001F55, 0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6),
		can.NewStandard(0x7E9, 0x03, 0x41, 0x0D),
		ext(0x01ABCDE, 0xDE, 0xAD, 0xBE),
		can.NewStandard(0x316), // DLC=0
	}

	stream := make([]byte, 0, 512)
	for _, fr := range want {
		stream = append(stream, rxWire(fr.ID(), fr.Payload())...)
	}

	var buf bytes.Buffer
	got := make([]can.Frame, 0, len(want))

	// Feed in irregular small chunks to stress preamble alignment & partials.
	chunkSizes := []int{1, 2, 3, 4, 5, 7, 11}
	cs := 0
	for pos := 0; pos < len(stream); {
		n := chunkSizes[cs%len(chunkSizes)]
		cs++
		if pos+n > len(stream) {
			n = len(stream) - pos
		}
		buf.Write(stream[pos : pos+n])
		pos += n

		if err := codec.DecodeStream(&buf, func(fr can.Frame) { got = append(got, fr) }); err != nil {
			t.Fatalf("DecodeStream error: %v", err)
		}
	}

	if len(got) != len(want) {
		t.Fatalf("decoded %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d mismatch\n got  id=0x%X len=%d data=% X\n want id=0x%X len=%d data=% X",
				i, got[i].CANID, got[i].Len, got[i].Payload(), want[i].CANID, want[i].Len, want[i].Payload())
		}
	}
}

// A standard frame encodes with INS 2 and the id zero-extended to 32 bits,
// byte for byte the same as the extended frame with that id.
func TestSerialCodec_EncodeStandardGoesOutExtended(t *testing.T) {
	req := can.NewStandard(0x7DF, 0x02, 0x01, 0x0D, 0, 0, 0, 0, 0)
	got := Codec{}.Encode(req)
	want := []byte{0x2D, 0xD4, 0x0F, 0x02, 0x88, 0x00, 0x00, 0x07, 0xDF, 0x02, 0x01, 0x0D, 0, 0, 0, 0, 0}
	var sum byte = 0x2D
	for _, b := range want[2:] {
		sum += b
	}
	want = append(want, sum)
	if !bytes.Equal(got, want) {
		t.Fatalf("got  % X\nwant % X", got, want)
	}
	extReq := req
	extReq.CANID |= can.CAN_EFF_FLAG
	if !bytes.Equal(Codec{}.Encode(extReq), got) {
		t.Fatalf("standard and extended encodings differ")
	}
}

func TestSerialCodec_CanTransmit(t *testing.T) {
	if err := (Codec{}).CanTransmit(can.NewStandard(0x7DF, 0x02, 0x01, 0x0D)); !errors.Is(err, ErrStandardID) {
		t.Fatalf("standard frame: %v", err)
	}
	if err := (Codec{}).CanTransmit(ext(0x18DB33F1, 0x02, 0x01, 0x0D)); err != nil {
		t.Fatalf("extended frame: %v", err)
	}
}

func TestSerialCodec_GarbageBeforePreamble(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x2D, 0x11, 0xFF})
	buf.Write(rxWire(0x7E8, []byte{0x02, 0x41, 0x0D, 0x3C}))
	var got []can.Frame
	_ = Codec{}.DecodeStream(&buf, func(fr can.Frame) { got = append(got, fr) })
	if len(got) != 1 || got[0].CANID != 0x7E8 || got[0].Data[3] != 0x3C {
		t.Fatalf("got %+v", got)
	}
}

func FuzzDecodeStream(f *testing.F) {
	f.Add(rxWire(0x7E8, []byte{0x03, 0x41, 0x0C, 0x1A, 0xF8}))
	f.Add([]byte{0x2D, 0xD4, 0xFF, 0x00})
	f.Fuzz(func(t *testing.T, in []byte) {
		var buf bytes.Buffer
		buf.Write(in)
		_ = Codec{}.DecodeStream(&buf, func(fr can.Frame) {
			if fr.Len > can.MaxDataLen {
				t.Fatalf("len %d", fr.Len)
			}
		})
	})
}
