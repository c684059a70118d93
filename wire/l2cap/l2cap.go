// Package l2cap frames ATT PDUs the way the LE link layer does:
// [length:2 LE][channel:2 LE][payload].
package l2cap

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	ChannelATT      uint16 = 0x0004
	ChannelLESignal uint16 = 0x0005
	HeaderLen              = 4
)

// Packet is one L2CAP basic frame.
type Packet struct {
	ChannelID uint16
	Payload   []byte
}

func (p *Packet) Encode() []byte {
	buf := make([]byte, HeaderLen, HeaderLen+len(p.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(p.Payload)))
	binary.LittleEndian.PutUint16(buf[2:4], p.ChannelID)
	return append(buf, p.Payload...)
}

// Decode parses a complete frame.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderLen {
		return nil, fmt.Errorf("l2cap: packet too short (need at least %d bytes, got %d)", HeaderLen, len(data))
	}
	length := int(binary.LittleEndian.Uint16(data[0:2]))
	if len(data) < HeaderLen+length {
		return nil, fmt.Errorf("l2cap: incomplete packet (claimed length %d, got %d)", length, len(data)-HeaderLen)
	}
	payload := make([]byte, length)
	copy(payload, data[HeaderLen:HeaderLen+length])
	return &Packet{ChannelID: binary.LittleEndian.Uint16(data[2:4]), Payload: payload}, nil
}

// ReadPacket reads one frame from a stream.
func ReadPacket(r io.Reader) (*Packet, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.LittleEndian.Uint16(hdr[0:2]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return &Packet{ChannelID: binary.LittleEndian.Uint16(hdr[2:4]), Payload: payload}, nil
}

// NewATTPacket wraps an encoded ATT PDU.
func NewATTPacket(payload []byte) *Packet {
	return &Packet{ChannelID: ChannelATT, Payload: payload}
}
