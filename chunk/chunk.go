// Package chunk fragments an envelope into bounded notifications and
// reassembles it from chunks arriving in any order.
//
// Wire format (big-endian):
//
//	[msgId:2][seq<<1 | last:2][data...]
package chunk

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed chunk header length.
	HeaderSize = 4

	// MaxPayload is the chunk data size used on the air.
	MaxPayload = 500

	// DefaultMTU yields MaxPayload-sized chunks.
	DefaultMTU = MaxPayload + HeaderSize

	// MaxChunks is the number of distinct seq values a 15-bit field holds.
	MaxChunks = 1 << 15
)

// ErrTooManyChunks is returned by Split when a message needs more than MaxChunks chunks.
var ErrTooManyChunks = errors.New("chunk: message needs more than 32768 chunks")

// Header is a decoded chunk header.
type Header struct {
	MsgID uint16
	Seq   uint16
	Last  bool
}

func (h Header) seqField() uint16 {
	f := h.Seq << 1
	if h.Last {
		f |= 1
	}
	return f
}

// AppendHeader appends the 4-byte encoding of h to dst.
func AppendHeader(dst []byte, h Header) []byte {
	dst = binary.BigEndian.AppendUint16(dst, h.MsgID)
	return binary.BigEndian.AppendUint16(dst, h.seqField())
}

// Parse splits a raw chunk into header and data. data aliases raw.
func Parse(raw []byte) (Header, []byte, error) {
	if len(raw) < HeaderSize {
		return Header{}, nil, &MalformedChunkError{Reason: fmt.Sprintf("%d bytes, header needs %d", len(raw), HeaderSize)}
	}
	field := binary.BigEndian.Uint16(raw[2:4])
	return Header{
		MsgID: binary.BigEndian.Uint16(raw[0:2]),
		Seq:   field >> 1,
		Last:  field&1 == 1,
	}, raw[HeaderSize:], nil
}

// MalformedChunkError reports a chunk that cannot be accepted. The chunk is
// dropped; the transport keeps running.
type MalformedChunkError struct {
	MsgID  uint16
	Reason string
}

func (e *MalformedChunkError) Error() string {
	return "chunk: malformed: " + e.Reason
}

// Count returns how many chunks Split produces for n bytes at the given MTU.
func Count(n, mtu int) int {
	per := mtu - HeaderSize
	if n == 0 {
		return 1
	}
	return (n + per - 1) / per
}

// Split fragments msg into chunks of at most mtu bytes under a random msgId.
func Split(msg []byte, mtu int) ([][]byte, error) {
	var id [2]byte
	if _, err := rand.Read(id[:]); err != nil {
		return nil, fmt.Errorf("chunk: msgId: %w", err)
	}
	return SplitWithID(msg, mtu, binary.BigEndian.Uint16(id[:]))
}

// SplitWithID is Split with a caller-chosen msgId. An empty msg yields a
// single empty last chunk.
func SplitWithID(msg []byte, mtu int, msgID uint16) ([][]byte, error) {
	if mtu <= HeaderSize {
		return nil, fmt.Errorf("chunk: mtu %d leaves no room for data", mtu)
	}
	per := mtu - HeaderSize
	total := Count(len(msg), mtu)
	if total > MaxChunks {
		return nil, ErrTooManyChunks
	}

	chunks := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * per
		end := start + per
		if end > len(msg) {
			end = len(msg)
		}
		c := make([]byte, 0, HeaderSize+end-start)
		c = AppendHeader(c, Header{MsgID: msgID, Seq: uint16(i), Last: i == total-1})
		chunks = append(chunks, append(c, msg[start:end]...))
	}
	return chunks, nil
}
