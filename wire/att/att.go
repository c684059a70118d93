// Package att encodes the subset of Attribute Protocol PDUs the simulated
// radio carries: MTU exchange, reads, writes and notifications.
package att

import (
	"encoding/binary"
	"fmt"
)

// Opcodes (Core Spec v5.3 Vol 3, Part F, 3.4)
const (
	OpErrorResponse           = 0x01
	OpExchangeMTURequest      = 0x02
	OpExchangeMTUResponse     = 0x03
	OpReadRequest             = 0x0A
	OpReadResponse            = 0x0B
	OpWriteRequest            = 0x12
	OpWriteResponse           = 0x13
	OpHandleValueNotification = 0x1B
	OpWriteCommand            = 0x52
)

// Error codes carried in ErrorResponse
const (
	ErrInvalidHandle        = 0x01
	ErrReadNotPermitted     = 0x02
	ErrWriteNotPermitted    = 0x03
	ErrInvalidPDU           = 0x04
	ErrRequestNotSupported  = 0x06
	ErrUnlikelyError        = 0x0E
	ErrWriteRequestRejected = 0xFC
)

type ExchangeMTURequest struct {
	ClientRxMTU uint16
}

type ExchangeMTUResponse struct {
	ServerRxMTU uint16
}

type ErrorResponse struct {
	RequestOpcode uint8
	Handle        uint16
	ErrorCode     uint8
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("att: request 0x%02X on handle 0x%04X failed with 0x%02X", e.RequestOpcode, e.Handle, e.ErrorCode)
}

type ReadRequest struct {
	Handle uint16
}

type ReadResponse struct {
	Value []byte
}

// WriteRequest expects a WriteResponse or ErrorResponse.
type WriteRequest struct {
	Handle uint16
	Value  []byte
}

type WriteResponse struct{}

// WriteCommand is a write without response.
type WriteCommand struct {
	Handle uint16
	Value  []byte
}

type HandleValueNotification struct {
	Handle uint16
	Value  []byte
}

// Encode serializes a PDU. Handles are little-endian as on the air.
func Encode(pdu interface{}) ([]byte, error) {
	switch p := pdu.(type) {
	case *ExchangeMTURequest:
		return binary.LittleEndian.AppendUint16([]byte{OpExchangeMTURequest}, p.ClientRxMTU), nil
	case *ExchangeMTUResponse:
		return binary.LittleEndian.AppendUint16([]byte{OpExchangeMTUResponse}, p.ServerRxMTU), nil
	case *ErrorResponse:
		buf := binary.LittleEndian.AppendUint16([]byte{OpErrorResponse, p.RequestOpcode}, p.Handle)
		return append(buf, p.ErrorCode), nil
	case *ReadRequest:
		return binary.LittleEndian.AppendUint16([]byte{OpReadRequest}, p.Handle), nil
	case *ReadResponse:
		return append([]byte{OpReadResponse}, p.Value...), nil
	case *WriteRequest:
		return appendHandleValue(OpWriteRequest, p.Handle, p.Value), nil
	case *WriteResponse:
		return []byte{OpWriteResponse}, nil
	case *WriteCommand:
		return appendHandleValue(OpWriteCommand, p.Handle, p.Value), nil
	case *HandleValueNotification:
		return appendHandleValue(OpHandleValueNotification, p.Handle, p.Value), nil
	default:
		return nil, fmt.Errorf("att: cannot encode %T", pdu)
	}
}

// Decode parses a PDU produced by Encode. Values are copied.
func Decode(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("att: empty packet")
	}
	op, body := data[0], data[1:]

	need := map[uint8]int{
		OpExchangeMTURequest:      2,
		OpExchangeMTUResponse:     2,
		OpErrorResponse:           4,
		OpReadRequest:             2,
		OpWriteRequest:            2,
		OpWriteCommand:            2,
		OpHandleValueNotification: 2,
	}
	if n, ok := need[op]; ok && len(body) < n {
		return nil, fmt.Errorf("att: opcode 0x%02X needs %d bytes, got %d", op, n, len(body))
	}

	switch op {
	case OpExchangeMTURequest:
		return &ExchangeMTURequest{ClientRxMTU: binary.LittleEndian.Uint16(body)}, nil
	case OpExchangeMTUResponse:
		return &ExchangeMTUResponse{ServerRxMTU: binary.LittleEndian.Uint16(body)}, nil
	case OpErrorResponse:
		return &ErrorResponse{RequestOpcode: body[0], Handle: binary.LittleEndian.Uint16(body[1:3]), ErrorCode: body[3]}, nil
	case OpReadRequest:
		return &ReadRequest{Handle: binary.LittleEndian.Uint16(body)}, nil
	case OpReadResponse:
		return &ReadResponse{Value: clone(body)}, nil
	case OpWriteRequest:
		return &WriteRequest{Handle: binary.LittleEndian.Uint16(body), Value: clone(body[2:])}, nil
	case OpWriteResponse:
		return &WriteResponse{}, nil
	case OpWriteCommand:
		return &WriteCommand{Handle: binary.LittleEndian.Uint16(body), Value: clone(body[2:])}, nil
	case OpHandleValueNotification:
		return &HandleValueNotification{Handle: binary.LittleEndian.Uint16(body), Value: clone(body[2:])}, nil
	default:
		return nil, fmt.Errorf("att: unsupported opcode 0x%02X", op)
	}
}

func appendHandleValue(op uint8, handle uint16, value []byte) []byte {
	buf := make([]byte, 0, 3+len(value))
	buf = append(buf, op)
	buf = binary.LittleEndian.AppendUint16(buf, handle)
	return append(buf, value...)
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
