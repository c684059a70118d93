// Package envelope seals a message under the group key.
//
// Wire format:
//
//	[mimeLen:1][mime][nameLen:1][filename][deviceHash:32][nonce:12][ciphertext|tag:16]
//
// Everything before the nonce is the header. It travels in clear and is
// authenticated as AES-GCM additional data, so receivers can triage the
// type before decrypting.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

const (
	KeySize        = 32
	NonceSize      = 12
	TagSize        = 16
	DeviceHashSize = sha256.Size
	MaxFieldLen    = 255
)

var (
	// ErrFieldTooLong is returned when a mime type or filename exceeds MaxFieldLen bytes.
	ErrFieldTooLong = errors.New("envelope: field longer than 255 bytes")

	// ErrMalformed is returned when the input is too short for the header it declares.
	ErrMalformed = errors.New("envelope: malformed")
)

// IntegrityError reports an authentication tag mismatch. It is the expected
// outcome for envelopes sealed under another group's key.
type IntegrityError struct {
	Err error
}

func (e *IntegrityError) Error() string {
	return "envelope: integrity check failed"
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// Header is the cleartext, authenticated part of an envelope.
type Header struct {
	MimeType   string
	Filename   string
	SenderHash [DeviceHashSize]byte
}

// Message is a decoded envelope.
type Message struct {
	Header
	Payload []byte
}

// FromDevice reports whether the message was sealed by deviceID.
func (m *Message) FromDevice(deviceID string) bool {
	return m.SenderHash == HashDevice(deviceID)
}

// HashDevice returns the SHA-256 of a device identity as carried in headers.
func HashDevice(deviceID string) [DeviceHashSize]byte {
	return sha256.Sum256([]byte(deviceID))
}

// Codec seals and opens envelopes with one group key. Safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewCodec returns a codec for a 256-bit group key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("envelope: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	return &Codec{aead: aead, rand: rand.Reader}, nil
}

// Encode seals payload with a fresh random nonce.
func (c *Codec) Encode(mimeType, filename, deviceID string, payload []byte) ([]byte, error) {
	if len(mimeType) > MaxFieldLen || len(filename) > MaxFieldLen {
		return nil, ErrFieldTooLong
	}

	header := appendHeader(nil, mimeType, filename, HashDevice(deviceID))
	out := make([]byte, len(header), len(header)+NonceSize+len(payload)+TagSize)
	copy(out, header)

	nonce := out[len(header) : len(header)+NonceSize]
	out = out[:len(header)+NonceSize]
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return nil, fmt.Errorf("envelope: nonce: %w", err)
	}

	return c.aead.Seal(out, nonce, payload, header), nil
}

// Decode opens an envelope. A tag mismatch yields *IntegrityError and no plaintext.
func (c *Codec) Decode(data []byte) (*Message, error) {
	hdr, headerLen, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	if len(data) < headerLen+NonceSize+TagSize {
		return nil, fmt.Errorf("%w: %d bytes after header, need at least %d",
			ErrMalformed, len(data)-headerLen, NonceSize+TagSize)
	}

	header := data[:headerLen]
	nonce := data[headerLen : headerLen+NonceSize]
	sealed := data[headerLen+NonceSize:]

	plain, err := c.aead.Open(nil, nonce, sealed, header)
	if err != nil {
		return nil, &IntegrityError{Err: err}
	}
	return &Message{Header: *hdr, Payload: plain}, nil
}

// PeekHeader parses the cleartext header without decrypting.
func PeekHeader(data []byte) (*Header, error) {
	hdr, _, err := parseHeader(data)
	return hdr, err
}

// HeaderLen is the encoded header size for the given field lengths.
func HeaderLen(mimeLen, filenameLen int) int {
	return 1 + mimeLen + 1 + filenameLen + DeviceHashSize
}

// Overhead is the envelope size minus the payload size.
func Overhead(mimeType, filename string) int {
	return HeaderLen(len(mimeType), len(filename)) + NonceSize + TagSize
}

func appendHeader(dst []byte, mimeType, filename string, hash [DeviceHashSize]byte) []byte {
	dst = append(dst, byte(len(mimeType)))
	dst = append(dst, mimeType...)
	dst = append(dst, byte(len(filename)))
	dst = append(dst, filename...)
	return append(dst, hash[:]...)
}

func parseHeader(data []byte) (*Header, int, error) {
	if len(data) < 1 {
		return nil, 0, fmt.Errorf("%w: empty", ErrMalformed)
	}
	mimeLen := int(data[0])
	if len(data) < 1+mimeLen+1 {
		return nil, 0, fmt.Errorf("%w: truncated mime type", ErrMalformed)
	}
	nameLen := int(data[1+mimeLen])
	headerLen := HeaderLen(mimeLen, nameLen)
	if len(data) < headerLen {
		return nil, 0, fmt.Errorf("%w: truncated header", ErrMalformed)
	}

	hdr := &Header{
		MimeType: string(data[1 : 1+mimeLen]),
		Filename: string(data[2+mimeLen : 2+mimeLen+nameLen]),
	}
	copy(hdr.SenderHash[:], data[headerLen-DeviceHashSize:headerLen])
	return hdr, headerLen, nil
}
