// Package groupkey turns provisioned key material into the 256-bit group key.
package groupkey

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// KeySize is the length of an unwrapped group key.
const KeySize = 32

// Format states how the provisioned group key is encoded. It is never inferred.
type Format int

const (
	// FormatWrapped is a hex string of the key encrypted with RSA-OAEP(SHA-256)
	// to the device's public key.
	FormatWrapped Format = iota + 1
	// FormatRaw is the hex-encoded key itself.
	FormatRaw
)

func (f Format) String() string {
	switch f {
	case FormatWrapped:
		return "wrapped"
	case FormatRaw:
		return "raw"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ParseFormat accepts "wrapped" or "raw".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wrapped":
		return FormatWrapped, nil
	case "raw":
		return FormatRaw, nil
	default:
		return 0, fmt.Errorf("groupkey: unknown key format %q", s)
	}
}

// KeyUnwrapError reports that key material could not be turned into a group key.
type KeyUnwrapError struct {
	Op  string
	Err error
}

func (e *KeyUnwrapError) Error() string {
	return "groupkey: " + e.Op + ": " + e.Err.Error()
}

func (e *KeyUnwrapError) Unwrap() error { return e.Err }

var errKeySize = errors.New("unwrapped key is not 32 bytes")

// Resolve hex-decodes wrappedKeyHex and unwraps it with the PEM private key.
// Any failure is a *KeyUnwrapError; there is no fallback to a raw key.
func Resolve(wrappedKeyHex string, privateKeyPEM []byte) ([]byte, error) {
	wrapped, err := hex.DecodeString(strings.TrimSpace(wrappedKeyHex))
	if err != nil {
		return nil, &KeyUnwrapError{Op: "decode hex", Err: err}
	}

	priv, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, &KeyUnwrapError{Op: "parse private key", Err: err}
	}

	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, &KeyUnwrapError{Op: "oaep unwrap", Err: err}
	}
	if len(key) != KeySize {
		return nil, &KeyUnwrapError{Op: "oaep unwrap", Err: errKeySize}
	}
	return key, nil
}

// ParseRaw decodes a hex-encoded 32-byte key.
func ParseRaw(rawKeyHex string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(rawKeyHex))
	if err != nil {
		return nil, &KeyUnwrapError{Op: "decode hex", Err: err}
	}
	if len(key) != KeySize {
		return nil, &KeyUnwrapError{Op: "decode raw", Err: errKeySize}
	}
	return key, nil
}

// ParsePrivateKey reads an RSA key from PEM, trying PKCS#8 then PKCS#1.
func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	if k, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("PKCS#8 key is %T, not RSA", k)
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("neither PKCS#8 nor PKCS#1: %w", err)
	}
	return rsaKey, nil
}

// Wrap encrypts key to pub the way the provisioning dashboard does.
func Wrap(pub *rsa.PublicKey, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", errKeySize
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return "", fmt.Errorf("groupkey: wrap: %w", err)
	}
	return hex.EncodeToString(wrapped), nil
}

// Material is provisioned key material with its declared format.
type Material struct {
	Format        Format
	Value         string // hex
	PrivateKeyPEM []byte // required for FormatWrapped
}

// Resolve dispatches on the declared format.
func (m Material) Resolve() ([]byte, error) {
	switch m.Format {
	case FormatWrapped:
		if len(m.PrivateKeyPEM) == 0 {
			return nil, &KeyUnwrapError{Op: "parse private key", Err: errors.New("no private key provided")}
		}
		return Resolve(m.Value, m.PrivateKeyPEM)
	case FormatRaw:
		return ParseRaw(m.Value)
	default:
		return nil, &KeyUnwrapError{Op: "resolve", Err: fmt.Errorf("key format not set")}
	}
}

// Cache resolves material once and returns the same key (or error) afterwards.
type Cache struct {
	material Material
	once     sync.Once
	key      []byte
	err      error
}

func NewCache(m Material) *Cache {
	return &Cache{material: m}
}

func (c *Cache) Key() ([]byte, error) {
	c.once.Do(func() {
		c.key, c.err = c.material.Resolve()
		c.material.PrivateKeyPEM = nil
	})
	return c.key, c.err
}
