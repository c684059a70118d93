package groupkey

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyPair(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return priv
}

func pkcs8PEM(t *testing.T, priv *rsa.PrivateKey) []byte {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func pkcs1PEM(priv *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
}

func groupKey(t *testing.T) []byte {
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestResolveBothPEMEncodings(t *testing.T) {
	priv := testKeyPair(t)
	key := groupKey(t)
	wrapped, err := Wrap(&priv.PublicKey, key)
	require.NoError(t, err)

	for name, pemBytes := range map[string][]byte{
		"pkcs8": pkcs8PEM(t, priv),
		"pkcs1": pkcs1PEM(priv),
	} {
		got, err := Resolve(wrapped, pemBytes)
		require.NoError(t, err, name)
		assert.True(t, bytes.Equal(key, got), name)
	}
}

func TestResolveWrongPrivateKey(t *testing.T) {
	priv := testKeyPair(t)
	other := testKeyPair(t)
	wrapped, err := Wrap(&priv.PublicKey, groupKey(t))
	require.NoError(t, err)

	_, err = Resolve(wrapped, pkcs1PEM(other))
	var kue *KeyUnwrapError
	require.True(t, errors.As(err, &kue), "got %v", err)
	assert.Equal(t, "oaep unwrap", kue.Op)
}

func TestResolveRejectsRawKey(t *testing.T) {
	// A raw key handed to the wrapped path must fail, never be used as-is.
	priv := testKeyPair(t)
	raw := hex.EncodeToString(groupKey(t))

	key, err := Resolve(raw, pkcs1PEM(priv))
	assert.Nil(t, key)
	var kue *KeyUnwrapError
	assert.True(t, errors.As(err, &kue), "got %v", err)
}

func TestResolveBadInputs(t *testing.T) {
	priv := testKeyPair(t)

	_, err := Resolve("zz-not-hex", pkcs1PEM(priv))
	var kue *KeyUnwrapError
	require.True(t, errors.As(err, &kue))
	assert.Equal(t, "decode hex", kue.Op)

	_, err = Resolve("00ff", []byte("not a pem"))
	require.True(t, errors.As(err, &kue))
	assert.Equal(t, "parse private key", kue.Op)
}

func TestMaterialFormats(t *testing.T) {
	priv := testKeyPair(t)
	key := groupKey(t)
	wrapped, err := Wrap(&priv.PublicKey, key)
	require.NoError(t, err)

	got, err := Material{Format: FormatWrapped, Value: wrapped, PrivateKeyPEM: pkcs8PEM(t, priv)}.Resolve()
	require.NoError(t, err)
	assert.Equal(t, key, got)

	got, err = Material{Format: FormatRaw, Value: hex.EncodeToString(key)}.Resolve()
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = Material{Format: FormatRaw, Value: "abcd"}.Resolve()
	assert.Error(t, err)

	_, err = Material{Value: wrapped}.Resolve()
	assert.Error(t, err)

	_, err = Material{Format: FormatWrapped, Value: wrapped}.Resolve()
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" Wrapped ")
	require.NoError(t, err)
	assert.Equal(t, FormatWrapped, f)

	f, err = ParseFormat("raw")
	require.NoError(t, err)
	assert.Equal(t, FormatRaw, f)

	_, err = ParseFormat("auto")
	assert.Error(t, err)
}

func TestCacheResolvesOnce(t *testing.T) {
	key := groupKey(t)
	c := NewCache(Material{Format: FormatRaw, Value: hex.EncodeToString(key)})

	first, err := c.Key()
	require.NoError(t, err)
	second, err := c.Key()
	require.NoError(t, err)
	assert.Equal(t, key, first)
	assert.Same(t, &first[0], &second[0])
}
