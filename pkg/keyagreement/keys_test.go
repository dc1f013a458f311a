package keyagreement

import (
	"crypto/ecdh"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublicKeyHexRoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	encoded, err := ExportPublicKeyHex(priv.PublicKey())
	require.NoError(t, err)

	decoded, err := ImportPublicKeyHex(encoded)
	require.NoError(t, err)
	assert.True(t, priv.PublicKey().Equal(decoded))
}

func TestPrivateKeyHexRoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	encoded, err := ExportPrivateKeyHex(priv)
	require.NoError(t, err)

	decoded, err := ImportPrivateKeyHex(encoded)
	require.NoError(t, err)
	assert.True(t, priv.Equal(decoded))
}

func TestImportPublicKeyHex_Rejects(t *testing.T) {
	_, err := ImportPublicKeyHex("not-hex")
	assert.Error(t, err)

	_, err = ImportPublicKeyHex("deadbeef")
	assert.Error(t, err)

	x, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	encoded, err := ExportPublicKeyHex(x.PublicKey())
	require.NoError(t, err)
	_, err = ImportPublicKeyHex(encoded)
	assert.Error(t, err)
}

func TestDeriveSharedSecret_RequiresKeys(t *testing.T) {
	_, err := DeriveSharedSecret(nil, nil)
	assert.Error(t, err)
}
