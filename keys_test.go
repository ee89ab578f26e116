package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyPairRoundTrip(t *testing.T) {
	assert := assert.New(t)

	key, err := GenerateKeyPair(nil)
	require.NoError(t, err)

	b, err := SerializeKeyPair(key)
	require.NoError(t, err)

	loaded, err := LoadKeyPair(b)
	require.NoError(t, err)

	// the loaded key must support signing without re-export
	pkey, err := rawPrivateKey(loaded)
	assert.NoError(err)
	assert.NotNil(pkey)
	assert.Equal(elliptic.P256(), pkey.Curve)
}

func TestGenerateKeyPairKidPrefix(t *testing.T) {
	assert := assert.New(t)

	prefix := "skywrite"
	key, err := GenerateKeyPair(&prefix)
	require.NoError(t, err)

	assert.Contains(key.KeyID(), "skywrite-")
}

func TestLoadKeyPairMalformed(t *testing.T) {
	assert := assert.New(t)

	_, err := LoadKeyPair([]byte(`{"not": "a key"}`))

	var kmErr *KeyMaterialError
	assert.ErrorAs(err, &kmErr)
}

func TestLoadKeyPairWrongCurve(t *testing.T) {
	assert := assert.New(t)

	privKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	key, err := jwk.FromRaw(privKey)
	require.NoError(t, err)

	b, err := json.Marshal(key)
	require.NoError(t, err)

	_, err = LoadKeyPair(b)

	var kmErr *KeyMaterialError
	assert.ErrorAs(err, &kmErr)
}

func TestLoadKeyPairRejectsSymmetricKey(t *testing.T) {
	assert := assert.New(t)

	key, err := jwk.FromRaw([]byte("a-symmetric-secret"))
	require.NoError(t, err)

	b, err := json.Marshal(key)
	require.NoError(t, err)

	_, err = LoadKeyPair(b)

	var kmErr *KeyMaterialError
	assert.ErrorAs(err, &kmErr)
}

func TestPublicProofJWKMembers(t *testing.T) {
	assert := assert.New(t)

	key, err := GenerateKeyPair(nil)
	require.NoError(t, err)

	pub, err := publicProofJWK(key)
	require.NoError(t, err)

	// exactly the members required for embedding, nothing else leaks
	assert.Len(pub, 4)
	assert.Equal("EC", pub["kty"])
	assert.Equal("P-256", pub["crv"])
	assert.NotEmpty(pub["x"])
	assert.NotEmpty(pub["y"])
	assert.NotContains(pub, "kid")
	assert.NotContains(pub, "d")
}
