package auth

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronosky/skywrite/internal/helpers"
)

// parseProof verifies the compact proof against the public key embedded in
// its own header, the way a server would.
func parseProof(t *testing.T, proof string) (jwt.MapClaims, map[string]any) {
	t.Helper()

	var header map[string]any

	parsed, err := jwt.Parse(proof, func(tok *jwt.Token) (any, error) {
		header = tok.Header

		embedded, ok := tok.Header["jwk"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("proof header carried no jwk")
		}

		b, err := json.Marshal(embedded)
		if err != nil {
			return nil, err
		}

		key, err := jwk.ParseKey(b)
		if err != nil {
			return nil, err
		}

		var pub ecdsa.PublicKey
		if err := key.Raw(&pub); err != nil {
			return nil, err
		}

		return &pub, nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	claims, ok := parsed.Claims.(jwt.MapClaims)
	require.True(t, ok)

	return claims, header
}

func TestBuildProofVerifiesAgainstEmbeddedKey(t *testing.T) {
	assert := assert.New(t)

	key, err := GenerateKeyPair(nil)
	require.NoError(t, err)

	proof, err := BuildProof(key, "post", "https://chronosky.example/api/schedule", "", "")
	require.NoError(t, err)

	claims, header := parseProof(t, proof)

	assert.Equal("dpop+jwt", header["typ"])
	assert.Equal("ES256", header["alg"])
	assert.Equal("POST", claims["htm"])
	assert.Equal("https://chronosky.example/api/schedule", claims["htu"])
	assert.NotEmpty(claims["jti"])
	assert.NotContains(claims, "ath")
	assert.NotContains(claims, "nonce")
}

func TestBuildProofJtiNeverCollides(t *testing.T) {
	assert := assert.New(t)

	key, err := GenerateKeyPair(nil)
	require.NoError(t, err)

	first, err := BuildProof(key, "GET", "https://chronosky.example/api/posts", "tok", "")
	require.NoError(t, err)

	second, err := BuildProof(key, "GET", "https://chronosky.example/api/posts", "tok", "")
	require.NoError(t, err)

	firstClaims, _ := parseProof(t, first)
	secondClaims, _ := parseProof(t, second)

	assert.NotEqual(firstClaims["jti"], secondClaims["jti"])
}

func TestBuildProofAthBindsAccessToken(t *testing.T) {
	assert := assert.New(t)

	key, err := GenerateKeyPair(nil)
	require.NoError(t, err)

	proof, err := BuildProof(key, "POST", "https://chronosky.example/api/schedule", "abc123", "")
	require.NoError(t, err)

	claims, _ := parseProof(t, proof)
	assert.Equal(helpers.S256("abc123"), claims["ath"])
}

func TestBuildProofNonce(t *testing.T) {
	assert := assert.New(t)

	key, err := GenerateKeyPair(nil)
	require.NoError(t, err)

	proof, err := BuildProof(key, "POST", "https://chronosky.example/api/schedule", "", "server-nonce-1")
	require.NoError(t, err)

	claims, _ := parseProof(t, proof)
	assert.Equal("server-nonce-1", claims["nonce"])
}

func TestBuildProofStripsQueryAndFragment(t *testing.T) {
	assert := assert.New(t)

	key, err := GenerateKeyPair(nil)
	require.NoError(t, err)

	proof, err := BuildProof(key, "GET", "https://chronosky.example/api/posts?cursor=abc&limit=5#frag", "", "")
	require.NoError(t, err)

	claims, _ := parseProof(t, proof)
	assert.Equal("https://chronosky.example/api/posts", claims["htu"])
}
