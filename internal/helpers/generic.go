package helpers

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// GenerateToken returns byteLen random bytes hex-encoded, so the resulting
// string is twice byteLen characters.
func GenerateToken(byteLen int) (string, error) {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}

// S256 is the base64url (no padding) SHA-256 digest used both for PKCE code
// challenges and for the DPoP `ath` access-token hash.
func S256(input string) string {
	h := sha256.New()
	h.Write([]byte(input))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

func GenerateCodeChallenge(pkceVerifier string) string {
	return S256(pkceVerifier)
}
