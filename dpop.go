package auth

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/chronosky/skywrite/internal/helpers"
)

// proofLifetime bounds how long a proof's exp sits past its iat. Servers
// apply their own clock-skew window on iat; the short exp just keeps a
// leaked proof from being replayable for long.
const proofLifetime = 30 * time.Second

// BuildProof constructs a single-use DPoP proof JWT for one outgoing
// request. The proof is signed with privateKey and embeds the public key
// in its header so the server can verify it and bind it to the token it
// issued.
//
// The htu claim is the request URL with query and fragment stripped; this
// is a fixed contract with the verifying servers. When accessToken is
// non-empty an ath claim (base64url SHA-256 of the token, no padding) is
// included. When nonce is non-empty it is included verbatim, for the retry
// after a use_dpop_nonce challenge.
//
// Proofs must never be cached or reused: the jti is fresh on every call.
func BuildProof(privateKey jwk.Key, method, requestURL, accessToken, nonce string) (string, error) {
	htu, err := stripForHtu(requestURL)
	if err != nil {
		return "", fmt.Errorf("could not parse request url for proof: %w", err)
	}

	pubMap, err := publicProofJWK(privateKey)
	if err != nil {
		return "", &SigningError{Err: err}
	}

	now := time.Now().Unix()

	claims := jwt.MapClaims{
		"jti": uuid.NewString(),
		"htm": strings.ToUpper(method),
		"htu": htu,
		"iat": now,
		"exp": now + int64(proofLifetime.Seconds()),
	}

	if accessToken != "" {
		claims["ath"] = helpers.S256(accessToken)
	}

	if nonce != "" {
		claims["nonce"] = nonce
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["alg"] = "ES256"
	token.Header["jwk"] = pubMap

	rawKey, err := rawPrivateKey(privateKey)
	if err != nil {
		return "", &SigningError{Err: err}
	}

	tokenString, err := token.SignedString(rawKey)
	if err != nil {
		return "", &SigningError{Err: err}
	}

	return tokenString, nil
}

func stripForHtu(requestURL string) (string, error) {
	u, err := url.Parse(requestURL)
	if err != nil {
		return "", err
	}

	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""

	return u.String(), nil
}
