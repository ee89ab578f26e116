package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// GenerateKeyPair produces a fresh ECDSA P-256 keypair for DPoP binding.
// The caller is responsible for persisting it; tokens issued against this
// key become useless if it is lost or rotated.
func GenerateKeyPair(kidPrefix *string) (jwk.Key, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	key, err := jwk.FromRaw(privKey)
	if err != nil {
		return nil, err
	}

	var kid string
	if kidPrefix != nil {
		kid = fmt.Sprintf("%s-%d", *kidPrefix, time.Now().Unix())
	} else {
		kid = fmt.Sprintf("%d", time.Now().Unix())
	}

	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}

	return key, nil
}

// SerializeKeyPair renders the private key as a JSON JWK for storage.
func SerializeKeyPair(key jwk.Key) ([]byte, error) {
	return json.Marshal(key)
}

// LoadKeyPair parses a serialized private JWK and checks it against the
// ES256 profile the proof builder expects.
func LoadKeyPair(b []byte) (jwk.Key, error) {
	key, err := jwk.ParseKey(b)
	if err != nil {
		return nil, &KeyMaterialError{Err: err}
	}

	if key.KeyType() != jwa.EC {
		return nil, &KeyMaterialError{Err: fmt.Errorf("key type was %s, expected EC", key.KeyType())}
	}

	crv, ok := key.Get(jwk.ECDSACrvKey)
	if !ok || crv != jwa.P256 {
		return nil, &KeyMaterialError{Err: fmt.Errorf("key curve was %v, expected P-256", crv)}
	}

	var pkey ecdsa.PrivateKey
	if err := key.Raw(&pkey); err != nil {
		return nil, &KeyMaterialError{Err: fmt.Errorf("key did not contain private material: %w", err)}
	}

	return key, nil
}

// publicProofJWK returns the public half of the key as a map holding
// exactly the kty, crv, x and y members required to embed in a proof
// header. Anything else on the key (kid included) is dropped so the proof
// leaks no key metadata.
func publicProofJWK(key jwk.Key) (map[string]any, error) {
	pubKey, err := key.PublicKey()
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(pubKey)
	if err != nil {
		return nil, err
	}

	var full map[string]any
	if err := json.Unmarshal(b, &full); err != nil {
		return nil, err
	}

	pub := make(map[string]any, 4)
	for _, member := range []string{"kty", "crv", "x", "y"} {
		v, ok := full[member]
		if !ok {
			return nil, fmt.Errorf("public jwk is missing required member %q", member)
		}
		pub[member] = v
	}

	return pub, nil
}

func rawPrivateKey(key jwk.Key) (*ecdsa.PrivateKey, error) {
	var pkey ecdsa.PrivateKey
	if err := key.Raw(&pkey); err != nil {
		return nil, err
	}

	return &pkey, nil
}
