package auth

import (
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// SecondaryTokens are the scheduling service's tokens as relayed by the
// proxy. Mutated on refresh, deleted on logout.
type SecondaryTokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// SecondaryStore persists the scheduling-service session across reloads:
// tokens, the DPoP keypair they are bound to, and the resolved DID. Each
// lives under its own key, independent of the primary session; clearing
// one provider never touches the other. Tokens and keypair are always set
// together and cleared together.
type SecondaryStore interface {
	Tokens() (*SecondaryTokens, error)
	SetTokens(t *SecondaryTokens) error

	Key() (jwk.Key, error)
	SetKey(key jwk.Key) error

	DID() (string, error)
	SetDID(did string) error

	Clear() error
}

// MemoryPendingStore is a process-local PendingStore. The web app uses a
// cookie-session-scoped store instead; this one backs tests and one-shot
// CLI logins.
type MemoryPendingStore struct {
	mu sync.Mutex
	p  *PendingAuth
}

func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{}
}

func (s *MemoryPendingStore) Save(p *PendingAuth) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.p = &cp
	return nil
}

func (s *MemoryPendingStore) Load() (*PendingAuth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.p == nil {
		return nil, nil
	}

	cp := *s.p
	return &cp, nil
}

func (s *MemoryPendingStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.p = nil
	return nil
}

// MemorySecondaryStore is a process-local SecondaryStore.
type MemorySecondaryStore struct {
	mu     sync.Mutex
	tokens *SecondaryTokens
	keyJWK []byte
	did    string
}

func NewMemorySecondaryStore() *MemorySecondaryStore {
	return &MemorySecondaryStore{}
}

func (s *MemorySecondaryStore) Tokens() (*SecondaryTokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tokens == nil {
		return nil, nil
	}

	cp := *s.tokens
	return &cp, nil
}

func (s *MemorySecondaryStore) SetTokens(t *SecondaryTokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	s.tokens = &cp
	return nil
}

func (s *MemorySecondaryStore) Key() (jwk.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keyJWK == nil {
		return nil, &KeyMaterialError{}
	}

	return LoadKeyPair(s.keyJWK)
}

func (s *MemorySecondaryStore) SetKey(key jwk.Key) error {
	b, err := SerializeKeyPair(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.keyJWK = b
	return nil
}

func (s *MemorySecondaryStore) DID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.did, nil
}

func (s *MemorySecondaryStore) SetDID(did string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.did = did
	return nil
}

func (s *MemorySecondaryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = nil
	s.keyJWK = nil
	s.did = ""
	return nil
}
