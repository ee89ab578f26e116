package auth

import (
	"github.com/chronosky/skywrite/internal/helpers"
)

// PKCEState is the verifier/challenge pair plus anti-forgery state for one
// authorization round trip. Created immediately before the redirect,
// consumed exactly once on callback, erased regardless of outcome.
type PKCEState struct {
	State         string
	CodeVerifier  string
	CodeChallenge string
}

// NewPKCEState draws state (16 random bytes, hex) and codeVerifier (64
// random bytes, hex, 128 chars) from the CSPRNG and derives the S256
// challenge.
func NewPKCEState() (*PKCEState, error) {
	state, err := helpers.GenerateToken(16)
	if err != nil {
		return nil, err
	}

	verifier, err := helpers.GenerateToken(64)
	if err != nil {
		return nil, err
	}

	return &PKCEState{
		State:         state,
		CodeVerifier:  verifier,
		CodeChallenge: helpers.GenerateCodeChallenge(verifier),
	}, nil
}

// PendingAuth is everything persisted for the duration of one
// authorization round trip: the PKCE material plus whatever the flow needs
// to cross-check on callback.
type PendingAuth struct {
	State           string
	CodeVerifier    string
	Handle          string
	DID             string
	PDSURL          string
	Issuer          string
	AuthserverNonce string
	DPoPPrivateJWK  string
}

// PendingStore holds at most one PendingAuth. Implementations are scoped
// to a single browsing context (one tab's cookie session) so concurrent
// logins in other tabs cannot consume each other's verifier.
type PendingStore interface {
	Save(p *PendingAuth) error

	// Load returns nil with no error when nothing is pending.
	Load() (*PendingAuth, error)

	Clear() error
}

// PKCESession manages the single-use lifecycle of PKCE material against a
// PendingStore.
type PKCESession struct {
	store PendingStore
}

func NewPKCESession(store PendingStore) *PKCESession {
	return &PKCESession{store: store}
}

// Begin generates fresh PKCE material and persists it, replacing any prior
// pending attempt. Partial state is never reused across attempts.
func (s *PKCESession) Begin() (*PKCEState, error) {
	st, err := NewPKCEState()
	if err != nil {
		return nil, err
	}

	if err := s.store.Save(&PendingAuth{
		State:        st.State,
		CodeVerifier: st.CodeVerifier,
	}); err != nil {
		return nil, err
	}

	return st, nil
}

// Complete compares returnedState to the stored state with exact string
// equality and returns the full pending record on match. The stored
// material is erased unconditionally, on both the match and mismatch
// paths: a second completion attempt with already-cleared state fails
// closed with StateMismatchError rather than succeeding on stale data.
func (s *PKCESession) Complete(returnedState string) (*PendingAuth, error) {
	p, loadErr := s.store.Load()

	// single use, regardless of outcome
	if err := s.store.Clear(); err != nil {
		return nil, err
	}

	if loadErr != nil {
		return nil, loadErr
	}

	if p == nil || returnedState == "" || p.State != returnedState {
		return nil, &StateMismatchError{}
	}

	return p, nil
}

// Store exposes the underlying PendingStore so the flow that began the
// attempt can enrich the record before the redirect leaves the app.
func (s *PKCESession) Store() PendingStore {
	return s.store
}
