package auth

import "fmt"

// ResolutionError indicates a handle or DID lookup failed. The handle is
// carried so the UI can suggest the user double-check it.
type ResolutionError struct {
	Handle string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("could not resolve %q: %s", e.Handle, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// DiscoveryError indicates the authorization server metadata could not be
// located or was malformed. Not retried within an attempt; usually
// misconfiguration rather than transience.
type DiscoveryError struct {
	Endpoint string
	Err      error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("authorization server discovery failed for %s: %s", e.Endpoint, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// StateMismatchError indicates the state returned on a callback did not
// match the stored value. The flow must abort; this smells like CSRF or a
// stale redirect chain.
type StateMismatchError struct{}

func (e *StateMismatchError) Error() string {
	return "callback state does not match stored state"
}

// MissingTokenError indicates the proxied callback arrived without an
// access token.
type MissingTokenError struct{}

func (e *MissingTokenError) Error() string {
	return "proxy callback did not carry an access token"
}

// KeyMaterialError indicates the persisted DPoP keypair is absent,
// malformed, or not an ES256 key. Fatal to the session; the user must log
// in again.
type KeyMaterialError struct {
	Err error
}

func (e *KeyMaterialError) Error() string {
	if e.Err == nil {
		return "dpop key material unavailable"
	}
	return fmt.Sprintf("dpop key material unusable: %s", e.Err)
}

func (e *KeyMaterialError) Unwrap() error { return e.Err }

// SigningError indicates the keypair could not produce a signature. Fatal
// for the current request. The key is never rotated silently since tokens
// are bound to it.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("could not sign dpop proof: %s", e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// SessionExpiredError indicates the access token expired and the refresh
// exchange failed. The store has been cleared; the caller must force a
// re-authentication.
type SessionExpiredError struct {
	Err error
}

func (e *SessionExpiredError) Error() string {
	if e.Err == nil {
		return "session expired and could not be refreshed"
	}
	return fmt.Sprintf("session expired and could not be refreshed: %s", e.Err)
}

func (e *SessionExpiredError) Unwrap() error { return e.Err }

// NotAuthenticatedError indicates no tokens are stored for the requested
// provider.
type NotAuthenticatedError struct{}

func (e *NotAuthenticatedError) Error() string {
	return "not authenticated"
}
