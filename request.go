package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/singleflight"
)

// ServiceError is a non-2xx response from the scheduling service.
type ServiceError struct {
	StatusCode int
	ErrStr     string `json:"error"`
	Message    string `json:"message"`
}

func (e *ServiceError) Error() string {
	if e.ErrStr == "" {
		return fmt.Sprintf("service error %d", e.StatusCode)
	}
	return fmt.Sprintf("service error %d: %s: %s", e.StatusCode, e.ErrStr, e.Message)
}

// AuthedClient composes the token store and the proof builder into the
// authenticated-request capability consumed by the UI layers. Every call
// gets a freshly built proof binding the access token via ath; proofs are
// never cached across calls.
//
// Requests may be issued concurrently. Token refresh is single-flight: a
// request arriving while a refresh is in flight awaits that refresh's
// result instead of racing it.
type AuthedClient struct {
	h          *http.Client
	store      SecondaryStore
	refreshURL string
	logger     *slog.Logger

	refreshGroup singleflight.Group

	mu    sync.Mutex
	nonce string
}

type AuthedClientArgs struct {
	H     *http.Client
	Store SecondaryStore

	// RefreshURL is the proxy's refresh-exchange endpoint. The browser
	// never talks to the scheduling service's authorization server
	// directly, so refresh goes through the proxy like the original
	// issuance did.
	RefreshURL string

	Logger *slog.Logger
}

func NewAuthedClient(args AuthedClientArgs) (*AuthedClient, error) {
	if args.Store == nil {
		return nil, fmt.Errorf("no secondary store provided")
	}
	if args.RefreshURL == "" {
		return nil, fmt.Errorf("no refresh url provided")
	}
	if args.H == nil {
		args.H = &http.Client{Timeout: 10 * time.Second}
	}
	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	return &AuthedClient{
		h:          args.H,
		store:      args.Store,
		refreshURL: args.RefreshURL,
		logger:     args.Logger,
	}, nil
}

// Do issues an authenticated request. bodyobj, when non-nil, is marshaled
// as JSON; out, when non-nil, receives the decoded response body.
//
// Fails with NotAuthenticatedError when no tokens are stored and
// KeyMaterialError when the keypair is missing; the two are always set
// together, so either error means the session is gone. An expired access
// token triggers a refresh exchange first; if that fails the store is
// cleared and the call fails with SessionExpiredError. A use_dpop_nonce
// challenge from the server is answered exactly once, with the supplied
// nonce embedded in a rebuilt proof.
func (c *AuthedClient) Do(ctx context.Context, method, requestURL string, bodyobj any, out any) error {
	tokens, err := c.store.Tokens()
	if err != nil {
		return err
	}
	if tokens == nil {
		return &NotAuthenticatedError{}
	}

	key, err := c.store.Key()
	if err != nil {
		return err
	}

	if !tokens.ExpiresAt.After(time.Now()) {
		tokens, err = c.refresh(ctx, key)
		if err != nil {
			return err
		}
	}

	var bodyBytes []byte
	if bodyobj != nil {
		bodyBytes, err = json.Marshal(bodyobj)
		if err != nil {
			return err
		}
	}

	method = strings.ToUpper(method)

	for attempt := 0; attempt < 2; attempt++ {
		proof, err := BuildProof(key, method, requestURL, tokens.AccessToken, c.currentNonce())
		if err != nil {
			return err
		}

		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
		if err != nil {
			return err
		}

		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("User-Agent", "skywrite/"+versioninfo.Short())
		req.Header.Set("Authorization", "DPoP "+tokens.AccessToken)
		req.Header.Set("DPoP", proof)

		resp, err := c.h.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		respBytes, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}

		if attempt == 0 && isResourceNonceChallenge(resp, respBytes) {
			c.setNonce(resp.Header.Get("DPoP-Nonce"))
			continue
		}

		if nonce := resp.Header.Get("DPoP-Nonce"); nonce != "" {
			c.setNonce(nonce)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			svcErr := &ServiceError{StatusCode: resp.StatusCode}
			if err := json.Unmarshal(respBytes, svcErr); err != nil {
				svcErr.Message = strings.TrimSpace(string(respBytes))
			}
			return svcErr
		}

		if out != nil && len(respBytes) > 0 {
			if err := json.Unmarshal(respBytes, out); err != nil {
				return fmt.Errorf("could not decode response body: %w", err)
			}
		}

		return nil
	}

	return fmt.Errorf("service demanded a dpop nonce twice")
}

func (c *AuthedClient) currentNonce() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonce
}

func (c *AuthedClient) setNonce(nonce string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonce = nonce
}

// refresh exchanges the stored refresh token at the proxy. Concurrent
// callers share one in-flight exchange; the winner's result is written to
// the store, so "check expiry, refresh, write" is one logical unit and a
// stale token never overwrites a fresh one.
func (c *AuthedClient) refresh(ctx context.Context, key jwk.Key) (*SecondaryTokens, error) {
	v, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		// another caller may have refreshed while we waited for the lock
		current, err := c.store.Tokens()
		if err != nil {
			return nil, err
		}
		if current != nil && current.ExpiresAt.After(time.Now()) {
			return current, nil
		}

		if current == nil || current.RefreshToken == "" {
			if clearErr := c.store.Clear(); clearErr != nil {
				c.logger.Warn("could not clear token store after failed refresh", "err", clearErr)
			}
			return nil, &SessionExpiredError{Err: fmt.Errorf("no refresh token available")}
		}

		refreshed, err := c.refreshExchange(ctx, key, current)
		if err != nil {
			if clearErr := c.store.Clear(); clearErr != nil {
				c.logger.Warn("could not clear token store after failed refresh", "err", clearErr)
			}
			return nil, &SessionExpiredError{Err: err}
		}

		if err := c.store.SetTokens(refreshed); err != nil {
			return nil, err
		}

		return refreshed, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*SecondaryTokens), nil
}

func (c *AuthedClient) refreshExchange(ctx context.Context, key jwk.Key, current *SecondaryTokens) (*SecondaryTokens, error) {
	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {current.RefreshToken},
	}

	nonce := c.currentNonce()

	for attempt := 0; attempt < 2; attempt++ {
		proof, err := BuildProof(key, "POST", c.refreshURL, "", nonce)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.refreshURL, strings.NewReader(params.Encode()))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("DPoP", proof)

		resp, err := c.h.Do(req)
		if err != nil {
			return nil, err
		}

		respBytes, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		if attempt == 0 && isResourceNonceChallenge(resp, respBytes) {
			nonce = resp.Header.Get("DPoP-Nonce")
			c.setNonce(nonce)
			continue
		}

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			var rmap map[string]string
			json.Unmarshal(respBytes, &rmap)
			return nil, fmt.Errorf("refresh endpoint returned status %d: %s", resp.StatusCode, rmap["error"])
		}

		var rr struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			ExpiresIn    int64  `json:"expires_in"`
			ExpiresAt    int64  `json:"expires_at"`
		}
		if err := json.Unmarshal(respBytes, &rr); err != nil {
			return nil, err
		}

		if rr.AccessToken == "" {
			return nil, fmt.Errorf("refresh response contained no access token")
		}

		expiresAt := time.Now().Add(defaultTokenLifetime)
		if rr.ExpiresAt > 0 {
			expiresAt = time.Unix(rr.ExpiresAt, 0)
		} else if rr.ExpiresIn > 0 {
			expiresAt = time.Now().Add(time.Duration(rr.ExpiresIn) * time.Second)
		}

		refreshToken := rr.RefreshToken
		if refreshToken == "" {
			refreshToken = current.RefreshToken
		}

		return &SecondaryTokens{
			AccessToken:  rr.AccessToken,
			RefreshToken: refreshToken,
			ExpiresAt:    expiresAt,
		}, nil
	}

	return nil, fmt.Errorf("refresh endpoint demanded a dpop nonce twice")
}

// isResourceNonceChallenge reports whether the response is a DPoP nonce
// challenge per RFC 9449: a 400/401 carrying a fresh DPoP-Nonce header and
// naming use_dpop_nonce either in the body or the WWW-Authenticate
// challenge.
func isResourceNonceChallenge(resp *http.Response, body []byte) bool {
	if resp.Header.Get("DPoP-Nonce") == "" {
		return false
	}

	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusUnauthorized {
		return false
	}

	if strings.Contains(resp.Header.Get("WWW-Authenticate"), "use_dpop_nonce") {
		return true
	}

	var rmap map[string]any
	if err := json.Unmarshal(body, &rmap); err != nil {
		return false
	}

	errStr, _ := rmap["error"].(string)
	return errStr == "use_dpop_nonce"
}
