// Package auth implements the browser-side actor of Skywrite's two OAuth
// 2.1 flows: the user's home PDS (atproto) and the Chronosky scheduling
// service, whose authorization is relayed through a backend proxy. Both
// flows bind issued tokens to a locally held ES256 keypair via DPoP
// (RFC 9449).
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Client speaks the low-level OAuth protocol to an authorization server:
// discovery, pushed authorization requests, code exchange, and refresh.
// It is a public client (token_endpoint_auth_method "none"); requests to
// the authorization server are authenticated only by their DPoP proof.
//
// Construct one Client at startup and pass it to every consumer.
type Client struct {
	h           *http.Client
	clientID    string
	redirectURI string
}

type ClientArgs struct {
	H           *http.Client
	ClientID    string
	RedirectURI string
}

func NewClient(args ClientArgs) (*Client, error) {
	if args.ClientID == "" {
		return nil, fmt.Errorf("no client id provided")
	}

	if args.RedirectURI == "" {
		return nil, fmt.Errorf("no redirect uri provided")
	}

	if args.H == nil {
		args.H = &http.Client{
			Timeout: 5 * time.Second,
		}
	}

	return &Client{
		h:           args.H,
		clientID:    args.ClientID,
		redirectURI: args.RedirectURI,
	}, nil
}

type ParAuthResponse struct {
	State           string
	AuthserverNonce string
	Resp            map[string]any
}

type TokenResponse struct {
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token"`
	TokenType       string `json:"token_type"`
	Scope           string `json:"scope"`
	Sub             string `json:"sub"`
	ExpiresIn       int64  `json:"expires_in"`
	AuthserverNonce string `json:"-"`
}

// SendParAuthRequest pushes the authorization request to the server's PAR
// endpoint, DPoP-bound to the supplied keypair. PKCE material is owned by
// the caller; this method only transmits the derived challenge.
func (c *Client) SendParAuthRequest(
	ctx context.Context,
	meta *AuthServerMetadata,
	pkce *PKCEState,
	loginHint,
	scope string,
	dpopPrivateKey jwk.Key,
) (*ParAuthResponse, error) {
	if meta == nil {
		return nil, fmt.Errorf("nil metadata provided")
	}

	if meta.PushedAuthorizationRequestEndpoint == "" {
		return nil, fmt.Errorf("authorization server does not support pushed authorization requests")
	}

	parURL := meta.PushedAuthorizationRequestEndpoint
	if _, err := isSafeAndParsed(parURL); err != nil {
		return nil, err
	}

	params := url.Values{
		"response_type":         {"code"},
		"code_challenge":        {pkce.CodeChallenge},
		"code_challenge_method": {"S256"},
		"client_id":             {c.clientID},
		"state":                 {pkce.State},
		"redirect_uri":          {c.redirectURI},
		"scope":                 {scope},
	}

	if loginHint != "" {
		params.Set("login_hint", loginHint)
	}

	rmap, nonce, err := c.postFormWithNonceRetry(ctx, parURL, params, dpopPrivateKey, "")
	if err != nil {
		return nil, err
	}

	return &ParAuthResponse{
		State:           pkce.State,
		AuthserverNonce: nonce,
		Resp:            rmap,
	}, nil
}

// InitialTokenRequest exchanges an authorization code for tokens. A failed
// exchange is never retried; the code is single-use and already consumed
// or expired.
func (c *Client) InitialTokenRequest(
	ctx context.Context,
	code,
	issuer,
	pkceVerifier,
	authserverNonce string,
	dpopPrivateKey jwk.Key,
) (*TokenResponse, error) {
	meta, err := c.FetchAuthServerMetadata(ctx, issuer)
	if err != nil {
		return nil, err
	}

	params := url.Values{
		"client_id":     {c.clientID},
		"redirect_uri":  {c.redirectURI},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {pkceVerifier},
	}

	rmap, nonce, err := c.postFormWithNonceRetry(ctx, meta.TokenEndpoint, params, dpopPrivateKey, authserverNonce)
	if err != nil {
		return nil, err
	}

	if errStr, ok := rmap["error"].(string); ok && errStr != "" {
		return nil, fmt.Errorf("token request failed: %s", errStr)
	}

	tr, err := tokenResponseFromMap(rmap)
	if err != nil {
		return nil, err
	}

	tr.AuthserverNonce = nonce
	return tr, nil
}

// RefreshTokenRequest exchanges a refresh token against the issuer's token
// endpoint.
func (c *Client) RefreshTokenRequest(
	ctx context.Context,
	refreshToken,
	issuer,
	authserverNonce string,
	dpopPrivateKey jwk.Key,
) (*TokenResponse, error) {
	meta, err := c.FetchAuthServerMetadata(ctx, issuer)
	if err != nil {
		return nil, err
	}

	params := url.Values{
		"client_id":     {c.clientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	rmap, nonce, err := c.postFormWithNonceRetry(ctx, meta.TokenEndpoint, params, dpopPrivateKey, authserverNonce)
	if err != nil {
		return nil, err
	}

	if errStr, ok := rmap["error"].(string); ok && errStr != "" {
		return nil, fmt.Errorf("token refresh failed: %s", errStr)
	}

	tr, err := tokenResponseFromMap(rmap)
	if err != nil {
		return nil, err
	}

	tr.AuthserverNonce = nonce
	return tr, nil
}

// RevokeToken is best-effort revocation at the issuer's revocation
// endpoint. Callers log failures but never block local cleanup on them.
func (c *Client) RevokeToken(ctx context.Context, meta *AuthServerMetadata, token string) error {
	if meta == nil || meta.RevocationEndpoint == "" {
		return fmt.Errorf("no revocation endpoint available")
	}

	params := url.Values{
		"client_id": {c.clientID},
		"token":     {token},
	}

	req, err := http.NewRequestWithContext(
		ctx,
		"POST",
		meta.RevocationEndpoint,
		strings.NewReader(params.Encode()),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.h.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation endpoint returned status %d", resp.StatusCode)
	}

	return nil
}

// postFormWithNonceRetry posts a DPoP-bound form to an authorization
// server endpoint, retrying exactly once when the server answers
// use_dpop_nonce with a fresh DPoP-Nonce header. Returns the decoded
// response body and the nonce in effect after the exchange.
func (c *Client) postFormWithNonceRetry(
	ctx context.Context,
	endpoint string,
	params url.Values,
	dpopPrivateKey jwk.Key,
	nonce string,
) (map[string]any, string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		dpopProof, err := BuildProof(dpopPrivateKey, "POST", endpoint, "", nonce)
		if err != nil {
			return nil, "", err
		}

		req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return nil, "", err
		}

		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("DPoP", dpopProof)

		resp, err := c.h.Do(req)
		if err != nil {
			return nil, "", err
		}

		var rmap map[string]any
		decodeErr := json.NewDecoder(resp.Body).Decode(&rmap)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, "", decodeErr
		}

		if attempt == 0 && isNonceChallenge(resp, rmap) {
			nonce = resp.Header.Get("DPoP-Nonce")
			continue
		}

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			errStr, _ := rmap["error"].(string)
			return nil, "", fmt.Errorf("authorization server returned status %d: %s", resp.StatusCode, errStr)
		}

		return rmap, nonce, nil
	}

	return nil, "", fmt.Errorf("authorization server demanded a dpop nonce twice")
}

func isNonceChallenge(resp *http.Response, rmap map[string]any) bool {
	if resp.Header.Get("DPoP-Nonce") == "" {
		return false
	}

	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusUnauthorized {
		return false
	}

	errStr, _ := rmap["error"].(string)
	return errStr == "use_dpop_nonce"
}

func tokenResponseFromMap(rmap map[string]any) (*TokenResponse, error) {
	b, err := json.Marshal(rmap)
	if err != nil {
		return nil, err
	}

	var tr TokenResponse
	if err := json.Unmarshal(b, &tr); err != nil {
		return nil, err
	}

	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response contained no access token")
	}

	return &tr, nil
}
