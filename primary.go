package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

type FlowState int

const (
	FlowIdle FlowState = iota
	FlowRedirecting
	FlowAwaitingCallback
	FlowEstablished
	FlowFailed
)

func (s FlowState) String() string {
	switch s {
	case FlowIdle:
		return "idle"
	case FlowRedirecting:
		return "redirecting"
	case FlowAwaitingCallback:
		return "awaiting-callback"
	case FlowEstablished:
		return "established"
	case FlowFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PrimarySession is the established home-PDS session. Consumers see only
// what they need: the subject DID, the audience endpoint, and the material
// required to make authenticated calls.
type PrimarySession struct {
	DID             string
	Handle          string
	PDSURL          string
	Issuer          string
	AccessToken     string
	RefreshToken    string
	ExpiresAt       time.Time
	AuthserverNonce string
	DPoPKey         jwk.Key
}

// PrimaryFlow drives the home-PDS login: Idle → Redirecting →
// AwaitingCallback → Established, or Failed. A Failed flow is terminal;
// the caller resets the UI to the login state and starts over.
type PrimaryFlow struct {
	client   *Client
	resolver IdentityResolver
	pkce     *PKCESession
	logger   *slog.Logger
	state    FlowState
}

type PrimaryFlowArgs struct {
	Client   *Client
	Resolver IdentityResolver
	Pending  PendingStore
	Logger   *slog.Logger
}

func NewPrimaryFlow(args PrimaryFlowArgs) (*PrimaryFlow, error) {
	if args.Client == nil {
		return nil, fmt.Errorf("no oauth client provided")
	}
	if args.Resolver == nil {
		return nil, fmt.Errorf("no identity resolver provided")
	}
	if args.Pending == nil {
		return nil, fmt.Errorf("no pending store provided")
	}
	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	return &PrimaryFlow{
		client:   args.Client,
		resolver: args.Resolver,
		pkce:     NewPKCESession(args.Pending),
		logger:   args.Logger,
		state:    FlowIdle,
	}, nil
}

func (f *PrimaryFlow) State() FlowState {
	return f.state
}

// SignIn resolves the handle, discovers its authorization server, pushes
// the authorization request, and returns the URL the browser must navigate
// to. The scope set is caller-specified; narrower and broader grants are
// both valid. Once navigation starts the flow cannot be cancelled.
func (f *PrimaryFlow) SignIn(ctx context.Context, handle string, scopes []string) (string, error) {
	identity, err := f.resolver.Resolve(ctx, handle)
	if err != nil {
		f.state = FlowFailed
		return "", err
	}

	issuer, err := f.client.ResolvePDSAuthServer(ctx, identity.PDSEndpoint)
	if err != nil {
		f.state = FlowFailed
		return "", err
	}

	meta, err := f.client.FetchAuthServerMetadata(ctx, issuer)
	if err != nil {
		f.state = FlowFailed
		return "", err
	}

	dpopKey, err := GenerateKeyPair(nil)
	if err != nil {
		f.state = FlowFailed
		return "", &KeyMaterialError{Err: err}
	}

	pkce, err := f.pkce.Begin()
	if err != nil {
		f.state = FlowFailed
		return "", err
	}

	f.state = FlowRedirecting

	scope := joinScopes(scopes)

	parResp, err := f.client.SendParAuthRequest(ctx, meta, pkce, handle, scope, dpopKey)
	if err != nil {
		f.state = FlowFailed
		return "", err
	}

	requestURI, ok := parResp.Resp["request_uri"].(string)
	if !ok || requestURI == "" {
		f.state = FlowFailed
		return "", fmt.Errorf("par response contained no request_uri")
	}

	keyJSON, err := SerializeKeyPair(dpopKey)
	if err != nil {
		f.state = FlowFailed
		return "", &KeyMaterialError{Err: err}
	}

	if err := f.pkce.Store().Save(&PendingAuth{
		State:           pkce.State,
		CodeVerifier:    pkce.CodeVerifier,
		Handle:          identity.Handle,
		DID:             identity.DID,
		PDSURL:          identity.PDSEndpoint,
		Issuer:          meta.Issuer,
		AuthserverNonce: parResp.AuthserverNonce,
		DPoPPrivateJWK:  string(keyJSON),
	}); err != nil {
		f.state = FlowFailed
		return "", err
	}

	u, err := url.Parse(meta.AuthorizationEndpoint)
	if err != nil {
		f.state = FlowFailed
		return "", err
	}

	q := url.Values{
		"client_id":   {f.client.clientID},
		"request_uri": {requestURI},
	}
	u.RawQuery = q.Encode()

	f.state = FlowAwaitingCallback

	return u.String(), nil
}

// CompleteCallback consumes the standard OAuth redirect parameters from
// /oauth/callback and exchanges the code. On any exchange error the flow is
// Failed: a failed exchange is never retried automatically since the code
// is single-use.
func (f *PrimaryFlow) CompleteCallback(ctx context.Context, query url.Values) (*PrimarySession, error) {
	if errParam := query.Get("error"); errParam != "" {
		f.state = FlowFailed
		return nil, fmt.Errorf("authorization server returned error: %s", errParam)
	}

	pending, err := f.pkce.Complete(query.Get("state"))
	if err != nil {
		f.state = FlowFailed
		return nil, err
	}

	if iss := query.Get("iss"); iss != "" && iss != pending.Issuer {
		f.state = FlowFailed
		return nil, &StateMismatchError{}
	}

	code := query.Get("code")
	if code == "" {
		f.state = FlowFailed
		return nil, fmt.Errorf("callback carried no authorization code")
	}

	dpopKey, err := LoadKeyPair([]byte(pending.DPoPPrivateJWK))
	if err != nil {
		f.state = FlowFailed
		return nil, err
	}

	tokenResp, err := f.client.InitialTokenRequest(
		ctx,
		code,
		pending.Issuer,
		pending.CodeVerifier,
		pending.AuthserverNonce,
		dpopKey,
	)
	if err != nil {
		f.state = FlowFailed
		return nil, err
	}

	if tokenResp.Sub != "" && tokenResp.Sub != pending.DID {
		f.state = FlowFailed
		return nil, fmt.Errorf("token subject %s does not match resolved did %s", tokenResp.Sub, pending.DID)
	}

	f.state = FlowEstablished

	return &PrimarySession{
		DID:             pending.DID,
		Handle:          pending.Handle,
		PDSURL:          pending.PDSURL,
		Issuer:          pending.Issuer,
		AccessToken:     tokenResp.AccessToken,
		RefreshToken:    tokenResp.RefreshToken,
		ExpiresAt:       time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
		AuthserverNonce: tokenResp.AuthserverNonce,
		DPoPKey:         dpopKey,
	}, nil
}

// SignOut revokes the session's tokens best-effort. Revocation failures
// are logged and swallowed: the user must always be able to leave an
// authenticated state even when the server-side call fails.
func (f *PrimaryFlow) SignOut(ctx context.Context, sess *PrimarySession) {
	if sess == nil {
		return
	}

	meta, err := f.client.FetchAuthServerMetadata(ctx, sess.Issuer)
	if err != nil {
		f.logger.Warn("could not discover revocation endpoint during sign-out", "err", err)
		f.state = FlowIdle
		return
	}

	if err := f.client.RevokeToken(ctx, meta, sess.RefreshToken); err != nil {
		f.logger.Warn("token revocation failed during sign-out", "did", sess.DID, "err", err)
	}

	f.state = FlowIdle
}

func joinScopes(scopes []string) string {
	if len(scopes) == 0 {
		return "atproto"
	}

	return strings.Join(scopes, " ")
}
