package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"
)

// defaultTokenLifetime is assumed when the proxy relays no expires_at.
const defaultTokenLifetime = time.Hour

// SecondaryFlow drives the Chronosky authorization. The browser never
// talks to the scheduling service's authorization server directly: the
// redirect_uri points at a backend proxy which completes the code exchange
// server-side and relays the issued tokens back through the client's own
// callback route as query parameters.
//
// States: Idle → Redirecting → AwaitingProxyCallback → Established, or
// Failed. After any failure the caller restarts from Start; partial state
// is never reused across attempts.
type SecondaryFlow struct {
	resolver IdentityResolver
	meta     MetadataFetcher
	pkce     *PKCESession
	store    SecondaryStore
	logger   *slog.Logger
	state    FlowState

	clientID         string
	proxyCallbackURL string
	appCallbackURL   string
	scope            string
}

type SecondaryFlowArgs struct {
	Resolver IdentityResolver
	Metadata MetadataFetcher
	Pending  PendingStore
	Store    SecondaryStore
	Logger   *slog.Logger

	ClientID string

	// ProxyCallbackURL is the proxy's callback address, used as the
	// redirect_uri of the authorization request.
	ProxyCallbackURL string

	// AppCallbackURL is the client's own callback route, forwarded to the
	// proxy so it knows where to relay the tokens.
	AppCallbackURL string

	// Scope defaults to "atproto".
	Scope string
}

func NewSecondaryFlow(args SecondaryFlowArgs) (*SecondaryFlow, error) {
	if args.Resolver == nil {
		return nil, fmt.Errorf("no identity resolver provided")
	}
	if args.Metadata == nil {
		return nil, fmt.Errorf("no metadata fetcher provided")
	}
	if args.Pending == nil {
		return nil, fmt.Errorf("no pending store provided")
	}
	if args.Store == nil {
		return nil, fmt.Errorf("no secondary store provided")
	}
	if args.ClientID == "" {
		return nil, fmt.Errorf("no client id provided")
	}
	if args.ProxyCallbackURL == "" {
		return nil, fmt.Errorf("no proxy callback url provided")
	}
	if args.AppCallbackURL == "" {
		return nil, fmt.Errorf("no app callback url provided")
	}
	if args.Scope == "" {
		args.Scope = "atproto"
	}
	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	return &SecondaryFlow{
		resolver:         args.Resolver,
		meta:             args.Metadata,
		pkce:             NewPKCESession(args.Pending),
		store:            args.Store,
		logger:           args.Logger,
		state:            FlowIdle,
		clientID:         args.ClientID,
		proxyCallbackURL: args.ProxyCallbackURL,
		appCallbackURL:   args.AppCallbackURL,
		scope:            args.Scope,
	}, nil
}

func (f *SecondaryFlow) State() FlowState {
	return f.state
}

// Start resolves the handle against the user's own PDS (Chronosky
// authenticates the same atproto identity), generates and persists a fresh
// DPoP keypair so it survives the cross-origin round trip, and returns the
// authorization URL the browser must navigate to. One keypair per login:
// it is regenerated here and nowhere else.
func (f *SecondaryFlow) Start(ctx context.Context, handle string) (string, error) {
	identity, err := f.resolver.Resolve(ctx, handle)
	if err != nil {
		f.state = FlowFailed
		return "", err
	}

	issuer, err := f.meta.ResolvePDSAuthServer(ctx, identity.PDSEndpoint)
	if err != nil {
		f.state = FlowFailed
		return "", err
	}

	meta, err := f.meta.FetchAuthServerMetadata(ctx, issuer)
	if err != nil {
		f.state = FlowFailed
		return "", err
	}

	dpopKey, err := GenerateKeyPair(nil)
	if err != nil {
		f.state = FlowFailed
		return "", &KeyMaterialError{Err: err}
	}

	if err := f.store.SetKey(dpopKey); err != nil {
		f.state = FlowFailed
		return "", err
	}

	pkce, err := f.pkce.Begin()
	if err != nil {
		f.state = FlowFailed
		return "", err
	}

	if err := f.pkce.Store().Save(&PendingAuth{
		State:        pkce.State,
		CodeVerifier: pkce.CodeVerifier,
		Handle:       identity.Handle,
		DID:          identity.DID,
		PDSURL:       identity.PDSEndpoint,
		Issuer:       meta.Issuer,
	}); err != nil {
		f.state = FlowFailed
		return "", err
	}

	f.state = FlowRedirecting

	redirectURI, err := url.Parse(f.proxyCallbackURL)
	if err != nil {
		f.state = FlowFailed
		return "", err
	}

	rq := redirectURI.Query()
	rq.Set("return_uri", f.appCallbackURL)
	redirectURI.RawQuery = rq.Encode()

	u, err := url.Parse(meta.AuthorizationEndpoint)
	if err != nil {
		f.state = FlowFailed
		return "", err
	}

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {f.clientID},
		"redirect_uri":          {redirectURI.String()},
		"state":                 {pkce.State},
		"code_challenge":        {pkce.CodeChallenge},
		"code_challenge_method": {"S256"},
		"login_hint":            {handle},
		"scope":                 {f.scope},
	}
	u.RawQuery = q.Encode()

	f.state = FlowAwaitingCallback

	return u.String(), nil
}

// CompleteProxyCallback consumes the proxy's relay at
// /oauth/chronosky/callback. The proxy has already performed the code
// exchange; the query carries state, token, and optionally refresh_token
// and expires_at (unix seconds) instead of a code.
//
// On success the tokens are persisted next to the keypair generated at
// Start and the flow is Established. On any validation failure the flow is
// Failed, nothing is persisted, and all transient state is gone.
func (f *SecondaryFlow) CompleteProxyCallback(query url.Values) (*SecondaryTokens, error) {
	pending, err := f.pkce.Complete(query.Get("state"))
	if err != nil {
		f.state = FlowFailed
		return nil, err
	}

	accessToken := query.Get("token")
	if accessToken == "" {
		f.state = FlowFailed
		return nil, &MissingTokenError{}
	}

	expiresAt := time.Now().Add(defaultTokenLifetime)
	if raw := query.Get("expires_at"); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			f.state = FlowFailed
			return nil, fmt.Errorf("could not parse expires_at %q: %w", raw, err)
		}
		expiresAt = time.Unix(secs, 0)
	}

	tokens := &SecondaryTokens{
		AccessToken:  accessToken,
		RefreshToken: query.Get("refresh_token"),
		ExpiresAt:    expiresAt,
	}

	if err := f.store.SetTokens(tokens); err != nil {
		f.state = FlowFailed
		return nil, err
	}

	// identity and tokens land together or not at all
	if err := f.store.SetDID(pending.DID); err != nil {
		if clearErr := f.store.Clear(); clearErr != nil {
			f.logger.Warn("could not clear token store after failed did persist", "err", clearErr)
		}
		f.state = FlowFailed
		return nil, err
	}

	f.state = FlowEstablished

	return tokens, nil
}

// SignOut clears the stored Chronosky session. Independent of the primary
// session; callers cascade explicitly when they want both gone.
func (f *SecondaryFlow) SignOut() error {
	f.state = FlowIdle
	return f.store.Clear()
}
