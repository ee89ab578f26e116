package auth

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixtureResolver struct {
	identity *Identity
	err      error
}

func (r *fixtureResolver) Resolve(ctx context.Context, handle string) (*Identity, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.identity, nil
}

type fixtureMetadata struct {
	issuer string
	meta   *AuthServerMetadata
}

func (m *fixtureMetadata) ResolvePDSAuthServer(ctx context.Context, pdsURL string) (string, error) {
	return m.issuer, nil
}

func (m *fixtureMetadata) FetchAuthServerMetadata(ctx context.Context, issuer string) (*AuthServerMetadata, error) {
	return m.meta, nil
}

func newTestSecondaryFlow(t *testing.T) (*SecondaryFlow, *MemoryPendingStore, *MemorySecondaryStore) {
	t.Helper()

	pending := NewMemoryPendingStore()
	store := NewMemorySecondaryStore()

	flow, err := NewSecondaryFlow(SecondaryFlowArgs{
		Resolver: &fixtureResolver{
			identity: &Identity{
				Handle:      "alice.example",
				DID:         "did:plc:aliceexample123",
				PDSEndpoint: "https://pds.example",
			},
		},
		Metadata: &fixtureMetadata{
			issuer: "https://pds.example",
			meta: &AuthServerMetadata{
				Issuer:                "https://pds.example",
				AuthorizationEndpoint: "https://pds.example/oauth/authorize",
				TokenEndpoint:         "https://pds.example/oauth/token",
			},
		},
		Pending:          pending,
		Store:            store,
		ClientID:         "https://skywrite.example/oauth/client-metadata.json",
		ProxyCallbackURL: "https://proxy.chronosky.example/oauth/callback",
		AppCallbackURL:   "https://skywrite.example/oauth/chronosky/callback",
	})
	require.NoError(t, err)

	return flow, pending, store
}

func TestSecondaryStartBuildsRedirectURL(t *testing.T) {
	assert := assert.New(t)

	flow, pending, store := newTestSecondaryFlow(t)

	redirect, err := flow.Start(context.Background(), "alice.example")
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal("S256", q.Get("code_challenge_method"))
	assert.Equal("alice.example", q.Get("login_hint"))
	assert.NotEmpty(q.Get("code_challenge"))
	assert.NotEmpty(q.Get("state"))

	// redirect_uri points at the proxy and forwards the app callback
	ru, err := url.Parse(q.Get("redirect_uri"))
	require.NoError(t, err)
	assert.Equal("proxy.chronosky.example", ru.Hostname())
	assert.Equal("https://skywrite.example/oauth/chronosky/callback", ru.Query().Get("return_uri"))

	// state and did persisted for the callback cross-check
	p, err := pending.Load()
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(q.Get("state"), p.State)
	assert.Equal("did:plc:aliceexample123", p.DID)

	// keypair persisted immediately so it survives the redirect
	key, err := store.Key()
	assert.NoError(err)
	assert.NotNil(key)

	assert.Equal(FlowAwaitingCallback, flow.State())
}

func TestSecondaryCallbackStateMismatch(t *testing.T) {
	assert := assert.New(t)

	flow, _, store := newTestSecondaryFlow(t)

	_, err := flow.Start(context.Background(), "alice.example")
	require.NoError(t, err)

	query := url.Values{
		"state":      {"not-the-stored-state"},
		"token":      {"abc"},
		"expires_at": {"1700000000"},
	}

	_, err = flow.CompleteProxyCallback(query)

	var mismatch *StateMismatchError
	assert.ErrorAs(err, &mismatch)
	assert.Equal(FlowFailed, flow.State())

	// no tokens persisted
	tokens, err := store.Tokens()
	assert.NoError(err)
	assert.Nil(tokens)
}

func TestSecondaryCallbackMissingToken(t *testing.T) {
	assert := assert.New(t)

	flow, pending, store := newTestSecondaryFlow(t)

	redirect, err := flow.Start(context.Background(), "alice.example")
	require.NoError(t, err)

	u, _ := url.Parse(redirect)
	state := u.Query().Get("state")

	_, err = flow.CompleteProxyCallback(url.Values{"state": {state}})

	var missing *MissingTokenError
	assert.ErrorAs(err, &missing)
	assert.Equal(FlowFailed, flow.State())

	tokens, err := store.Tokens()
	assert.NoError(err)
	assert.Nil(tokens)

	// transient state is gone either way
	p, err := pending.Load()
	assert.NoError(err)
	assert.Nil(p)
}

func TestSecondaryCallbackDefaults(t *testing.T) {
	assert := assert.New(t)

	flow, _, store := newTestSecondaryFlow(t)

	redirect, err := flow.Start(context.Background(), "alice.example")
	require.NoError(t, err)

	u, _ := url.Parse(redirect)
	state := u.Query().Get("state")

	before := time.Now()

	tokens, err := flow.CompleteProxyCallback(url.Values{
		"state": {state},
		"token": {"abc123"},
	})
	require.NoError(t, err)

	assert.Equal("abc123", tokens.AccessToken)
	assert.Equal("", tokens.RefreshToken)
	assert.WithinDuration(before.Add(time.Hour), tokens.ExpiresAt, 5*time.Second)
	assert.Equal(FlowEstablished, flow.State())

	stored, err := store.Tokens()
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal("abc123", stored.AccessToken)

	did, err := store.DID()
	assert.NoError(err)
	assert.Equal("did:plc:aliceexample123", did)
}

func TestSecondaryCallbackExplicitExpiry(t *testing.T) {
	assert := assert.New(t)

	flow, _, store := newTestSecondaryFlow(t)

	redirect, err := flow.Start(context.Background(), "alice.example")
	require.NoError(t, err)

	u, _ := url.Parse(redirect)
	state := u.Query().Get("state")

	tokens, err := flow.CompleteProxyCallback(url.Values{
		"state":         {state},
		"token":         {"abc"},
		"refresh_token": {"def"},
		"expires_at":    {"1700000000"},
	})
	require.NoError(t, err)

	assert.Equal("def", tokens.RefreshToken)
	assert.Equal(time.Unix(1700000000, 0), tokens.ExpiresAt)

	stored, err := store.Tokens()
	require.NoError(t, err)
	assert.True(stored.ExpiresAt.Equal(time.Unix(1700000000, 0)))
}

type didFailingStore struct {
	*MemorySecondaryStore
}

func (s *didFailingStore) SetDID(did string) error {
	return fmt.Errorf("disk full")
}

func TestSecondaryCallbackDIDPersistFailureLeavesNoTokens(t *testing.T) {
	assert := assert.New(t)

	pending := NewMemoryPendingStore()
	store := &didFailingStore{MemorySecondaryStore: NewMemorySecondaryStore()}

	flow, err := NewSecondaryFlow(SecondaryFlowArgs{
		Resolver: &fixtureResolver{
			identity: &Identity{
				Handle:      "alice.example",
				DID:         "did:plc:aliceexample123",
				PDSEndpoint: "https://pds.example",
			},
		},
		Metadata: &fixtureMetadata{
			issuer: "https://pds.example",
			meta: &AuthServerMetadata{
				Issuer:                "https://pds.example",
				AuthorizationEndpoint: "https://pds.example/oauth/authorize",
			},
		},
		Pending:          pending,
		Store:            store,
		ClientID:         "https://skywrite.example/oauth/client-metadata.json",
		ProxyCallbackURL: "https://proxy.chronosky.example/oauth/callback",
		AppCallbackURL:   "https://skywrite.example/oauth/chronosky/callback",
	})
	require.NoError(t, err)

	redirect, err := flow.Start(context.Background(), "alice.example")
	require.NoError(t, err)

	u, _ := url.Parse(redirect)

	_, err = flow.CompleteProxyCallback(url.Values{
		"state": {u.Query().Get("state")},
		"token": {"abc"},
	})

	assert.Error(err)
	assert.Equal(FlowFailed, flow.State())

	// tokens never persist without the identity next to them
	tokens, err := store.Tokens()
	assert.NoError(err)
	assert.Nil(tokens)
}

func TestSecondarySignOutClearsStore(t *testing.T) {
	assert := assert.New(t)

	flow, _, store := newTestSecondaryFlow(t)

	redirect, err := flow.Start(context.Background(), "alice.example")
	require.NoError(t, err)

	u, _ := url.Parse(redirect)
	_, err = flow.CompleteProxyCallback(url.Values{
		"state": {u.Query().Get("state")},
		"token": {"abc"},
	})
	require.NoError(t, err)

	require.NoError(t, flow.SignOut())

	tokens, err := store.Tokens()
	assert.NoError(err)
	assert.Nil(tokens)

	_, err = store.Key()
	var kmErr *KeyMaterialError
	assert.ErrorAs(err, &kmErr)
}
