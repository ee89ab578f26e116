package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthedStore(t *testing.T, expiresAt time.Time) *MemorySecondaryStore {
	t.Helper()

	store := NewMemorySecondaryStore()

	key, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	require.NoError(t, store.SetKey(key))

	require.NoError(t, store.SetTokens(&SecondaryTokens{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    expiresAt,
	}))

	return store
}

func proofClaims(t *testing.T, proof string) jwt.MapClaims {
	t.Helper()

	parser := jwt.NewParser()
	tok, _, err := parser.ParseUnverified(proof, jwt.MapClaims{})
	require.NoError(t, err)

	claims, ok := tok.Claims.(jwt.MapClaims)
	require.True(t, ok)
	return claims
}

func TestAuthedClientSetsHeaders(t *testing.T) {
	assert := assert.New(t)

	var gotAuth, gotProof string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotProof = r.Header.Get("DPoP")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	store := newAuthedStore(t, time.Now().Add(time.Hour))

	client, err := NewAuthedClient(AuthedClientArgs{
		Store:      store,
		RefreshURL: srv.URL + "/refresh",
	})
	require.NoError(t, err)

	var out map[string]any
	err = client.Do(context.Background(), "GET", srv.URL+"/api/posts?cursor=xyz", nil, &out)
	require.NoError(t, err)

	assert.Equal("DPoP access-1", gotAuth)
	require.NotEmpty(t, gotProof)

	claims := proofClaims(t, gotProof)
	assert.Equal("GET", claims["htm"])
	assert.Equal(srv.URL+"/api/posts", claims["htu"])
	assert.NotEmpty(claims["ath"])
	assert.Equal(true, out["ok"])
}

func TestAuthedClientNonceRetryOnce(t *testing.T) {
	assert := assert.New(t)

	attempts := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++

		claims := proofClaims(t, r.Header.Get("DPoP"))

		if attempts == 1 {
			w.Header().Set("DPoP-Nonce", "fresh-nonce")
			w.Header().Set("WWW-Authenticate", `DPoP error="use_dpop_nonce"`)
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"error": "use_dpop_nonce"})
			return
		}

		assert.Equal("fresh-nonce", claims["nonce"])
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	store := newAuthedStore(t, time.Now().Add(time.Hour))

	client, err := NewAuthedClient(AuthedClientArgs{
		Store:      store,
		RefreshURL: srv.URL + "/refresh",
	})
	require.NoError(t, err)

	err = client.Do(context.Background(), "POST", srv.URL+"/api/schedule", map[string]string{"text": "hi"}, nil)
	require.NoError(t, err)

	assert.Equal(2, attempts)

	// the learned nonce carries into subsequent requests
	err = client.Do(context.Background(), "POST", srv.URL+"/api/schedule", map[string]string{"text": "again"}, nil)
	require.NoError(t, err)
	assert.Equal(3, attempts)
}

func TestAuthedClientRefreshesExpiredToken(t *testing.T) {
	assert := assert.New(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/refresh", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal("refresh_token", r.Form.Get("grant_type"))
		assert.Equal("refresh-1", r.Form.Get("refresh_token"))
		assert.NotEmpty(r.Header.Get("DPoP"))

		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-2",
			"refresh_token": "refresh-2",
			"expires_in":    7200,
		})
	})
	mux.HandleFunc("/api/schedule", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("DPoP access-2", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newAuthedStore(t, time.Now().Add(-time.Minute))

	client, err := NewAuthedClient(AuthedClientArgs{
		Store:      store,
		RefreshURL: srv.URL + "/refresh",
	})
	require.NoError(t, err)

	err = client.Do(context.Background(), "POST", srv.URL+"/api/schedule", nil, nil)
	require.NoError(t, err)

	stored, err := store.Tokens()
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal("access-2", stored.AccessToken)
	assert.Equal("refresh-2", stored.RefreshToken)
	assert.True(stored.ExpiresAt.After(time.Now().Add(time.Hour)))
}

func TestAuthedClientConcurrentRefreshSingleExchange(t *testing.T) {
	assert := assert.New(t)

	var mu sync.Mutex
	refreshes := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/refresh", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		refreshes++
		n := refreshes
		mu.Unlock()

		// the first exchange rotates the refresh token; any racer
		// replaying the old one gets invalid_grant
		if n > 1 {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
			return
		}

		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-2",
			"refresh_token": "refresh-2",
			"expires_in":    7200,
		})
	})
	mux.HandleFunc("/api/schedule", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("DPoP access-2", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newAuthedStore(t, time.Now().Add(-time.Minute))

	client, err := NewAuthedClient(AuthedClientArgs{
		Store:      store,
		RefreshURL: srv.URL + "/refresh",
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = client.Do(context.Background(), "POST", srv.URL+"/api/schedule", nil, nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(err)
	}
	assert.Equal(1, refreshes)

	stored, err := store.Tokens()
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal("access-2", stored.AccessToken)
	assert.Equal("refresh-2", stored.RefreshToken)
}

func TestAuthedClientRefreshFailureClearsStore(t *testing.T) {
	assert := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
	}))
	defer srv.Close()

	store := newAuthedStore(t, time.Now().Add(-time.Minute))

	client, err := NewAuthedClient(AuthedClientArgs{
		Store:      store,
		RefreshURL: srv.URL + "/refresh",
	})
	require.NoError(t, err)

	err = client.Do(context.Background(), "POST", srv.URL+"/api/schedule", nil, nil)

	var expired *SessionExpiredError
	assert.ErrorAs(err, &expired)

	tokens, err := store.Tokens()
	assert.NoError(err)
	assert.Nil(tokens)
}

func TestAuthedClientNotAuthenticated(t *testing.T) {
	assert := assert.New(t)

	client, err := NewAuthedClient(AuthedClientArgs{
		Store:      NewMemorySecondaryStore(),
		RefreshURL: "https://proxy.chronosky.example/refresh",
	})
	require.NoError(t, err)

	err = client.Do(context.Background(), "GET", "https://chronosky.example/api/posts", nil, nil)

	var notAuthed *NotAuthenticatedError
	assert.ErrorAs(err, &notAuthed)
}

func TestAuthedClientMissingKeyMaterial(t *testing.T) {
	assert := assert.New(t)

	store := NewMemorySecondaryStore()
	require.NoError(t, store.SetTokens(&SecondaryTokens{
		AccessToken: "access-1",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))

	client, err := NewAuthedClient(AuthedClientArgs{
		Store:      store,
		RefreshURL: "https://proxy.chronosky.example/refresh",
	})
	require.NoError(t, err)

	err = client.Do(context.Background(), "GET", "https://chronosky.example/api/posts", nil, nil)

	var kmErr *KeyMaterialError
	assert.ErrorAs(err, &kmErr)
}

func TestAuthedClientServiceError(t *testing.T) {
	assert := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{"error": "forbidden", "message": "nope"})
	}))
	defer srv.Close()

	store := newAuthedStore(t, time.Now().Add(time.Hour))

	client, err := NewAuthedClient(AuthedClientArgs{
		Store:      store,
		RefreshURL: srv.URL + "/refresh",
	})
	require.NoError(t, err)

	err = client.Do(context.Background(), "GET", srv.URL+"/api/posts", nil, nil)

	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(http.StatusForbidden, svcErr.StatusCode)
	assert.Equal("forbidden", svcErr.ErrStr)
}
