package main

import (
	"net/http"

	"github.com/bluesky-social/indigo/xrpc"
	"github.com/labstack/echo/v4"
)

// handleProfile fetches the logged-in user's bsky profile from their PDS,
// DPoP-bound to the primary session's keypair.
func (s *server) handleProfile(e echo.Context) error {
	rec, err := s.getPrimarySession(e)
	if err != nil {
		return e.Redirect(http.StatusFound, "/login")
	}

	cli := &xrpc.Client{
		Host: rec.PdsUrl,
		DPopAuth: &xrpc.DPoPAuthInfo{
			PrivateJwk:    rec.DpopPrivateJwk,
			AuthServerIss: rec.AuthserverIss,
			AccessToken:   rec.AccessToken,
			Nonce:         rec.DpopPdsNonce,
		},
	}

	var profile map[string]any
	if err := cli.Do(
		e.Request().Context(),
		xrpc.Query,
		"",
		"app.bsky.actor.getProfile",
		map[string]any{"actor": rec.Did},
		nil,
		&profile,
	); err != nil {
		return err
	}

	return e.JSON(http.StatusOK, profile)
}
