package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm/clause"

	auth "github.com/chronosky/skywrite"
)

func (s *server) primaryFlow(scope string) (*auth.PrimaryFlow, error) {
	return auth.NewPrimaryFlow(auth.PrimaryFlowArgs{
		Client:   s.oauthClient,
		Resolver: s.resolver,
		Pending:  s.pendingStore(scope, "primary"),
		Logger:   s.logger,
	})
}

func (s *server) chronoskyFlow(scope string) (*auth.SecondaryFlow, error) {
	return auth.NewSecondaryFlow(auth.SecondaryFlowArgs{
		Resolver:         s.resolver,
		Metadata:         s.oauthClient,
		Pending:          s.pendingStore(scope, "chronosky"),
		Store:            s.chronoskyStore(scope),
		Logger:           s.logger,
		ClientID:         s.cfg.clientMetadataURL(),
		ProxyCallbackURL: s.cfg.ChronoskyProxyURL + "/oauth/callback",
		AppCallbackURL:   s.cfg.chronoskyCallbackURL(),
	})
}

func (s *server) handleLoginSubmit(e echo.Context) error {
	handle := strings.ToLower(strings.TrimSpace(e.FormValue("handle")))
	if handle == "" {
		return e.Redirect(http.StatusFound, "/login?e=handle-empty")
	}

	_, herr := syntax.ParseHandle(handle)
	_, derr := syntax.ParseDID(handle)
	if herr != nil && derr != nil {
		return e.Redirect(http.StatusFound, "/login?e=handle-invalid")
	}

	scope, err := s.scopeID(e)
	if err != nil {
		return err
	}

	// a chronosky connection rides on an existing primary session; a plain
	// login starts the primary flow
	if e.FormValue("chronosky") == "1" {
		flow, err := s.chronoskyFlow(scope)
		if err != nil {
			return err
		}

		redirect, err := flow.Start(e.Request().Context(), handle)
		if err != nil {
			s.logger.Warn("chronosky authorization could not be started", "handle", handle, "err", err)
			return e.Redirect(http.StatusFound, "/login?e=chronosky-failed")
		}

		return e.Redirect(http.StatusFound, redirect)
	}

	flow, err := s.primaryFlow(scope)
	if err != nil {
		return err
	}

	redirect, err := flow.SignIn(e.Request().Context(), handle, strings.Fields(s.cfg.Scope))
	if err != nil {
		s.logger.Warn("sign-in could not be started", "handle", handle, "err", err)
		return e.Redirect(http.StatusFound, "/login?e=signin-failed")
	}

	return e.Redirect(http.StatusFound, redirect)
}

func (s *server) handleCallback(e echo.Context) error {
	scope, err := s.scopeID(e)
	if err != nil {
		return err
	}

	flow, err := s.primaryFlow(scope)
	if err != nil {
		return err
	}

	sess, err := flow.CompleteCallback(e.Request().Context(), e.QueryParams())
	if err != nil {
		s.logger.Warn("primary callback failed", "err", err)
		return e.Redirect(http.StatusFound, "/login?e=callback-failed")
	}

	keyJSON, err := auth.SerializeKeyPair(sess.DPoPKey)
	if err != nil {
		return err
	}

	rec := PrimarySessionRecord{
		Scope:           scope,
		Did:             sess.DID,
		Handle:          sess.Handle,
		PdsUrl:          sess.PDSURL,
		AuthserverIss:   sess.Issuer,
		AccessToken:     sess.AccessToken,
		RefreshToken:    sess.RefreshToken,
		Expiration:      sess.ExpiresAt,
		AuthserverNonce: sess.AuthserverNonce,
		DpopPrivateJwk:  string(keyJSON),
	}

	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}},
		UpdateAll: true,
	}).Create(&rec).Error; err != nil {
		return err
	}

	return e.Redirect(http.StatusFound, "/")
}

func (s *server) handleChronoskyCallback(e echo.Context) error {
	scope, err := s.scopeID(e)
	if err != nil {
		return err
	}

	flow, err := s.chronoskyFlow(scope)
	if err != nil {
		return err
	}

	if _, err := flow.CompleteProxyCallback(e.QueryParams()); err != nil {
		s.logger.Warn("chronosky callback failed", "err", err)
		return e.Redirect(http.StatusFound, "/login?e=chronosky-callback-failed")
	}

	return e.Redirect(http.StatusFound, "/")
}

// handleLogout clears one provider's session, or both with ?all=1. The two
// providers are independent; nothing cascades unless asked for.
func (s *server) handleLogout(e echo.Context) error {
	scope, err := s.scopeID(e)
	if err != nil {
		return err
	}

	all := e.QueryParam("all") == "1"
	provider := e.QueryParam("provider")

	if all || provider == "" || provider == "primary" {
		var rec PrimarySessionRecord
		if err := s.db.Where("scope = ?", scope).First(&rec).Error; err == nil {
			flow, err := s.primaryFlow(scope)
			if err == nil {
				flow.SignOut(e.Request().Context(), &auth.PrimarySession{
					DID:          rec.Did,
					Issuer:       rec.AuthserverIss,
					RefreshToken: rec.RefreshToken,
				})
			}
		}

		if err := s.db.Where("scope = ?", scope).Delete(&PrimarySessionRecord{}).Error; err != nil {
			return err
		}
	}

	if all || provider == "chronosky" {
		if err := s.chronoskyStore(scope).Clear(); err != nil {
			return err
		}
	}

	return e.Redirect(http.StatusFound, "/")
}

// getPrimarySession loads the home-PDS session, refreshing its tokens when
// they are within five minutes of expiry.
func (s *server) getPrimarySession(e echo.Context) (*PrimarySessionRecord, error) {
	scope, err := s.scopeID(e)
	if err != nil {
		return nil, err
	}

	var rec PrimarySessionRecord
	if err := s.db.Where("scope = ?", scope).First(&rec).Error; err != nil {
		return nil, err
	}

	if time.Until(rec.Expiration) > 5*time.Minute {
		return &rec, nil
	}

	privateKey, err := auth.LoadKeyPair([]byte(rec.DpopPrivateJwk))
	if err != nil {
		return nil, err
	}

	resp, err := s.oauthClient.RefreshTokenRequest(
		e.Request().Context(),
		rec.RefreshToken,
		rec.AuthserverIss,
		rec.AuthserverNonce,
		privateKey,
	)
	if err != nil {
		return nil, err
	}

	rec.AccessToken = resp.AccessToken
	rec.RefreshToken = resp.RefreshToken
	rec.AuthserverNonce = resp.AuthserverNonce
	rec.Expiration = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)

	if err := s.db.Save(&rec).Error; err != nil {
		return nil, err
	}

	return &rec, nil
}
