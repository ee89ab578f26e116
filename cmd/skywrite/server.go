package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	slogecho "github.com/samber/slog-echo"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	auth "github.com/chronosky/skywrite"
)

type server struct {
	cfg         *config
	e           *echo.Echo
	db          *gorm.DB
	oauthClient *auth.Client
	resolver    *auth.Resolver
	logger      *slog.Logger

	authedMu      sync.Mutex
	authedClients map[string]*auth.AuthedClient
}

func newServer(cfg *config) (*server, error) {
	logger := slog.Default()

	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if err := auth.AutoMigrateStores(db); err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&PrimarySessionRecord{}); err != nil {
		return nil, err
	}

	oauthClient, err := auth.NewClient(auth.ClientArgs{
		ClientID:    cfg.clientMetadataURL(),
		RedirectURI: cfg.primaryCallbackURL(),
	})
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(session.Middleware(sessions.NewCookieStore([]byte(cfg.CookieSecret))))

	s := &server{
		cfg:           cfg,
		e:             e,
		db:            db,
		oauthClient:   oauthClient,
		resolver:      auth.NewResolver(auth.ResolverArgs{}),
		logger:        logger,
		authedClients: make(map[string]*auth.AuthedClient),
	}

	e.GET("/", s.handleHome)
	e.GET("/login", s.handleLoginForm)
	e.POST("/login", s.handleLoginSubmit)
	e.GET("/logout", s.handleLogout)
	e.GET("/oauth/client-metadata.json", s.handleClientMetadata)
	e.GET("/oauth/callback", s.handleCallback)
	e.GET("/oauth/chronosky/callback", s.handleChronoskyCallback)
	e.GET("/me", s.handleProfile)
	e.POST("/schedule", s.handleSchedule)

	return s, nil
}

func (s *server) run() error {
	httpd := http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.e,
	}

	s.logger.Info("starting skywrite", "addr", s.cfg.Addr)

	return httpd.ListenAndServe()
}

// scopeID identifies one browsing context. Pending auth attempts and both
// provider sessions are keyed on it, so tabs sharing the cookie share a
// login while separate browsers do not.
func (s *server) scopeID(e echo.Context) (string, error) {
	sess, err := session.Get("session", e)
	if err != nil {
		return "", err
	}

	if v, ok := sess.Values["scope"].(string); ok && v != "" {
		return v, nil
	}

	scope := uuid.NewString()

	sess.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
	}
	sess.Values["scope"] = scope

	if err := sess.Save(e.Request(), e.Response()); err != nil {
		return "", err
	}

	return scope, nil
}

func (s *server) pendingStore(scope, flow string) *auth.GormPendingStore {
	return auth.NewGormPendingStore(s.db, scope+":"+flow)
}

func (s *server) chronoskyStore(scope string) *auth.GormSecondaryStore {
	return auth.NewGormSecondaryStore(s.db, scope)
}

// authedClient returns the Chronosky request client for a scope. One
// instance per scope: the refresh interlock lives on the client, so
// concurrent requests from the same browsing context must share it.
func (s *server) authedClient(scope string) (*auth.AuthedClient, error) {
	s.authedMu.Lock()
	defer s.authedMu.Unlock()

	if c, ok := s.authedClients[scope]; ok {
		return c, nil
	}

	c, err := auth.NewAuthedClient(auth.AuthedClientArgs{
		Store:      s.chronoskyStore(scope),
		RefreshURL: s.cfg.ChronoskyProxyURL + "/oauth/refresh",
		Logger:     s.logger,
	})
	if err != nil {
		return nil, err
	}

	s.authedClients[scope] = c
	return c, nil
}

func (s *server) handleClientMetadata(e echo.Context) error {
	metadata := map[string]any{
		"client_id":                  s.cfg.clientMetadataURL(),
		"client_name":                "Skywrite",
		"client_uri":                 s.cfg.PublicURL,
		"redirect_uris":              []string{s.cfg.primaryCallbackURL(), s.cfg.chronoskyCallbackURL()},
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"scope":                      s.cfg.Scope,
		"application_type":           "web",
		"token_endpoint_auth_method": "none",
		"dpop_bound_access_tokens":   true,
	}

	return e.JSON(http.StatusOK, metadata)
}

func (s *server) handleHome(e echo.Context) error {
	scope, err := s.scopeID(e)
	if err != nil {
		return err
	}

	var primary PrimarySessionRecord
	s.db.Where("scope = ?", scope).First(&primary)

	chronoskyTokens, err := s.chronoskyStore(scope).Tokens()
	if err != nil {
		return err
	}

	return e.JSON(http.StatusOK, map[string]any{
		"loggedIn":           primary.Did != "",
		"did":                primary.Did,
		"handle":             primary.Handle,
		"chronoskyConnected": chronoskyTokens != nil,
	})
}

func (s *server) handleLoginForm(e echo.Context) error {
	return e.HTML(http.StatusOK, `<!doctype html>
<form method="post" action="/login">
  <input name="handle" placeholder="alice.bsky.social" autofocus>
  <label><input type="checkbox" name="chronosky" value="1"> connect chronosky</label>
  <button type="submit">sign in</button>
</form>`)
}
