package main

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

type config struct {
	Addr         string `env:"SKYWRITE_ADDR" envDefault:":7070"`
	PublicURL    string `env:"SKYWRITE_PUBLIC_URL" envDefault:"http://127.0.0.1:7070"`
	DBPath       string `env:"SKYWRITE_DB_PATH" envDefault:"skywrite.db"`
	CookieSecret string `env:"SKYWRITE_COOKIE_SECRET" envDefault:"dev-secret-change-me"`

	// Scope is the space-separated grant set requested from the home PDS.
	Scope string `env:"SKYWRITE_OAUTH_SCOPE" envDefault:"atproto transition:generic"`

	// ChronoskyProxyURL is the backend proxy that performs the
	// scheduling-service code exchange on the browser's behalf.
	ChronoskyProxyURL string `env:"SKYWRITE_CHRONOSKY_PROXY_URL" envDefault:"https://auth.chronosky.app"`

	// ChronoskyAPIURL is the scheduling service itself.
	ChronoskyAPIURL string `env:"SKYWRITE_CHRONOSKY_API_URL" envDefault:"https://api.chronosky.app"`
}

func loadConfig() (*config, error) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("could not parse environment: %w", err)
	}

	cfg.PublicURL = strings.TrimSuffix(cfg.PublicURL, "/")
	cfg.ChronoskyProxyURL = strings.TrimSuffix(cfg.ChronoskyProxyURL, "/")
	cfg.ChronoskyAPIURL = strings.TrimSuffix(cfg.ChronoskyAPIURL, "/")

	return &cfg, nil
}

func (c *config) clientMetadataURL() string {
	return c.PublicURL + "/oauth/client-metadata.json"
}

func (c *config) primaryCallbackURL() string {
	return c.PublicURL + "/oauth/callback"
}

func (c *config) chronoskyCallbackURL() string {
	return c.PublicURL + "/oauth/chronosky/callback"
}
