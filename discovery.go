package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// MetadataFetcher locates an authorization server for a PDS and fetches
// its metadata. Satisfied by *Client.
type MetadataFetcher interface {
	ResolvePDSAuthServer(ctx context.Context, pdsURL string) (string, error)
	FetchAuthServerMetadata(ctx context.Context, issuer string) (*AuthServerMetadata, error)
}

// ResolvePDSAuthServer asks the PDS's protected-resource document which
// authorization server fronts it. When the document is unreachable or
// names no servers, the PDS itself is treated as the issuer.
func (c *Client) ResolvePDSAuthServer(ctx context.Context, pdsURL string) (string, error) {
	u, err := isSafeAndParsed(pdsURL)
	if err != nil {
		return "", &DiscoveryError{Endpoint: pdsURL, Err: err}
	}

	u.Path = "/.well-known/oauth-protected-resource"

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return "", &DiscoveryError{Endpoint: pdsURL, Err: err}
	}

	resp, err := c.h.Do(req)
	if err != nil {
		return pdsURL, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return pdsURL, nil
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return pdsURL, nil
	}

	var resource ProtectedResource
	if err := json.Unmarshal(b, &resource); err != nil {
		return pdsURL, nil
	}

	if len(resource.AuthorizationServers) == 0 {
		return pdsURL, nil
	}

	return resource.AuthorizationServers[0], nil
}

// FetchAuthServerMetadata fetches and validates the issuer's well-known
// authorization-server metadata. Failures are DiscoveryError and are not
// retried within the attempt; the caller surfaces them to the user.
func (c *Client) FetchAuthServerMetadata(ctx context.Context, issuer string) (*AuthServerMetadata, error) {
	u, err := isSafeAndParsed(issuer)
	if err != nil {
		return nil, &DiscoveryError{Endpoint: issuer, Err: err}
	}

	u.Path = "/.well-known/oauth-authorization-server"

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, &DiscoveryError{Endpoint: issuer, Err: err}
	}

	resp, err := c.h.Do(req)
	if err != nil {
		return nil, &DiscoveryError{Endpoint: issuer, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &DiscoveryError{
			Endpoint: issuer,
			Err:      fmt.Errorf("received status %d from metadata endpoint", resp.StatusCode),
		}
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &DiscoveryError{Endpoint: issuer, Err: err}
	}

	var metadata AuthServerMetadata
	if err := json.Unmarshal(b, &metadata); err != nil {
		return nil, &DiscoveryError{Endpoint: issuer, Err: err}
	}

	if err := metadata.Validate(u); err != nil {
		return nil, &DiscoveryError{Endpoint: issuer, Err: err}
	}

	return &metadata, nil
}

// isSafeAndParsed rejects URLs we should never send credentials toward.
// Loopback hosts are exempt from the https and port requirements so local
// development and tests can run against plain-HTTP servers.
func isSafeAndParsed(ustr string) (*url.URL, error) {
	u, err := url.Parse(ustr)
	if err != nil {
		return nil, err
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("url hostname was empty")
	}

	if u.User != nil {
		return nil, fmt.Errorf("url user was not empty")
	}

	if !isLoopbackHost(u.Hostname()) {
		if u.Scheme != "https" {
			return nil, fmt.Errorf("input url is not https")
		}

		if u.Port() != "" {
			return nil, fmt.Errorf("url port was not empty")
		}
	}

	return u, nil
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
