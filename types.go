package auth

import (
	"fmt"
	"net/url"
)

type ProtectedResource struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ResourceDocumentation  string   `json:"resource_documentation"`
}

// AuthServerMetadata is the authorization server's well-known metadata
// document. Only the fields this client reads are validated; the rest are
// carried opaquely.
type AuthServerMetadata struct {
	Issuer                             string   `json:"issuer"`
	ScopesSupported                    []string `json:"scopes_supported"`
	ResponseTypesSupported             []string `json:"response_types_supported"`
	GrantTypesSupported                []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported      []string `json:"code_challenge_methods_supported"`
	AuthorizationEndpoint              string   `json:"authorization_endpoint"`
	TokenEndpoint                      string   `json:"token_endpoint"`
	TokenEndpointAuthMethodsSupported  []string `json:"token_endpoint_auth_methods_supported"`
	RevocationEndpoint                 string   `json:"revocation_endpoint"`
	IntrospectionEndpoint              string   `json:"introspection_endpoint"`
	PushedAuthorizationRequestEndpoint string   `json:"pushed_authorization_request_endpoint"`
	RequirePushedAuthorizationRequests bool     `json:"require_pushed_authorization_requests"`
	DpopSigningAlgValuesSupported      []string `json:"dpop_signing_alg_values_supported"`
	ClientIDMetadataDocumentSupported  bool     `json:"client_id_metadata_document_supported"`
}

// Validate checks the metadata against the profile this public client
// depends on. fetchURL is the issuer address the document was fetched
// from; the issuer claim must match it.
func (m *AuthServerMetadata) Validate(fetchURL *url.URL) error {
	if fetchURL == nil {
		return fmt.Errorf("fetch url was nil")
	}

	iu, err := url.Parse(m.Issuer)
	if err != nil {
		return err
	}

	if iu.Hostname() != fetchURL.Hostname() {
		return fmt.Errorf("issuer hostname does not match fetch url hostname")
	}

	if !isLoopbackHost(iu.Hostname()) {
		if iu.Scheme != "https" {
			return fmt.Errorf("issuer url is not https")
		}

		if iu.Port() != "" {
			return fmt.Errorf("issuer port is not empty")
		}
	}

	if iu.Path != "" && iu.Path != "/" {
		return fmt.Errorf("issuer path is not /")
	}

	if iu.RawQuery != "" {
		return fmt.Errorf("issuer url params are not empty")
	}

	if m.AuthorizationEndpoint == "" {
		return fmt.Errorf("authorization_endpoint is empty")
	}

	if !tokenInSet("code", m.ResponseTypesSupported) {
		return fmt.Errorf("`code` is not in response_types_supported")
	}

	if !tokenInSet("authorization_code", m.GrantTypesSupported) {
		return fmt.Errorf("`authorization_code` is not in grant_types_supported")
	}

	if !tokenInSet("refresh_token", m.GrantTypesSupported) {
		return fmt.Errorf("`refresh_token` is not in grant_types_supported")
	}

	if !tokenInSet("S256", m.CodeChallengeMethodsSupported) {
		return fmt.Errorf("`S256` is not in code_challenge_methods_supported")
	}

	if !tokenInSet("none", m.TokenEndpointAuthMethodsSupported) {
		return fmt.Errorf("`none` is not in token_endpoint_auth_methods_supported")
	}

	if !tokenInSet("ES256", m.DpopSigningAlgValuesSupported) {
		return fmt.Errorf("`ES256` is not in dpop_signing_alg_values_supported")
	}

	return nil
}

func tokenInSet(token string, set []string) bool {
	for _, t := range set {
		if t == token {
			return true
		}
	}
	return false
}
