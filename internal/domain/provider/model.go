// Package provider holds the declarative registry of supported healthcare
// authorization servers. Providers are data, not code: per-provider behavior
// is captured by a closed auth-style tag plus flags, and the OAuth engine
// selects its request shape from those.
package provider

// Category groups providers by the kind of organization behind the FHIR
// endpoint.
type Category string

const (
	CategoryEMR   Category = "emr"
	CategoryPayer Category = "payer"
	CategoryLab   Category = "lab"
)

// AuthStyle is the closed set of token-endpoint client authentication
// strategies.
type AuthStyle string

const (
	// AuthStylePKCE is a public client: PKCE verifier in the token exchange,
	// client_id in the form body, no Basic header (a client_secret may still
	// be sent in the body when configured).
	AuthStylePKCE AuthStyle = "pkce"
	// AuthStyleBasic is a confidential client: HTTP Basic authentication
	// with client_id:client_secret, no PKCE parameters.
	AuthStyleBasic AuthStyle = "basic"
)

// Config describes one authorization server and FHIR base. Loaded at
// startup and immutable afterwards.
type Config struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Category    Category `json:"category"`

	FHIRBaseURL  string `json:"fhir_base_url"`
	AuthorizeURL string `json:"authorize_url"`
	TokenURL     string `json:"token_url"`
	Scopes       string `json:"scopes"`

	AuthStyle AuthStyle `json:"auth_style"`

	// RequiresAudience makes the authorization request carry an aud
	// parameter. Audience defaults to FHIRBaseURL when unset.
	RequiresAudience bool   `json:"requires_audience"`
	Audience         string `json:"audience,omitempty"`

	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"-"`
}

// EffectiveAudience returns the aud value sent to the authorization server.
func (c Config) EffectiveAudience() string {
	if !c.RequiresAudience {
		return ""
	}
	if c.Audience != "" {
		return c.Audience
	}
	return c.FHIRBaseURL
}

// Configured reports whether the provider carries the minimum values needed
// to start a flow. A provider present in the catalog but not yet configured
// is listed to callers with configured=false and rejected by Initiate.
func (c Config) Configured() bool {
	return c.ClientID != "" && c.AuthorizeURL != ""
}

// UsesPKCE reports whether the authorization request carries a PKCE
// challenge.
func (c Config) UsesPKCE() bool {
	return c.AuthStyle == AuthStylePKCE
}
