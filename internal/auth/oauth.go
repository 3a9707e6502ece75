package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/nimbus-cp/nimbus/internal/shared"
)

// ExternalIdentity is what a provider hands back after code exchange.
type ExternalIdentity struct {
	Provider   string
	ExternalID string
	Email      string
	Username   string
}

// Exchanger turns an authorization code into a verified external identity.
type Exchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (ExternalIdentity, error)
}

// ProviderConfig holds one provider's client credentials.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// OAuthRegistry maps provider names to exchangers.
type OAuthRegistry struct {
	providers map[string]Exchanger
}

// NewOAuthRegistry wires the supported providers. Providers with empty
// credentials are left out, so the registry reflects actual configuration.
func NewOAuthRegistry(configs map[string]ProviderConfig) *OAuthRegistry {
	reg := &OAuthRegistry{providers: map[string]Exchanger{}}
	for name, pc := range configs {
		if pc.ClientID == "" {
			continue
		}
		spec, ok := providerSpecs[name]
		if !ok {
			continue
		}
		reg.providers[name] = &oauthExchanger{
			name: name,
			conf: &oauth2.Config{
				ClientID:     pc.ClientID,
				ClientSecret: pc.ClientSecret,
				RedirectURL:  pc.RedirectURL,
				Scopes:       spec.scopes,
				Endpoint:     spec.endpoint,
			},
			userInfoURL: spec.userInfoURL,
		}
	}
	return reg
}

// Register adds or replaces a provider under the given name.
func (r *OAuthRegistry) Register(name string, ex Exchanger) {
	r.providers[name] = ex
}

// Names lists the configured providers.
func (r *OAuthRegistry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// Get resolves a provider by name.
func (r *OAuthRegistry) Get(name string) (Exchanger, error) {
	ex, ok := r.providers[name]
	if !ok {
		return nil, shared.ErrUnknownProvider
	}
	return ex, nil
}

type providerSpec struct {
	endpoint    oauth2.Endpoint
	scopes      []string
	userInfoURL string
}

var providerSpecs = map[string]providerSpec{
	"github": {
		endpoint:    endpoints.GitHub,
		scopes:      []string{"read:user", "user:email"},
		userInfoURL: "https://api.github.com/user",
	},
	"gitlab": {
		endpoint:    endpoints.GitLab,
		scopes:      []string{"read_user"},
		userInfoURL: "https://gitlab.com/api/v4/user",
	},
	"linkedin": {
		endpoint:    endpoints.LinkedIn,
		scopes:      []string{"openid", "email", "profile"},
		userInfoURL: "https://api.linkedin.com/v2/userinfo",
	},
	"google": {
		endpoint:    endpoints.Google,
		scopes:      []string{"openid", "email", "profile"},
		userInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
	},
}

type oauthExchanger struct {
	name        string
	conf        *oauth2.Config
	userInfoURL string
}

func (e *oauthExchanger) AuthCodeURL(state string) string {
	return e.conf.AuthCodeURL(state)
}

// Exchange trades the code for a token and fetches the provider's user
// record over the authenticated client.
func (e *oauthExchanger) Exchange(ctx context.Context, code string) (ExternalIdentity, error) {
	token, err := e.conf.Exchange(ctx, code)
	if err != nil {
		return ExternalIdentity{}, fmt.Errorf("auth: %s code exchange: %w", e.name, err)
	}

	client := e.conf.Client(ctx, token)
	resp, err := client.Get(e.userInfoURL)
	if err != nil {
		return ExternalIdentity{}, fmt.Errorf("auth: %s userinfo: %w", e.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ExternalIdentity{}, fmt.Errorf("auth: %s userinfo status %d", e.name, resp.StatusCode)
	}

	var info struct {
		ID       json.Number `json:"id"`
		Sub      string      `json:"sub"`
		Email    string      `json:"email"`
		Login    string      `json:"login"`
		Username string      `json:"username"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return ExternalIdentity{}, fmt.Errorf("auth: %s userinfo decode: %w", e.name, err)
	}

	ext := ExternalIdentity{
		Provider:   e.name,
		ExternalID: info.ID.String(),
		Email:      info.Email,
		Username:   info.Login,
	}
	if ext.ExternalID == "" {
		ext.ExternalID = info.Sub
	}
	if ext.Username == "" {
		ext.Username = info.Username
	}
	if ext.ExternalID == "" {
		return ExternalIdentity{}, fmt.Errorf("auth: %s userinfo missing id", e.name)
	}
	return ext, nil
}
