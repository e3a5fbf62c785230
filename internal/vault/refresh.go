package vault

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"formline/internal/config"
	"formline/internal/domain"
)

// Refresher exchanges a refresh token for a fresh access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// OAuthRefresher runs the standard refresh_token grant against a provider's token endpoint.
type OAuthRefresher struct {
	Config     oauth2.Config
	HTTPClient *http.Client
}

func (r OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if r.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTPClient)
	}
	return r.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

// RefreshersFromConfig builds one refresher per configured provider.
// Providers without a client id are left out.
func RefreshersFromConfig(cfg *config.Config) map[domain.Provider]Refresher {
	out := map[domain.Provider]Refresher{}
	if p := cfg.Providers.Gmail; p.ClientID != "" {
		out[domain.ProviderGmail] = oauthRefresher(p, endpoints.Google)
	}
	if p := cfg.Providers.Microsoft; p.ClientID != "" {
		out[domain.ProviderMicrosoft] = oauthRefresher(p, endpoints.AzureAD("common"))
	}
	return out
}

func oauthRefresher(p config.Provider, fallback oauth2.Endpoint) OAuthRefresher {
	endpoint := fallback
	if p.TokenURL != "" {
		endpoint.TokenURL = p.TokenURL
	}
	return OAuthRefresher{Config: oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint:     endpoint,
	}}
}
