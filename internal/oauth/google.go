package oauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/gatekeeper/internal/auth"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/users"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const defaultGoogleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// IDTokenVerifier checks an ID token returned alongside the access token.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (auth.GoogleIdentity, error)
}

// GoogleConfig configures the Google provider. Endpoint and UserInfoURL
// default to Google's production endpoints.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
	Endpoint     oauth2.Endpoint
	UserInfoURL  string
	Verifier     IDTokenVerifier
	HTTPClient   *http.Client
}

type GoogleProvider struct {
	config      *oauth2.Config
	userInfoURL string
	verifier    IDTokenVerifier
	httpClient  *http.Client
}

func NewGoogleProvider(cfg GoogleConfig) (*GoogleProvider, error) {
	if err := requireClient(users.ProviderGoogle, cfg.ClientID, cfg.ClientSecret, cfg.CallbackURL); err != nil {
		return nil, err
	}
	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = endpoints.Google
	}
	userInfoURL := strings.TrimSpace(cfg.UserInfoURL)
	if userInfoURL == "" {
		userInfoURL = defaultGoogleUserInfoURL
	}
	return &GoogleProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Endpoint:     endpoint,
			Scopes:       []string{"openid", "email", "profile"},
		},
		userInfoURL: userInfoURL,
		verifier:    cfg.Verifier,
		httpClient:  cfg.HTTPClient,
	}, nil
}

func (p *GoogleProvider) Name() users.Provider {
	return users.ProviderGoogle
}

func (p *GoogleProvider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

func (p *GoogleProvider) ExchangeCode(ctx context.Context, code string) (Token, error) {
	return exchange(ctx, p.config, p.httpClient, code)
}

type googleUserInfo struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// FetchProfile trusts a verified ID token when one was returned and otherwise
// asks the userinfo endpoint. Unverified addresses are refused.
func (p *GoogleProvider) FetchProfile(ctx context.Context, token Token) (Profile, error) {
	if token.IDToken != "" && p.verifier != nil {
		identity, err := p.verifier.Verify(ctx, token.IDToken)
		if err != nil {
			return Profile{}, fmt.Errorf("%w: id token: %v", ErrProfileUnavailable, err)
		}
		if !identity.EmailVerified {
			return Profile{}, ErrUnverifiedEmail
		}
		return Profile{ProviderUserID: identity.Subject, Email: identity.Email}, nil
	}

	var info googleUserInfo
	if err := fetchJSON(ctx, p.config, p.httpClient, token, p.userInfoURL, &info); err != nil {
		return Profile{}, err
	}
	if strings.TrimSpace(info.Subject) == "" {
		return Profile{}, fmt.Errorf("%w: userinfo missing subject", ErrProfileUnavailable)
	}
	if info.Email != "" && !info.EmailVerified {
		return Profile{}, ErrUnverifiedEmail
	}
	return Profile{
		ProviderUserID: info.Subject,
		Email:          users.NormalizeEmail(info.Email),
		Name:           info.Name,
	}, nil
}
