package oauth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/gatekeeper/internal/users"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const defaultGitHubAPIBaseURL = "https://api.github.com"

// GitHubConfig configures the GitHub provider. Endpoint and APIBaseURL default
// to github.com.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
	Endpoint     oauth2.Endpoint
	APIBaseURL   string
	HTTPClient   *http.Client
}

type GitHubProvider struct {
	config     *oauth2.Config
	apiBaseURL string
	httpClient *http.Client
}

func NewGitHubProvider(cfg GitHubConfig) (*GitHubProvider, error) {
	if err := requireClient(users.ProviderGitHub, cfg.ClientID, cfg.ClientSecret, cfg.CallbackURL); err != nil {
		return nil, err
	}
	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = endpoints.GitHub
	}
	apiBaseURL := strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if apiBaseURL == "" {
		apiBaseURL = defaultGitHubAPIBaseURL
	}
	return &GitHubProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Endpoint:     endpoint,
			Scopes:       []string{"user:email"},
		},
		apiBaseURL: apiBaseURL,
		httpClient: cfg.HTTPClient,
	}, nil
}

func (p *GitHubProvider) Name() users.Provider {
	return users.ProviderGitHub
}

func (p *GitHubProvider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state)
}

func (p *GitHubProvider) ExchangeCode(ctx context.Context, code string) (Token, error) {
	return exchange(ctx, p.config, p.httpClient, code)
}

type gitHubUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type gitHubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// FetchProfile reads /user and takes the primary verified address from
// /user/emails, since the public profile address is optional and unverified.
func (p *GitHubProvider) FetchProfile(ctx context.Context, token Token) (Profile, error) {
	var user gitHubUser
	if err := fetchJSON(ctx, p.config, p.httpClient, token, p.apiBaseURL+"/user", &user); err != nil {
		return Profile{}, err
	}
	if user.ID == 0 {
		return Profile{}, fmt.Errorf("%w: github user missing id", ErrProfileUnavailable)
	}

	var addresses []gitHubEmail
	if err := fetchJSON(ctx, p.config, p.httpClient, token, p.apiBaseURL+"/user/emails", &addresses); err != nil {
		return Profile{}, err
	}
	email := ""
	for _, address := range addresses {
		if address.Primary && address.Verified {
			email = address.Email
			break
		}
	}

	name := user.Name
	if name == "" {
		name = user.Login
	}
	return Profile{
		ProviderUserID: strconv.FormatInt(user.ID, 10),
		Email:          users.NormalizeEmail(email),
		Name:           name,
	}, nil
}
