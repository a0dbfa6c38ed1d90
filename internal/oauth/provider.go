// Package oauth performs the provider side of an OAuth sign-in: building the
// consent URL, exchanging the callback code and reading the caller's profile.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gatekeeper/internal/users"
	"golang.org/x/oauth2"
)

const maxProfileBodyBytes = 1 << 20

var (
	ErrUnknownProvider    = errors.New("oauth: unknown provider")
	ErrInvalidConfig      = errors.New("oauth: invalid provider config")
	ErrExchangeFailed     = errors.New("oauth: code exchange failed")
	ErrProfileUnavailable = errors.New("oauth: profile unavailable")
	ErrUnverifiedEmail    = errors.New("oauth: provider email not verified")
)

// Token is what a provider returns from the code exchange.
type Token struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
}

// Profile is the provider identity handed to the session layer.
type Profile struct {
	ProviderUserID string
	Email          string
	Name           string
}

// Provider is one external identity provider.
type Provider interface {
	Name() users.Provider
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (Token, error)
	FetchProfile(ctx context.Context, token Token) (Profile, error)
}

// Registry holds the providers enabled by configuration.
type Registry struct {
	providers map[users.Provider]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	registry := &Registry{providers: make(map[users.Provider]Provider, len(providers))}
	for _, provider := range providers {
		if provider == nil {
			continue
		}
		registry.providers[provider.Name()] = provider
	}
	return registry
}

// Lookup returns the provider registered under name.
func (r *Registry) Lookup(name string) (Provider, error) {
	if r == nil {
		return nil, ErrUnknownProvider
	}
	provider, ok := r.providers[users.Provider(strings.ToLower(strings.TrimSpace(name)))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return provider, nil
}

// Names lists the registered providers in a stable order.
func (r *Registry) Names() []users.Provider {
	if r == nil {
		return nil
	}
	names := make([]users.Provider, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// clientContext makes x/oauth2 use httpClient for the exchange and for
// clients it builds from ctx.
func clientContext(ctx context.Context, httpClient *http.Client) context.Context {
	if httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, httpClient)
}

func exchange(ctx context.Context, config *oauth2.Config, httpClient *http.Client, code string) (Token, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Token{}, fmt.Errorf("%w: authorization code required", ErrExchangeFailed)
	}
	token, err := config.Exchange(clientContext(ctx, httpClient), code)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	idToken, _ := token.Extra("id_token").(string)
	return Token{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      idToken,
		Expiry:       token.Expiry,
	}, nil
}

// fetchJSON performs an authorized GET and decodes the JSON body into target.
func fetchJSON(ctx context.Context, config *oauth2.Config, httpClient *http.Client, token Token, url string, target any) error {
	client := config.Client(clientContext(ctx, httpClient), &oauth2.Token{
		AccessToken: token.AccessToken,
		TokenType:   "Bearer",
	})
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProfileUnavailable, err)
	}
	request.Header.Set("Accept", "application/json")
	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProfileUnavailable, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrProfileUnavailable, url, response.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(response.Body, maxProfileBodyBytes)).Decode(target); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrProfileUnavailable, url, err)
	}
	return nil
}

func requireClient(provider users.Provider, clientID, clientSecret, callbackURL string) error {
	switch {
	case strings.TrimSpace(clientID) == "":
		return fmt.Errorf("%w: %s client id required", ErrInvalidConfig, provider)
	case strings.TrimSpace(clientSecret) == "":
		return fmt.Errorf("%w: %s client secret required", ErrInvalidConfig, provider)
	case strings.TrimSpace(callbackURL) == "":
		return fmt.Errorf("%w: %s callback url required", ErrInvalidConfig, provider)
	}
	return nil
}
