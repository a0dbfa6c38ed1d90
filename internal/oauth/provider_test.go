package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/gatekeeper/internal/auth"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/users"
	"golang.org/x/oauth2"
)

type providerServer struct {
	server       *httptest.Server
	tokenStatus  int
	idToken      string
	userInfo     map[string]any
	gitHubUser   map[string]any
	gitHubEmails []map[string]any
	authHeaders  []string
	exchangeCode string
}

func newProviderServer(t *testing.T) *providerServer {
	t.Helper()
	ps := &providerServer{tokenStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse token request: %v", err)
		}
		ps.exchangeCode = r.PostForm.Get("code")
		if ps.tokenStatus != http.StatusOK {
			w.WriteHeader(ps.tokenStatus)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		payload := map[string]any{
			"access_token":  "provider-access",
			"token_type":    "bearer",
			"refresh_token": "provider-refresh",
			"expires_in":    3600,
		}
		if ps.idToken != "" {
			payload["id_token"] = ps.idToken
		}
		writeJSON(w, payload)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		ps.authHeaders = append(ps.authHeaders, r.Header.Get("Authorization"))
		writeJSON(w, ps.userInfo)
	})
	mux.HandleFunc("/api/user", func(w http.ResponseWriter, r *http.Request) {
		ps.authHeaders = append(ps.authHeaders, r.Header.Get("Authorization"))
		writeJSON(w, ps.gitHubUser)
	})
	mux.HandleFunc("/api/user/emails", func(w http.ResponseWriter, r *http.Request) {
		ps.authHeaders = append(ps.authHeaders, r.Header.Get("Authorization"))
		writeJSON(w, ps.gitHubEmails)
	})
	ps.server = httptest.NewServer(mux)
	t.Cleanup(ps.server.Close)
	return ps
}

func (ps *providerServer) endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   ps.server.URL + "/authorize",
		TokenURL:  ps.server.URL + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

type stubVerifier struct {
	identity auth.GoogleIdentity
	err      error
	seen     string
}

func (s *stubVerifier) Verify(_ context.Context, rawToken string) (auth.GoogleIdentity, error) {
	s.seen = rawToken
	return s.identity, s.err
}

func newGoogle(t *testing.T, ps *providerServer, verifier IDTokenVerifier) *GoogleProvider {
	t.Helper()
	provider, err := NewGoogleProvider(GoogleConfig{
		ClientID:     "google-client",
		ClientSecret: "google-secret",
		CallbackURL:  "http://localhost:3000/auth/google/callback",
		Endpoint:     ps.endpoint(),
		UserInfoURL:  ps.server.URL + "/userinfo",
		Verifier:     verifier,
		HTTPClient:   ps.server.Client(),
	})
	if err != nil {
		t.Fatalf("failed to create google provider: %v", err)
	}
	return provider
}

func TestGoogleAuthCodeURL(t *testing.T) {
	ps := newProviderServer(t)
	provider := newGoogle(t, ps, nil)

	parsed, err := url.Parse(provider.AuthCodeURL("signed-state"))
	if err != nil {
		t.Fatalf("failed to parse auth url: %v", err)
	}
	query := parsed.Query()
	if query.Get("state") != "signed-state" || query.Get("client_id") != "google-client" {
		t.Fatalf("unexpected auth url query %v", query)
	}
	if query.Get("scope") != "openid email profile" {
		t.Fatalf("unexpected scope %q", query.Get("scope"))
	}
	if query.Get("redirect_uri") != "http://localhost:3000/auth/google/callback" {
		t.Fatalf("unexpected redirect uri %q", query.Get("redirect_uri"))
	}
}

func TestGoogleUsesVerifiedIDToken(t *testing.T) {
	ps := newProviderServer(t)
	ps.idToken = "raw-id-token"
	verifier := &stubVerifier{identity: auth.GoogleIdentity{Subject: "google-sub", Email: "person@example.com", EmailVerified: true}}
	provider := newGoogle(t, ps, verifier)

	token, err := provider.ExchangeCode(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("unexpected exchange error: %v", err)
	}
	if ps.exchangeCode != "auth-code" {
		t.Fatalf("expected code to be forwarded, got %q", ps.exchangeCode)
	}
	if token.AccessToken != "provider-access" || token.RefreshToken != "provider-refresh" || token.IDToken != "raw-id-token" {
		t.Fatalf("unexpected token %+v", token)
	}

	profile, err := provider.FetchProfile(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected profile error: %v", err)
	}
	if verifier.seen != "raw-id-token" {
		t.Fatalf("expected id token to be verified")
	}
	if profile.ProviderUserID != "google-sub" || profile.Email != "person@example.com" {
		t.Fatalf("unexpected profile %+v", profile)
	}
	if len(ps.authHeaders) != 0 {
		t.Fatalf("expected userinfo to be skipped, got %v", ps.authHeaders)
	}
}

func TestGoogleRejectsBadIDToken(t *testing.T) {
	ps := newProviderServer(t)
	provider := newGoogle(t, ps, &stubVerifier{err: errors.New("bad signature")})

	_, err := provider.FetchProfile(context.Background(), Token{AccessToken: "a", IDToken: "forged"})
	if !errors.Is(err, ErrProfileUnavailable) {
		t.Fatalf("expected profile error, got %v", err)
	}

	provider = newGoogle(t, ps, &stubVerifier{identity: auth.GoogleIdentity{Subject: "s", Email: "e@example.com"}})
	if _, err := provider.FetchProfile(context.Background(), Token{AccessToken: "a", IDToken: "unverified"}); !errors.Is(err, ErrUnverifiedEmail) {
		t.Fatalf("expected unverified email, got %v", err)
	}
}

func TestGoogleFallsBackToUserInfo(t *testing.T) {
	ps := newProviderServer(t)
	ps.userInfo = map[string]any{"sub": "1234", "email": "Mixed@Example.com", "email_verified": true, "name": "Mixed Case"}
	provider := newGoogle(t, ps, nil)

	profile, err := provider.FetchProfile(context.Background(), Token{AccessToken: "provider-access"})
	if err != nil {
		t.Fatalf("unexpected profile error: %v", err)
	}
	if profile.ProviderUserID != "1234" || profile.Email != "mixed@example.com" || profile.Name != "Mixed Case" {
		t.Fatalf("unexpected profile %+v", profile)
	}
	if len(ps.authHeaders) != 1 || !strings.EqualFold(ps.authHeaders[0], "Bearer provider-access") {
		t.Fatalf("expected bearer authorization, got %v", ps.authHeaders)
	}

	ps.userInfo = map[string]any{"sub": "1234", "email": "x@example.com", "email_verified": false}
	if _, err := provider.FetchProfile(context.Background(), Token{AccessToken: "provider-access"}); !errors.Is(err, ErrUnverifiedEmail) {
		t.Fatalf("expected unverified email, got %v", err)
	}
}

func TestExchangeFailure(t *testing.T) {
	ps := newProviderServer(t)
	ps.tokenStatus = http.StatusBadRequest
	provider := newGoogle(t, ps, nil)

	if _, err := provider.ExchangeCode(context.Background(), "expired-code"); !errors.Is(err, ErrExchangeFailed) {
		t.Fatalf("expected exchange failure, got %v", err)
	}
	if _, err := provider.ExchangeCode(context.Background(), " "); !errors.Is(err, ErrExchangeFailed) {
		t.Fatalf("expected empty code to fail, got %v", err)
	}
}

func TestGitHubProfileUsesPrimaryVerifiedEmail(t *testing.T) {
	ps := newProviderServer(t)
	ps.gitHubUser = map[string]any{"id": 583231, "login": "octocat", "email": "public@example.com"}
	ps.gitHubEmails = []map[string]any{
		{"email": "old@example.com", "primary": false, "verified": true},
		{"email": "Octo@Example.com", "primary": true, "verified": true},
	}
	provider, err := NewGitHubProvider(GitHubConfig{
		ClientID:     "gh-client",
		ClientSecret: "gh-secret",
		CallbackURL:  "http://localhost:3000/auth/github/callback",
		Endpoint:     ps.endpoint(),
		APIBaseURL:   ps.server.URL + "/api/",
		HTTPClient:   ps.server.Client(),
	})
	if err != nil {
		t.Fatalf("failed to create github provider: %v", err)
	}
	if provider.Name() != users.ProviderGitHub {
		t.Fatalf("unexpected provider name %q", provider.Name())
	}

	token, err := provider.ExchangeCode(context.Background(), "gh-code")
	if err != nil {
		t.Fatalf("unexpected exchange error: %v", err)
	}
	profile, err := provider.FetchProfile(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected profile error: %v", err)
	}
	if profile.ProviderUserID != "583231" || profile.Email != "octo@example.com" || profile.Name != "octocat" {
		t.Fatalf("unexpected profile %+v", profile)
	}

	ps.gitHubEmails = []map[string]any{{"email": "unverified@example.com", "primary": true, "verified": false}}
	profile, err = provider.FetchProfile(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected profile error: %v", err)
	}
	if profile.Email != "" {
		t.Fatalf("expected unverified address to be ignored, got %q", profile.Email)
	}
}

func TestProviderConfigValidation(t *testing.T) {
	if _, err := NewGoogleProvider(GoogleConfig{ClientID: "id", CallbackURL: "http://cb"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected missing secret to be rejected, got %v", err)
	}
	if _, err := NewGitHubProvider(GitHubConfig{ClientID: "id", ClientSecret: "secret"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected missing callback to be rejected, got %v", err)
	}
}

func TestRegistryLookup(t *testing.T) {
	ps := newProviderServer(t)
	registry := NewRegistry(newGoogle(t, ps, nil), nil)

	provider, err := registry.Lookup("Google")
	if err != nil || provider.Name() != users.ProviderGoogle {
		t.Fatalf("expected google provider, got %v (%v)", provider, err)
	}
	if _, err := registry.Lookup("github"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected unknown provider, got %v", err)
	}
	if names := registry.Names(); len(names) != 1 || names[0] != users.ProviderGoogle {
		t.Fatalf("unexpected names %v", names)
	}
}
