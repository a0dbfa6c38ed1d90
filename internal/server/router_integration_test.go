package server

import (
	"bytes"
	contextpkg "context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gatekeeper/internal/auth"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/database"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/feedback"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/metrics"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/oauth"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/revocation"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/sessions"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/users"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

type integrationStack struct {
	handler  http.Handler
	sessions *sessions.Service
	provider *fakeProvider
}

func newIntegrationStack(t *testing.T, limit RateLimit) *integrationStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "gatekeeper.db"),
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	redisServer := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	registry := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(registry)
	if err != nil {
		t.Fatalf("failed to create metrics recorder: %v", err)
	}

	store, err := users.NewStore(users.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create identity store: %v", err)
	}
	revocations, err := revocation.NewRedisStore(revocation.RedisStoreConfig{Client: client})
	if err != nil {
		t.Fatalf("failed to create revocation store: %v", err)
	}
	sessionService, err := sessions.NewService(sessions.ServiceConfig{
		Store:  store,
		Hasher: auth.NewBcryptHasher(auth.BcryptHasherConfig{Workers: 4}),
		Tokens: auth.NewTokenIssuer(auth.TokenIssuerConfig{
			Access:  auth.SigningKey{Secret: []byte("access-secret"), TTL: 15 * time.Minute},
			Refresh: auth.SigningKey{Secret: []byte("refresh-secret"), TTL: 7 * 24 * time.Hour},
			Issuer:  "gatekeeper",
		}),
		Revocations: revocations,
		Events:      recorder,
	})
	if err != nil {
		t.Fatalf("failed to create session service: %v", err)
	}
	feedbackService, err := feedback.NewService(feedback.ServiceConfig{
		Database: db,
		Cache:    feedback.NewRedisListCache(client, time.Minute),
	})
	if err != nil {
		t.Fatalf("failed to create feedback service: %v", err)
	}
	stateCodec, err := oauth.NewStateCodec("state-secret", 0, nil)
	if err != nil {
		t.Fatalf("failed to create state codec: %v", err)
	}
	provider := &fakeProvider{profile: oauth.Profile{ProviderUserID: "gh-1", Email: "octo@example.com"}}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:       sessionService,
		Feedback:       feedbackService,
		Users:          store,
		OAuthProviders: oauth.NewRegistry(provider),
		OAuthState:     stateCodec,
		Metrics:        recorder,
		MetricsHandler: metrics.Handler(registry),
		AllowedOrigins: []string{"http://localhost:3000"},
		AuthRateLimit:  limit,
		Environment:    "test",
		Version:        "test-build",
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &integrationStack{handler: handler, sessions: sessionService, provider: provider}
}

func (s *integrationStack) perform(t *testing.T, method, path string, body any, accessToken string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, want int) {
	t.Helper()
	if recorder.Code != want {
		t.Fatalf("unexpected status: got %d want %d (body %s)", recorder.Code, want, recorder.Body.String())
	}
}

func expectError(t *testing.T, recorder *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	expectStatus(t, recorder, status)
	payload := decodeBody[map[string]any](t, recorder)
	if payload["error"] != code {
		t.Fatalf("expected error %q, got %v", code, payload["error"])
	}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

type refreshBody struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *integrationStack) login(t *testing.T, email, password string) sessions.Session {
	t.Helper()
	recorder := s.perform(t, http.MethodPost, "/auth/login", credentials{Email: email, Password: password}, "")
	expectStatus(t, recorder, http.StatusOK)
	return decodeBody[sessions.Session](t, recorder)
}

func TestPasswordSessionLifecycle(t *testing.T) {
	stack := newIntegrationStack(t, RateLimit{Requests: 100, Window: time.Minute})

	registered := stack.perform(t, http.MethodPost, "/auth/register", credentials{Email: "Ada@Example.com", Password: "analytical-engine"}, "")
	expectStatus(t, registered, http.StatusCreated)
	if strings.Contains(registered.Body.String(), "password") {
		t.Fatalf("expected register response to omit credentials, got %s", registered.Body.String())
	}

	duplicate := stack.perform(t, http.MethodPost, "/auth/register", credentials{Email: "ada@example.com", Password: "analytical-engine"}, "")
	expectError(t, duplicate, http.StatusConflict, "duplicate_email")

	wrong := stack.perform(t, http.MethodPost, "/auth/login", credentials{Email: "ada@example.com", Password: "difference-engine"}, "")
	expectError(t, wrong, http.StatusUnauthorized, "invalid_credentials")

	session := stack.login(t, "ada@example.com", "analytical-engine")
	me := stack.perform(t, http.MethodGet, "/auth/me", nil, session.Tokens.AccessToken)
	expectStatus(t, me, http.StatusOK)
	mePayload := decodeBody[struct {
		User sessions.Principal `json:"user"`
	}](t, me)
	if mePayload.User.Email != "ada@example.com" || mePayload.User.Role != users.RoleUser {
		t.Fatalf("unexpected principal %+v", mePayload.User)
	}

	refreshed := stack.perform(t, http.MethodPost, "/auth/refresh", refreshBody{RefreshToken: session.Tokens.RefreshToken}, "")
	expectStatus(t, refreshed, http.StatusOK)
	rotated := decodeBody[struct {
		Tokens auth.TokenPair `json:"tokens"`
	}](t, refreshed).Tokens

	replayed := stack.perform(t, http.MethodPost, "/auth/refresh", refreshBody{RefreshToken: session.Tokens.RefreshToken}, "")
	expectError(t, replayed, http.StatusUnauthorized, "invalid_refresh_token")

	missing := stack.perform(t, http.MethodPost, "/auth/refresh", refreshBody{}, "")
	expectError(t, missing, http.StatusUnauthorized, "missing_token")

	loggedOut := stack.perform(t, http.MethodPost, "/auth/logout", refreshBody{RefreshToken: rotated.RefreshToken}, rotated.AccessToken)
	expectStatus(t, loggedOut, http.StatusOK)

	afterLogout := stack.perform(t, http.MethodGet, "/auth/me", nil, rotated.AccessToken)
	expectError(t, afterLogout, http.StatusUnauthorized, "token_blacklisted")
	refreshAfterLogout := stack.perform(t, http.MethodPost, "/auth/refresh", refreshBody{RefreshToken: rotated.RefreshToken}, "")
	expectError(t, refreshAfterLogout, http.StatusUnauthorized, "invalid_refresh_token")
}

func TestRegisterValidatesPayload(t *testing.T) {
	stack := newIntegrationStack(t, RateLimit{Requests: 100, Window: time.Minute})

	testCases := []struct {
		name string
		body credentials
	}{
		{name: "bad-email", body: credentials{Email: "not-an-email", Password: "long-enough"}},
		{name: "short-password", body: credentials{Email: "a@example.com", Password: "short"}},
		{name: "long-password", body: credentials{Email: "a@example.com", Password: strings.Repeat("x", 73)}},
		{name: "bad-role", body: credentials{Email: "a@example.com", Password: "long-enough", Role: "root"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := stack.perform(t, http.MethodPost, "/auth/register", testCase.body, "")
			expectError(t, recorder, http.StatusBadRequest, "invalid_request")
		})
	}
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	stack := newIntegrationStack(t, RateLimit{Requests: 100, Window: time.Minute})
	expectStatus(t, stack.perform(t, http.MethodPost, "/auth/register", credentials{Email: "admin@example.com", Password: "Admin1234", Role: "admin"}, ""), http.StatusCreated)
	expectStatus(t, stack.perform(t, http.MethodPost, "/auth/register", credentials{Email: "user@example.com", Password: "User12345"}, ""), http.StatusCreated)
	admin := stack.login(t, "admin@example.com", "Admin1234")
	regular := stack.login(t, "user@example.com", "User12345")

	expectError(t, stack.perform(t, http.MethodGet, "/users", nil, regular.Tokens.AccessToken), http.StatusForbidden, "forbidden")
	expectStatus(t, stack.perform(t, http.MethodGet, "/users", nil, ""), http.StatusUnauthorized)

	listed := stack.perform(t, http.MethodGet, "/users?page=1&limit=1", nil, admin.Tokens.AccessToken)
	expectStatus(t, listed, http.StatusOK)
	page := decodeBody[struct {
		Data []map[string]any `json:"data"`
		Meta struct {
			Total      int64 `json:"total"`
			TotalPages int   `json:"total_pages"`
		} `json:"meta"`
	}](t, listed)
	if len(page.Data) != 1 || page.Meta.Total != 2 || page.Meta.TotalPages != 2 {
		t.Fatalf("unexpected user page %+v", page)
	}
	if _, exposed := page.Data[0]["password_hash"]; exposed {
		t.Fatalf("expected password hash to be hidden")
	}

	found := stack.perform(t, http.MethodGet, "/users/USER@example.com", nil, admin.Tokens.AccessToken)
	expectStatus(t, found, http.StatusOK)
	expectError(t, stack.perform(t, http.MethodGet, "/users/ghost@example.com", nil, admin.Tokens.AccessToken), http.StatusNotFound, "not_found")
}

func TestFeedbackRoutes(t *testing.T) {
	stack := newIntegrationStack(t, RateLimit{Requests: 100, Window: time.Minute})
	expectStatus(t, stack.perform(t, http.MethodPost, "/auth/register", credentials{Email: "admin@example.com", Password: "Admin1234", Role: "admin"}, ""), http.StatusCreated)
	admin := stack.login(t, "admin@example.com", "Admin1234")

	created := stack.perform(t, http.MethodPost, "/feedback", map[string]string{
		"name":    "Grace",
		"email":   "grace@example.com",
		"message": "The login page works nicely.",
	}, "")
	expectStatus(t, created, http.StatusCreated)
	entry := decodeBody[feedback.Entry](t, created)
	if entry.UserID != nil {
		t.Fatalf("expected anonymous feedback, got user %d", *entry.UserID)
	}

	attributed := stack.perform(t, http.MethodPost, "/feedback", map[string]string{
		"name":    "Admin",
		"email":   "admin@example.com",
		"message": "Signed-in feedback is attributed.",
	}, admin.Tokens.AccessToken)
	expectStatus(t, attributed, http.StatusCreated)
	if decodeBody[feedback.Entry](t, attributed).UserID == nil {
		t.Fatalf("expected feedback to be attributed to the caller")
	}

	short := stack.perform(t, http.MethodPost, "/feedback", map[string]string{"name": "G", "email": "g@example.com", "message": "short"}, "")
	expectError(t, short, http.StatusBadRequest, "invalid_request")

	expectStatus(t, stack.perform(t, http.MethodGet, "/feedback", nil, ""), http.StatusUnauthorized)
	listed := stack.perform(t, http.MethodGet, "/feedback?limit=10", nil, admin.Tokens.AccessToken)
	expectStatus(t, listed, http.StatusOK)
	if page := decodeBody[struct {
		Data []feedback.Entry `json:"data"`
	}](t, listed); len(page.Data) != 2 {
		t.Fatalf("expected two entries, got %d", len(page.Data))
	}

	deleted := stack.perform(t, http.MethodDelete, fmt.Sprintf("/feedback/%d", entry.ID), nil, admin.Tokens.AccessToken)
	expectStatus(t, deleted, http.StatusNoContent)
	expectError(t, stack.perform(t, http.MethodDelete, fmt.Sprintf("/feedback/%d", entry.ID), nil, admin.Tokens.AccessToken), http.StatusNotFound, "not_found")
}

func TestAuthRoutesAreThrottled(t *testing.T) {
	stack := newIntegrationStack(t, RateLimit{Requests: 2, Window: time.Minute})
	body := credentials{Email: "nobody@example.com", Password: "whatever1"}

	expectStatus(t, stack.perform(t, http.MethodPost, "/auth/login", body, ""), http.StatusUnauthorized)
	expectStatus(t, stack.perform(t, http.MethodPost, "/auth/login", body, ""), http.StatusUnauthorized)
	expectError(t, stack.perform(t, http.MethodPost, "/auth/login", body, ""), http.StatusTooManyRequests, "rate_limited")

	expectStatus(t, stack.perform(t, http.MethodGet, "/health", nil, ""), http.StatusOK)
}

func TestHealthAndMetrics(t *testing.T) {
	stack := newIntegrationStack(t, RateLimit{Requests: 100, Window: time.Minute})
	stack.perform(t, http.MethodPost, "/auth/login", credentials{Email: "nobody@example.com", Password: "whatever1"}, "")

	health := stack.perform(t, http.MethodGet, "/health", nil, "")
	expectStatus(t, health, http.StatusOK)
	payload := decodeBody[healthPayload](t, health)
	if payload.Status != "ok" || payload.Environment != "test" || payload.Version != "test-build" {
		t.Fatalf("unexpected health payload %+v", payload)
	}

	scraped := stack.perform(t, http.MethodGet, "/metrics", nil, "")
	expectStatus(t, scraped, http.StatusOK)
	body := scraped.Body.String()
	if !strings.Contains(body, `gatekeeper_auth_events_total{flow="login",outcome="invalid_credentials"} 1`) {
		t.Fatalf("expected login outcome metric, got:\n%s", body)
	}
	if !strings.Contains(body, `gatekeeper_http_requests_total{method="POST",route="/auth/login",status="401"} 1`) {
		t.Fatalf("expected request metric, got:\n%s", body)
	}
}

func (s *integrationStack) startOAuth(t *testing.T, accessToken string) (string, *http.Cookie) {
	t.Helper()
	started := s.perform(t, http.MethodGet, "/auth/github", nil, accessToken)
	expectStatus(t, started, http.StatusFound)
	location, err := url.Parse(started.Header().Get("Location"))
	if err != nil {
		t.Fatalf("failed to parse redirect: %v", err)
	}
	var nonceCookie *http.Cookie
	for _, cookie := range started.Result().Cookies() {
		if cookie.Name == oauthNonceCookie {
			nonceCookie = cookie
		}
	}
	if nonceCookie == nil || !nonceCookie.HttpOnly {
		t.Fatalf("expected http-only nonce cookie")
	}
	return location.Query().Get("state"), nonceCookie
}

func (s *integrationStack) finishOAuth(t *testing.T, state string, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, "/auth/github/callback?code=provider-code&state="+url.QueryEscape(state), http.NoBody)
	if cookie != nil {
		request.AddCookie(cookie)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestOAuthCallbackSignsInAndRejectsSecondLink(t *testing.T) {
	stack := newIntegrationStack(t, RateLimit{Requests: 100, Window: time.Minute})

	state, cookie := stack.startOAuth(t, "")
	completed := stack.finishOAuth(t, state, cookie)
	expectStatus(t, completed, http.StatusOK)
	session := decodeBody[sessions.Session](t, completed)
	if session.User.Email != "octo@example.com" || session.Tokens.AccessToken == "" {
		t.Fatalf("unexpected oauth session %+v", session)
	}
	if stack.provider.exchangedCode != "provider-code" {
		t.Fatalf("expected callback code to be exchanged, got %q", stack.provider.exchangedCode)
	}
	expectStatus(t, stack.perform(t, http.MethodGet, "/auth/me", nil, session.Tokens.AccessToken), http.StatusOK)

	state, cookie = stack.startOAuth(t, "")
	expectError(t, stack.finishOAuth(t, state, cookie), http.StatusConflict, "provider_already_linked")
}

func TestOAuthCallbackRequiresNonceCookie(t *testing.T) {
	stack := newIntegrationStack(t, RateLimit{Requests: 100, Window: time.Minute})

	state, _ := stack.startOAuth(t, "")
	expectError(t, stack.finishOAuth(t, state, nil), http.StatusBadRequest, "invalid_state")
	if stack.provider.exchangedCode != "" {
		t.Fatalf("expected no code exchange without a valid state")
	}
}

func TestOAuthStartWithSessionLinksProvider(t *testing.T) {
	stack := newIntegrationStack(t, RateLimit{Requests: 100, Window: time.Minute})
	stack.provider.profile = oauth.Profile{ProviderUserID: "gh-2", Email: "different@example.com"}
	expectStatus(t, stack.perform(t, http.MethodPost, "/auth/register", credentials{Email: "owner@example.com", Password: "owner-pass"}, ""), http.StatusCreated)
	owner := stack.login(t, "owner@example.com", "owner-pass")

	state, cookie := stack.startOAuth(t, owner.Tokens.AccessToken)
	completed := stack.finishOAuth(t, state, cookie)
	expectStatus(t, completed, http.StatusOK)
	if session := decodeBody[sessions.Session](t, completed); session.User.Email != "owner@example.com" {
		t.Fatalf("expected provider to link to the signed-in user, got %+v", session.User)
	}

	expectError(t, stack.perform(t, http.MethodGet, "/auth/github", nil, "garbage"), http.StatusUnauthorized, "unauthorized")
}

type fakeProvider struct {
	profile       oauth.Profile
	exchangedCode string
}

func (p *fakeProvider) Name() users.Provider {
	return users.ProviderGitHub
}

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://provider.example.com/authorize?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) ExchangeCode(_ contextpkg.Context, code string) (oauth.Token, error) {
	p.exchangedCode = code
	return oauth.Token{AccessToken: "provider-access"}, nil
}

func (p *fakeProvider) FetchProfile(contextpkg.Context, oauth.Token) (oauth.Profile, error) {
	return p.profile, nil
}
