package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/MarcoPoloResearchLab/gatekeeper/internal/auth"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/feedback"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/metrics"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/oauth"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/pagination"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/sessions"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	principalContextKey   = "gatekeeper_principal"
	accessTokenContextKey = "gatekeeper_access_token"
)

var (
	errMissingSessions    = errors.New("session service dependency required")
	errMissingFeedback    = errors.New("feedback service dependency required")
	errMissingDirectory   = errors.New("user directory dependency required")
	errMissingStateCodec  = errors.New("oauth state codec required when providers are configured")
	errInvalidAuthHeader  = errors.New("authorization header missing or invalid")
	defaultAllowedOrigins = []string{"http://localhost:3000"}
)

// SessionService is the authentication surface the handlers call.
type SessionService interface {
	Register(ctx context.Context, input sessions.RegisterInput) (users.User, error)
	Login(ctx context.Context, email, password string) (sessions.Session, error)
	Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error)
	Logout(ctx context.Context, userID int64, refreshToken string) error
	RevokeAccessToken(ctx context.Context, accessToken string) error
	ValidateAccessToken(ctx context.Context, accessToken string) (sessions.Principal, error)
	HandleOAuthLogin(ctx context.Context, input sessions.OAuthLoginInput) (users.User, error)
	CreateSession(ctx context.Context, user users.User) (auth.TokenPair, error)
}

type FeedbackService interface {
	Create(ctx context.Context, input feedback.CreateInput) (feedback.Entry, error)
	List(ctx context.Context, request pagination.Request) (pagination.Page[feedback.Entry], error)
	Delete(ctx context.Context, id int64) error
}

// UserDirectory serves the admin user listing.
type UserDirectory interface {
	ListUsers(ctx context.Context, offset, limit int) ([]users.User, int64, error)
	FindUserByEmail(ctx context.Context, email string, includeSensitive bool) (users.User, error)
}

// RateLimit bounds requests per client address over a window.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

type Dependencies struct {
	Sessions       SessionService
	Feedback       FeedbackService
	Users          UserDirectory
	OAuthProviders *oauth.Registry
	OAuthState     *oauth.StateCodec
	Metrics        *metrics.Recorder
	MetricsHandler http.Handler
	AllowedOrigins []string
	AuthRateLimit  RateLimit
	SecureCookies  bool
	Environment    string
	Version        string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Feedback == nil {
		return nil, errMissingFeedback
	}
	if deps.Users == nil {
		return nil, errMissingDirectory
	}
	if len(deps.OAuthProviders.Names()) > 0 && deps.OAuthState == nil {
		return nil, errMissingStateCodec
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestTelemetry(logger, deps.Metrics))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:      deps.Sessions,
		feedback:      deps.Feedback,
		directory:     deps.Users,
		providers:     deps.OAuthProviders,
		state:         deps.OAuthState,
		secureCookies: deps.SecureCookies,
		environment:   deps.Environment,
		version:       deps.Version,
		startedAt:     time.Now(),
		logger:        logger,
	}

	router.GET("/health", handler.handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	throttle := newRateLimiter(deps.AuthRateLimit, logger).middleware
	authGroup := router.Group("/auth")
	authGroup.POST("/register", throttle, handler.handleRegister)
	authGroup.POST("/login", throttle, handler.handleLogin)
	authGroup.POST("/refresh", throttle, handler.handleRefresh)
	authGroup.POST("/logout", handler.authorizeRequest, handler.handleLogout)
	authGroup.GET("/me", handler.authorizeRequest, handler.handleMe)
	for _, name := range deps.OAuthProviders.Names() {
		provider, _ := deps.OAuthProviders.Lookup(string(name))
		authGroup.GET("/"+string(name), throttle, handler.handleOAuthStart(provider))
		authGroup.GET("/"+string(name)+"/callback", handler.handleOAuthCallback(provider))
	}

	router.POST("/feedback", handler.handleCreateFeedback)

	admin := router.Group("/")
	admin.Use(handler.authorizeRequest, requireRole(users.RoleAdmin, logger))
	admin.GET("/feedback", handler.handleListFeedback)
	admin.DELETE("/feedback/:id", handler.handleDeleteFeedback)
	admin.GET("/users", handler.handleListUsers)
	admin.GET("/users/:email", handler.handleGetUser)

	return router, nil
}

type httpHandler struct {
	sessions      SessionService
	feedback      FeedbackService
	directory     UserDirectory
	providers     *oauth.Registry
	state         *oauth.StateCodec
	secureCookies bool
	environment   string
	version       string
	startedAt     time.Time
	logger        *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := allowedOrigins
	if len(origins) == 0 {
		origins = defaultAllowedOrigins
	}
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	// browsers refuse credentials with a wildcard origin
	if slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

type healthPayload struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Environment   string `json:"environment"`
	Version       string `json:"version"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthPayload{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Environment:   h.environment,
		Version:       h.version,
	})
}
