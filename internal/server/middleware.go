package server

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gatekeeper/internal/auth"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/metrics"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/sessions"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultAuthRequests = 5
	defaultAuthWindow   = time.Minute
	limiterIdleTTL      = 10 * time.Minute
	unmatchedRoute      = "unmatched"
)

func requestTelemetry(logger *zap.Logger, recorder *metrics.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		done := recorder.RequestStarted(c.Request.Method, route)
		started := time.Now()
		c.Next()
		status := c.Writer.Status()
		done(status)
		logger.Debug("request completed",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(started)))
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token, token != ""
}

// authorizeRequest resolves the bearer access token into a principal.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthHeader.Error()})
		return
	}
	principal, err := h.sessions.ValidateAccessToken(c.Request.Context(), token)
	if err != nil {
		h.logTokenRejection(err)
		h.respondError(c, err)
		return
	}
	c.Set(principalContextKey, principal)
	c.Set(accessTokenContextKey, token)
	c.Next()
}

func (h *httpHandler) logTokenRejection(err error) {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		h.logger.Info("token validation failed", zap.Error(err))
	case errors.Is(err, sessions.ErrConfiguration):
		// already logged by the session service
	default:
		h.logger.Warn("token validation failed", zap.Error(err))
	}
}

func principalFrom(c *gin.Context) (sessions.Principal, bool) {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return sessions.Principal{}, false
	}
	principal, ok := value.(sessions.Principal)
	return principal, ok
}

func requireRole(role users.Role, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := principalFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if principal.Role != role {
			logger.Warn("role check failed",
				zap.Int64("user_id", principal.ID),
				zap.String("required_role", string(role)))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client address.
type rateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	logger    *zap.Logger
	now       func() time.Time
}

func newRateLimiter(cfg RateLimit, logger *zap.Logger) *rateLimiter {
	requests := cfg.Requests
	if requests <= 0 {
		requests = defaultAuthRequests
	}
	window := cfg.Window
	if window <= 0 {
		window = defaultAuthWindow
	}
	return &rateLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Every(window / time.Duration(requests)),
		burst:    requests,
		logger:   logger,
		now:      time.Now,
	}
}

func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for candidate, entry := range l.limiters {
			if now.Sub(entry.lastSeen) > limiterIdleTTL {
				delete(l.limiters, candidate)
			}
		}
		l.lastSweep = now
	}

	entry, ok := l.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *rateLimiter) middleware(c *gin.Context) {
	clientIP := c.ClientIP()
	if !l.allow(clientIP) {
		l.logger.Warn("rate limit exceeded", zap.String("client_ip", clientIP), zap.String("route", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}
	c.Next()
}
