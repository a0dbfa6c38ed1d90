package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/gatekeeper/internal/feedback"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/oauth"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/sessions"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{sessions.ErrDuplicateEmail, http.StatusConflict, "duplicate_email"},
	{sessions.ErrProviderAlreadyLinked, http.StatusConflict, "provider_already_linked"},
	{sessions.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
	{sessions.ErrMissingToken, http.StatusUnauthorized, "missing_token"},
	{sessions.ErrInvalidRefreshToken, http.StatusUnauthorized, "invalid_refresh_token"},
	{sessions.ErrTokenBlacklisted, http.StatusUnauthorized, "token_blacklisted"},
	{sessions.ErrUnauthenticated, http.StatusUnauthorized, "unauthorized"},
	{sessions.ErrConfiguration, http.StatusInternalServerError, "configuration_error"},
	{sessions.ErrInvalidInput, http.StatusBadRequest, "invalid_request"},
	{sessions.ErrMissingProviderEmail, http.StatusBadRequest, "missing_provider_email"},
	{sessions.ErrInvalidProviderIdentity, http.StatusBadRequest, "invalid_provider_identity"},
	{feedback.ErrInvalidInput, http.StatusBadRequest, "invalid_request"},
	{feedback.ErrNotFound, http.StatusNotFound, "not_found"},
	{users.ErrNotFound, http.StatusNotFound, "not_found"},
	{oauth.ErrInvalidState, http.StatusBadRequest, "invalid_state"},
	{oauth.ErrUnknownProvider, http.StatusNotFound, "unknown_provider"},
	{oauth.ErrUnverifiedEmail, http.StatusForbidden, "unverified_email"},
	{oauth.ErrExchangeFailed, http.StatusBadGateway, "provider_error"},
	{oauth.ErrProfileUnavailable, http.StatusBadGateway, "provider_error"},
}

// coder is implemented by the service errors of every domain package.
type coder interface {
	Code() string
}

func statusFor(err error) (int, string) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.err) {
			return mapping.status, mapping.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

// respondError writes the mapped status. Unmapped failures carry the service
// error code when there is one and are logged; domain outcomes are not.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, code := statusFor(err)
	body := gin.H{"error": code}
	if status == http.StatusInternalServerError || status == http.StatusBadGateway {
		var serviceErr coder
		if errors.As(err, &serviceErr) {
			body["code"] = serviceErr.Code()
		}
		h.logger.Error("request failed",
			zap.String("route", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}

func respondInvalidRequest(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
}
