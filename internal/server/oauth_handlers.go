package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/gatekeeper/internal/oauth"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const oauthNonceCookie = "gatekeeper_oauth_nonce"

// handleOAuthStart redirects to the provider consent page. A valid bearer
// token on this request turns the flow into linking the provider to that user.
func (h *httpHandler) handleOAuthStart(provider oauth.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		var linkUserID int64
		if token, ok := bearerToken(c); ok {
			principal, err := h.sessions.ValidateAccessToken(c.Request.Context(), token)
			if err != nil {
				h.logTokenRejection(err)
				h.respondError(c, err)
				return
			}
			linkUserID = principal.ID
		}

		state, nonce, err := h.state.Issue(provider.Name(), linkUserID)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(oauthNonceCookie, nonce, int(h.state.TTL().Seconds()), callbackPath(provider), "", h.secureCookies, true)
		c.Redirect(http.StatusFound, provider.AuthCodeURL(state))
	}
}

func (h *httpHandler) handleOAuthCallback(provider oauth.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if denied := strings.TrimSpace(c.Query("error")); denied != "" {
			h.logger.Info("oauth consent denied", zap.String("provider", string(provider.Name())), zap.String("reason", denied))
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "oauth_denied"})
			return
		}

		nonce, _ := c.Cookie(oauthNonceCookie)
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(oauthNonceCookie, "", -1, callbackPath(provider), "", h.secureCookies, true)
		claims, err := h.state.Verify(c.Query("state"), provider.Name(), nonce)
		if err != nil {
			h.logger.Warn("oauth state rejected", zap.String("provider", string(provider.Name())), zap.Error(err))
			h.respondError(c, err)
			return
		}

		token, err := provider.ExchangeCode(ctx, c.Query("code"))
		if err != nil {
			h.respondError(c, err)
			return
		}
		profile, err := provider.FetchProfile(ctx, token)
		if err != nil {
			h.respondError(c, err)
			return
		}

		input := sessions.OAuthLoginInput{
			Provider:       provider.Name(),
			ProviderUserID: profile.ProviderUserID,
			Email:          profile.Email,
			AccessToken:    token.AccessToken,
			RefreshToken:   token.RefreshToken,
		}
		if claims.LinkUserID != 0 {
			input.ExistingUser = &sessions.Principal{ID: claims.LinkUserID}
		}
		user, err := h.sessions.HandleOAuthLogin(ctx, input)
		if err != nil {
			h.respondError(c, err)
			return
		}
		pair, err := h.sessions.CreateSession(ctx, user)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, sessions.Session{User: user, Tokens: pair})
	}
}

func callbackPath(provider oauth.Provider) string {
	return "/auth/" + string(provider.Name()) + "/callback"
}
