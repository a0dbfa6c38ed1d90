package server

import (
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/gatekeeper/internal/feedback"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/pagination"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/users"
	"github.com/gin-gonic/gin"
)

type feedbackRequestPayload struct {
	Name    string `json:"name" binding:"required,min=2"`
	Email   string `json:"email" binding:"required,email"`
	Message string `json:"message" binding:"required,min=10"`
}

// handleCreateFeedback accepts anonymous submissions; a valid bearer token
// attributes the entry to its user.
func (h *httpHandler) handleCreateFeedback(c *gin.Context) {
	var request feedbackRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c)
		return
	}
	input := feedback.CreateInput{
		Name:    request.Name,
		Email:   request.Email,
		Message: request.Message,
	}
	if token, ok := bearerToken(c); ok {
		if principal, err := h.sessions.ValidateAccessToken(c.Request.Context(), token); err == nil {
			input.UserID = &principal.ID
		}
	}
	entry, err := h.feedback.Create(c.Request.Context(), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *httpHandler) handleListFeedback(c *gin.Context) {
	var request pagination.Request
	if err := c.ShouldBindQuery(&request); err != nil {
		respondInvalidRequest(c)
		return
	}
	page, err := h.feedback.List(c.Request.Context(), request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *httpHandler) handleDeleteFeedback(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondInvalidRequest(c)
		return
	}
	if err := h.feedback.Delete(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListUsers(c *gin.Context) {
	var request pagination.Request
	if err := c.ShouldBindQuery(&request); err != nil {
		respondInvalidRequest(c)
		return
	}
	request = request.Normalize()
	found, total, err := h.directory.ListUsers(c.Request.Context(), request.Offset(), request.Limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pagination.NewPage(request, found, total))
}

func (h *httpHandler) handleGetUser(c *gin.Context) {
	email := users.NormalizeEmail(c.Param("email"))
	if email == "" {
		respondInvalidRequest(c)
		return
	}
	user, err := h.directory.FindUserByEmail(c.Request.Context(), email, false)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}
