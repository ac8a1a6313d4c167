package api

import (
	"log/slog"
	"net/http"

	"github.com/GianGuaz256/vending-server/internal/auth"
	"github.com/GianGuaz256/vending-server/internal/payload"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

type AuthHandler struct {
	service *auth.Service
	logger  *slog.Logger
}

func NewAuthHandler(service *auth.Service, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{service: service, logger: logger}
}

func (h *AuthHandler) Token(c *gin.Context) {
	var req payload.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, payload.ErrorResponse{Error: "invalid_request", Detail: err.Error()})
		return
	}

	resp, err := h.service.IssueToken(c.Request.Context(), req, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			c.JSON(http.StatusUnauthorized, payload.ErrorResponse{Error: "invalid_credentials"})
		case errors.Is(err, auth.ErrClientInactive):
			c.JSON(http.StatusForbidden, payload.ErrorResponse{Error: "client_inactive"})
		case errors.Is(err, auth.ErrIPNotAllowed):
			c.JSON(http.StatusForbidden, payload.ErrorResponse{Error: "ip_not_allowed"})
		default:
			h.logger.ErrorContext(c.Request.Context(), "Error issuing token", "error", err)
			c.JSON(http.StatusInternalServerError, payload.ErrorResponse{Error: "internal_error"})
		}
		return
	}

	c.JSON(http.StatusOK, resp)
}
