package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/GianGuaz256/vending-server/internal/auth"
	"github.com/GianGuaz256/vending-server/internal/db"
	"github.com/GianGuaz256/vending-server/internal/payload"
	"github.com/GianGuaz256/vending-server/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type PaymentHandler struct {
	service *service.PaymentService
	logger  *slog.Logger
}

func NewPaymentHandler(service *service.PaymentService, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{service: service, logger: logger}
}

func (h *PaymentHandler) Create(c *gin.Context) {
	client := auth.ClientFrom(c)

	var req payload.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, payload.ErrorResponse{Error: "invalid_request", Detail: err.Error()})
		return
	}

	detail, replayed, err := h.service.Create(c.Request.Context(), client.ID, &req)
	if err != nil {
		var vErr *service.ValidationError
		var pErr *service.ProvisioningError
		switch {
		case errors.As(err, &vErr):
			c.JSON(http.StatusBadRequest, payload.ErrorResponse{Error: "validation_failed", Detail: vErr.Error()})
		case errors.As(err, &pErr):
			c.JSON(http.StatusBadGateway, payload.ErrorResponse{
				Error:  "provider_failure",
				Detail: fmt.Sprintf("payment %s recorded as FAILED", pErr.PaymentID),
			})
		default:
			h.logger.ErrorContext(c.Request.Context(), "Error creating payment", "error", err)
			c.JSON(http.StatusInternalServerError, payload.ErrorResponse{Error: "internal_error"})
		}
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	c.JSON(status, detail.ToResponse())
}

func (h *PaymentHandler) Get(c *gin.Context) {
	client := auth.ClientFrom(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, payload.ErrorResponse{Error: "not_found"})
		return
	}

	detail, err := h.service.Get(c.Request.Context(), client.ID, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, payload.ErrorResponse{Error: "not_found"})
			return
		}
		h.logger.ErrorContext(c.Request.Context(), "Error loading payment", "error", err)
		c.JSON(http.StatusInternalServerError, payload.ErrorResponse{Error: "internal_error"})
		return
	}

	c.JSON(http.StatusOK, detail.ToResponse())
}

func (h *PaymentHandler) Cancel(c *gin.Context) {
	client := auth.ClientFrom(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, payload.ErrorResponse{Error: "not_found"})
		return
	}

	outcome, err := h.service.Cancel(c.Request.Context(), client.ID, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, payload.ErrorResponse{Error: "not_found"})
			return
		}
		h.logger.ErrorContext(c.Request.Context(), "Error canceling payment", "error", err)
		c.JSON(http.StatusInternalServerError, payload.ErrorResponse{Error: "internal_error"})
		return
	}

	if !outcome.Applied {
		c.JSON(http.StatusConflict, payload.OutcomeResponse{
			Result: "ignored",
			Reason: &outcome.Reason,
			Status: outcome.Status,
		})
		return
	}

	c.JSON(http.StatusOK, payload.OutcomeResponse{Result: "canceled", Status: outcome.Status})
}
