package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/GianGuaz256/vending-server/internal/db"
	"github.com/GianGuaz256/vending-server/internal/logcontext"
	"github.com/GianGuaz256/vending-server/internal/payload"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const clientContextKey = "authClient"

// Middleware authenticates requests with a Bearer token and loads the owning
// client row. Handlers downstream get the client via ClientFrom.
func Middleware(issuer *TokenIssuer, clients *db.ClientRepository, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, payload.ErrorResponse{Error: "missing_token"})
			return
		}

		claims, err := issuer.Parse(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, payload.ErrorResponse{Error: "invalid_token"})
			return
		}

		clientID, err := uuid.Parse(claims.Subject)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, payload.ErrorResponse{Error: "invalid_token"})
			return
		}

		client, err := clients.GetByID(c.Request.Context(), clientID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, payload.ErrorResponse{Error: "invalid_token"})
				return
			}
			logger.ErrorContext(c.Request.Context(), "Error loading client", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, payload.ErrorResponse{Error: "internal_error"})
			return
		}

		if !client.IsActive {
			c.AbortWithStatusJSON(http.StatusForbidden, payload.ErrorResponse{Error: "client_inactive"})
			return
		}

		ctx := logcontext.AppendCtx(c.Request.Context(),
			slog.String("clientId", client.ID.String()),
			slog.String("machineId", client.MachineID))
		c.Request = c.Request.WithContext(ctx)
		c.Set(clientContextKey, client)

		c.Next()
	}
}

func ClientFrom(c *gin.Context) *db.ClientEntity {
	v, ok := c.Get(clientContextKey)
	if !ok {
		return nil
	}
	client, _ := v.(*db.ClientEntity)
	return client
}
