package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-adp-console/internal/middleware"
	"github.com/noah-isme/sma-adp-console/internal/models"
	"github.com/noah-isme/sma-adp-console/internal/upstream"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

// ownerFromContext returns the session owner for the current caller.
func ownerFromContext(c *gin.Context) string {
	if claims := claimsFromContext(c); claims != nil {
		return claims.UserID
	}
	return ""
}

// requestContext forwards the caller's bearer token to upstream calls.
func requestContext(c *gin.Context) context.Context {
	ctx := c.Request.Context()
	if token := c.GetString(middleware.ContextTokenKey); token != "" {
		ctx = upstream.WithToken(ctx, token)
	}
	return ctx
}
