package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var middlewareTracer = otel.Tracer("auth-middleware")

// RequireAuth is a Gin middleware that validates JWT tokens and attaches the
// authenticated user to the request context.
func RequireAuth(jwtManager *JWTManager, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := middlewareTracer.Start(c.Request.Context(), "auth.require_auth")
		defer span.End()

		token := extractBearerToken(c)
		if token == "" {
			span.SetAttributes(attribute.Bool("auth.token_present", false))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing or invalid authorization header"})
			c.Abort()
			return
		}

		span.SetAttributes(attribute.Bool("auth.token_present", true))

		claims, err := jwtManager.ValidateToken(ctx, token)
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.Bool("auth.token_valid", false))
			log.Warn("invalid token", zap.Error(err), zap.String("path", c.Request.URL.Path))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		span.SetAttributes(
			attribute.Bool("auth.token_valid", true),
			attribute.String("user.id", claims.UserID),
		)

		c.Set("user_id", claims.UserID)
		c.Set("email", claims.Email)
		c.Set("tier", claims.Tier)
		c.Set("claims", claims)

		c.Next()
	}
}

func extractBearerToken(c *gin.Context) string {
	// WebSocket clients pass the token as a query parameter.
	if token := c.Query("token"); token != "" {
		return token
	}

	authHeader := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
