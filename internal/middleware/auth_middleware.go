package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/smarttransit/booking-settlement/pkg/jwt"
)

// UserContextKey is the key used to store user information in Gin context
const UserContextKey = "user"

// ServiceContextKey is the key used to store the calling service name
const ServiceContextKey = "service"

// UserContext represents the authenticated customer's information
type UserContext struct {
	UserID uuid.UUID `json:"user_id"`
	Roles  []string  `json:"roles"`
}

// bearerToken extracts the token from the Authorization header, writing the
// 401 itself when the header is missing or malformed.
func bearerToken(c *gin.Context, logger *logrus.Logger) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		logger.WithFields(logrus.Fields{"path": c.Request.URL.Path, "ip": c.ClientIP()}).
			Warn("AUTH FAILED: missing authorization header")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Authorization header is required",
			"code":    "MISSING_AUTH_HEADER",
		})
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		logger.WithFields(logrus.Fields{"path": c.Request.URL.Path, "ip": c.ClientIP()}).
			Warn("AUTH FAILED: invalid auth format")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Invalid authorization header format. Expected: Bearer <token>",
			"code":    "INVALID_AUTH_FORMAT",
		})
		return "", false
	}

	tokenString := strings.TrimSpace(parts[1])
	if tokenString == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Token cannot be empty",
			"code":    "INVALID_AUTH_FORMAT",
		})
		return "", false
	}

	return tokenString, true
}

func rejectToken(c *gin.Context, logger *logrus.Logger, jwtService *jwt.Service, tokenString string, err error) {
	entry := logger.WithFields(logrus.Fields{"path": c.Request.URL.Path, "ip": c.ClientIP()}).WithError(err)
	if jwtService.IsTokenExpired(tokenString) {
		entry.Warn("AUTH FAILED: token expired")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "token_expired",
			"message": "Token has expired",
			"code":    "TOKEN_EXPIRED",
		})
		return
	}

	entry.Warn("AUTH FAILED: invalid token")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "invalid_token",
		"message": "Invalid token",
		"code":    "INVALID_TOKEN",
	})
}

// AuthMiddleware validates customer access tokens on the booking API
func AuthMiddleware(jwtService *jwt.Service, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c, logger)
		if !ok {
			return
		}

		claims, err := jwtService.ValidateAccessToken(tokenString)
		if err != nil {
			rejectToken(c, logger, jwtService, tokenString, err)
			return
		}

		c.Set(UserContextKey, UserContext{
			UserID: claims.UserID,
			Roles:  claims.Roles,
		})
		// Rate limiting keys on this
		c.Set("userID", claims.UserID.String())

		c.Next()
	}
}

// ServiceAuthMiddleware validates service tokens on the route service's
// internal endpoints
func ServiceAuthMiddleware(jwtService *jwt.Service, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c, logger)
		if !ok {
			return
		}

		claims, err := jwtService.ValidateServiceToken(tokenString)
		if err != nil {
			rejectToken(c, logger, jwtService, tokenString, err)
			return
		}

		c.Set(ServiceContextKey, claims.Service)
		c.Next()
	}
}

// RequireRole creates a middleware that checks if user has required role
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userCtx, exists := GetUserContext(c)
		if !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "User context not found. Auth middleware may not be applied.",
				"code":    "MISSING_USER_CONTEXT",
			})
			return
		}

		hasRole := false
		for _, requiredRole := range roles {
			for _, userRole := range userCtx.Roles {
				if userRole == requiredRole {
					hasRole = true
					break
				}
			}
			if hasRole {
				break
			}
		}

		if !hasRole {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You don't have permission to access this resource",
				"code":    "INSUFFICIENT_PERMISSIONS",
			})
			return
		}

		c.Next()
	}
}

// GetUserContext retrieves the user context from Gin context
func GetUserContext(c *gin.Context) (UserContext, bool) {
	value, exists := c.Get(UserContextKey)
	if !exists {
		return UserContext{}, false
	}

	userCtx, ok := value.(UserContext)
	if !ok {
		return UserContext{}, false
	}

	return userCtx, true
}
