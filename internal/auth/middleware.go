package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// SubjectKey is the gin context key holding the authenticated subject.
const SubjectKey = "subject"

// Middleware returns a gin handler that rejects requests without a valid
// Bearer token. A nil service (auth disabled) passes everything through.
func Middleware(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if svc == nil {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header must use Bearer scheme"})
			return
		}

		claims, err := svc.ValidateToken(token)
		if err != nil {
			status := "invalid token"
			if errors.Is(err, ErrTokenExpired) {
				status = "token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": status})
			return
		}

		c.Set(SubjectKey, claims.Subject)
		c.Next()
	}
}
