package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// UserIDKey is the gin context key holding the resolved user id.
const UserIDKey = "userID"

var errMissingSubject = errors.New("subject claim is missing")

// Identity resolves the caller's user id and stores it under UserIDKey.
//
// With a secret configured the caller must present an HS256 JWT, either
// as "Authorization: Bearer <token>" or, for browser websocket upgrades
// that cannot set headers, as the token query parameter. The subject
// claim is the user id. Without a secret the service trusts an upstream
// gateway and takes the id from X-User-ID or the userId query parameter.
func Identity(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var userID string
		if secret == "" {
			userID = c.GetHeader("X-User-ID")
			if userID == "" {
				userID = c.Query("userId")
			}
			if userID == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
				return
			}
		} else {
			token, ok := bearerToken(c)
			if !ok {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
				return
			}
			subject, err := ValidateToken(token, secret)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			userID = subject
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	return "", false
}

// ValidateToken checks an HS256 token and returns its subject.
func ValidateToken(tokenString, secret string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(t *jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token is invalid")
	}
	if claims.Subject == "" {
		return "", errMissingSubject
	}
	return claims.Subject, nil
}
