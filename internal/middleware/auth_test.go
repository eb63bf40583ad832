package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "s3cret"

func signToken(t *testing.T, secret, subject string, expiresIn time.Duration) string {
	t.Helper()
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func setupRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", Identity(secret), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(UserIDKey))
	})
	return r
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestIdentityBearerToken(t *testing.T) {
	r := setupRouter(testSecret)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "user-1", time.Hour))

	rec := serve(r, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "user-1", rec.Body.String())
}

func TestIdentityQueryToken(t *testing.T) {
	r := setupRouter(testSecret)
	req := httptest.NewRequest(http.MethodGet, "/me?token="+signToken(t, testSecret, "user-2", time.Hour), nil)

	rec := serve(r, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "user-2", rec.Body.String())
}

func TestIdentityRejectsBadTokens(t *testing.T) {
	r := setupRouter(testSecret)
	cases := map[string]string{
		"missing":      "",
		"wrong scheme": "Basic abc",
		"wrong secret": "Bearer " + signToken(t, "other", "user-1", time.Hour),
		"expired":      "Bearer " + signToken(t, testSecret, "user-1", -time.Minute),
		"no subject":   "Bearer " + signToken(t, testSecret, "", time.Hour),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := serve(r, req)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestIdentityTrustedHeaderWithoutSecret(t *testing.T) {
	r := setupRouter("")

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-User-ID", "user-3")
	rec := serve(r, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "user-3", rec.Body.String())

	rec = serve(r, httptest.NewRequest(http.MethodGet, "/me?userId=user-4", nil))
	require.Equal(t, "user-4", rec.Body.String())

	rec = serve(r, httptest.NewRequest(http.MethodGet, "/me", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
