package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.RegisteredClaims, method jwt.SigningMethod, secret string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func newProtectedRouter(cfg Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/whoami", JWTMiddleware(cfg), func(c *gin.Context) {
		userID, _ := GetUserID(c.Request.Context())
		c.String(http.StatusOK, userID)
	})
	return router
}

func TestJWTMiddleware(t *testing.T) {
	valid := jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}

	cases := []struct {
		name   string
		cfg    Config
		header string
		status int
	}{
		{name: "valid", cfg: Config{Secret: testSecret}, header: "Bearer " + signToken(t, valid, jwt.SigningMethodHS256, testSecret), status: http.StatusOK},
		{name: "missing header", cfg: Config{Secret: testSecret}, status: http.StatusUnauthorized},
		{name: "wrong scheme", cfg: Config{Secret: testSecret}, header: "Basic abc", status: http.StatusUnauthorized},
		{name: "wrong secret", cfg: Config{Secret: testSecret}, header: "Bearer " + signToken(t, valid, jwt.SigningMethodHS256, "other"), status: http.StatusUnauthorized},
		{name: "no server secret", cfg: Config{}, header: "Bearer " + signToken(t, valid, jwt.SigningMethodHS256, testSecret), status: http.StatusUnauthorized},
		{
			name:   "expired",
			cfg:    Config{Secret: testSecret},
			header: "Bearer " + signToken(t, jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}, jwt.SigningMethodHS256, testSecret),
			status: http.StatusUnauthorized,
		},
		{
			name:   "missing subject",
			cfg:    Config{Secret: testSecret},
			header: "Bearer " + signToken(t, jwt.RegisteredClaims{ExpiresAt: valid.ExpiresAt}, jwt.SigningMethodHS256, testSecret),
			status: http.StatusUnauthorized,
		},
		{name: "wrong audience", cfg: Config{Secret: testSecret, Audience: "oral-check"}, header: "Bearer " + signToken(t, valid, jwt.SigningMethodHS256, testSecret), status: http.StatusUnauthorized},
		{
			name:   "matching audience",
			cfg:    Config{Secret: testSecret, Audience: "oral-check"},
			header: "Bearer " + signToken(t, jwt.RegisteredClaims{Subject: "user-1", Audience: jwt.ClaimStrings{"oral-check"}, ExpiresAt: valid.ExpiresAt}, jwt.SigningMethodHS256, testSecret),
			status: http.StatusOK,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp := httptest.NewRecorder()
			newProtectedRouter(tc.cfg).ServeHTTP(resp, req)

			if resp.Code != tc.status {
				t.Fatalf("expected status %d, got %d (%s)", tc.status, resp.Code, resp.Body.String())
			}
			if tc.status == http.StatusOK && resp.Body.String() != "user-1" {
				t.Fatalf("unexpected user id: %q", resp.Body.String())
			}
		})
	}
}
