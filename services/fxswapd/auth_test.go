package fxswapd

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var authNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	auth, err := NewAuthenticator(AuthConfig{
		BearerToken: "static-token",
		JWT:         JWTConfig{Enabled: true, Issuer: "ops", Audience: []string{"fxswapd"}, Secret: "jwt-secret"},
		Now:         func() time.Time { return authNow },
	})
	require.NoError(t, err)
	return auth
}

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims() jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "ops",
		Audience:  jwt.ClaimStrings{"fxswapd"},
		ExpiresAt: jwt.NewNumericDate(authNow.Add(time.Hour)),
	}
}

func TestAuthenticatorMiddleware(t *testing.T) {
	auth := newTestAuthenticator(t)
	var operator string
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator = OperatorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(authNow.Add(-time.Hour))
	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "someone-else"
	wrongAudience := validClaims()
	wrongAudience.Audience = jwt.ClaimStrings{"other"}
	noSubject := validClaims()
	noSubject.Subject = ""
	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil

	cases := []struct {
		name     string
		header   string
		status   int
		operator string
	}{
		{"static token", "Bearer static-token", http.StatusNoContent, "token"},
		{"jwt", "bearer " + signToken(t, "jwt-secret", validClaims()), http.StatusNoContent, "alice"},
		{"missing header", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic static-token", http.StatusUnauthorized, ""},
		{"wrong static token", "Bearer nope", http.StatusUnauthorized, ""},
		{"bad signature", "Bearer " + signToken(t, "other-secret", validClaims()), http.StatusUnauthorized, ""},
		{"expired", "Bearer " + signToken(t, "jwt-secret", expired), http.StatusUnauthorized, ""},
		{"wrong issuer", "Bearer " + signToken(t, "jwt-secret", wrongIssuer), http.StatusUnauthorized, ""},
		{"wrong audience", "Bearer " + signToken(t, "jwt-secret", wrongAudience), http.StatusUnauthorized, ""},
		{"no subject", "Bearer " + signToken(t, "jwt-secret", noSubject), http.StatusUnauthorized, ""},
		{"no expiry", "Bearer " + signToken(t, "jwt-secret", noExpiry), http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			operator = ""
			req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, tc.operator, operator)
		})
	}
}

func TestAuthenticatorRejectsNoneAlgorithm(t *testing.T) {
	auth := newTestAuthenticator(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims()).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = auth.verifyJWT(token)
	require.Error(t, err)
}

func TestNewAuthenticatorRequiresMechanism(t *testing.T) {
	_, err := NewAuthenticator(AuthConfig{})
	require.Error(t, err)
	_, err = NewAuthenticator(AuthConfig{JWT: JWTConfig{Enabled: true, Secret: "x"}})
	require.Error(t, err)
}
