package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func callerEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := Caller(r.Context())
		_, _ = w.Write([]byte(caller))
	})
}

func TestAuthenticatorAcceptsSubject(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{HMACSecret: testSecret, Issuer: "bittrust"}, nil)
	handler := auth.Middleware()(callerEcho())

	req := httptest.NewRequest(http.MethodPost, "/v1/pools/STX/deposit", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, jwt.MapClaims{
		"sub": "alice",
		"iss": "bittrust",
		"exp": time.Now().Add(time.Hour).Unix(),
	}))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK || res.Body.String() != "alice" {
		t.Fatalf("expected alice, got %d %q", res.Code, res.Body.String())
	}
}

func TestAuthenticatorRejects(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{HMACSecret: testSecret, Issuer: "bittrust"}, nil)
	handler := auth.Middleware(ScopeGovernance)(callerEcho())
	future := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "missing", header: "", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", status: http.StatusUnauthorized},
		{name: "bad secret", header: "Bearer " + signToken(t, "other", jwt.MapClaims{"sub": "gov", "iss": "bittrust", "scope": "governance", "exp": future}), status: http.StatusUnauthorized},
		{name: "wrong issuer", header: "Bearer " + signToken(t, testSecret, jwt.MapClaims{"sub": "gov", "iss": "elsewhere", "scope": "governance", "exp": future}), status: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + signToken(t, testSecret, jwt.MapClaims{"sub": "gov", "iss": "bittrust", "scope": "governance", "exp": time.Now().Add(-time.Hour).Unix()}), status: http.StatusUnauthorized},
		{name: "no subject", header: "Bearer " + signToken(t, testSecret, jwt.MapClaims{"iss": "bittrust", "scope": "governance", "exp": future}), status: http.StatusUnauthorized},
		{name: "missing scope", header: "Bearer " + signToken(t, testSecret, jwt.MapClaims{"sub": "gov", "iss": "bittrust", "scope": "pool", "exp": future}), status: http.StatusForbidden},
		{name: "ok", header: "Bearer " + signToken(t, testSecret, jwt.MapClaims{"sub": "gov", "iss": "bittrust", "scope": "pool governance", "exp": future}), status: http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/pools/STX/reserve", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)
			if res.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, res.Code)
			}
		})
	}
}

func TestAuthenticatorWithoutSecretClosesRoutes(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{}, nil)
	if auth.Enabled() {
		t.Fatalf("expected authenticator without secret to be disabled")
	}
	res := httptest.NewRecorder()
	auth.Middleware()(callerEcho()).ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/", nil))
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
}
