package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func run(t *testing.T, mw echo.MiddlewareFunc, header string) (string, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	var author string
	err := mw(func(c echo.Context) error {
		author = UserIDFromContext(c.Request().Context())
		return nil
	})(c)
	return author, err
}

func wantUnauthorized(t *testing.T, err error) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, err := run(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "")
	wantUnauthorized(t, err)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	for _, header := range []string{"Token abc123", "Bearer", "Bearer ", "Basic dXNlcjpwYXNz"} {
		t.Run(header, func(t *testing.T) {
			_, err := run(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), header)
			wantUnauthorized(t, err)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tok := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			Issuer:    "mdr-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Username: "jdoe",
	}, testSigningKey)

	author, err := run(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "mdr-test"}), "Bearer "+tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if author != "user-42" {
		t.Errorf("author = %q, want user-42", author)
	}
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))
	tests := []struct {
		name   string
		claims Claims
		key    []byte
	}{
		{"wrong key", Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u", ExpiresAt: exp}}, []byte("other")},
		{"expired", Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}}, testSigningKey},
		{"no subject", Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp}}, testSigningKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := createTestToken(t, tt.claims, tt.key)
			_, err := run(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tok)
			wantUnauthorized(t, err)
		})
	}
}

func TestJWTMiddleware_RolesAndRevocation(t *testing.T) {
	store := NewTokenRevocationStore(time.Hour)
	defer store.Close()
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Revocations: store})

	issued := time.Now().Add(-time.Minute)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-1",
			Subject:   "user-7",
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"author"},
	}
	tok := createTestToken(t, claims, testSigningKey)

	var roles []string
	err := mw(func(c echo.Context) error {
		roles = RolesFromContext(c.Request().Context())
		return nil
	})(echo.New().NewContext(bearer(tok), httptest.NewRecorder()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(roles) != 1 || roles[0] != "author" {
		t.Errorf("roles = %v, want [author]", roles)
	}

	store.Revoke("jti-1", time.Now().Add(time.Hour))
	_, err = run(t, mw, "Bearer "+tok)
	wantUnauthorized(t, err)
}

func bearer(tok string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	return req
}

func TestJWTMiddleware_SkipsPublicPaths(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper})
	for _, path := range []string{"/health", "/metrics"} {
		c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, path, nil), httptest.NewRecorder())
		c.SetPath(path)
		called := false
		if err := mw(func(echo.Context) error { called = true; return nil })(c); err != nil || !called {
			t.Errorf("%s: err = %v called = %v, want skipped", path, err, called)
		}
	}

	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/ct/codelists", nil), httptest.NewRecorder())
	c.SetPath("/api/v1/ct/codelists")
	wantUnauthorized(t, mw(func(echo.Context) error { return nil })(c))
}

func TestDevAuthMiddleware(t *testing.T) {
	author, err := run(t, DevAuthMiddleware(nil), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if author != DevUserID {
		t.Errorf("author = %q, want %q", author, DevUserID)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Author-Id", "reviewer")
	req.Header.Set("X-Roles", "reader, author")
	var roles []string
	err = DevAuthMiddleware(nil)(func(c echo.Context) error {
		author = UserIDFromContext(c.Request().Context())
		roles = RolesFromContext(c.Request().Context())
		return nil
	})(echo.New().NewContext(req, httptest.NewRecorder()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if author != "reviewer" || len(roles) != 2 || roles[1] != "author" {
		t.Errorf("author = %q roles = %v", author, roles)
	}
}
