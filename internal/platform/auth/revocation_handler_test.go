package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func serve(e *echo.Echo, method, path, body string, roles []string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, roles))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRevocationRoutes(t *testing.T) {
	store := NewTokenRevocationStore(time.Hour)
	defer store.Close()
	e := echo.New()
	RegisterRevocationRoutes(e.Group("/api/v1"), store)

	tests := []struct {
		method string
		path   string
		body   string
		roles  []string
		want   int
	}{
		{http.MethodPost, "/api/v1/auth/revoke", `{"jti":"x"}`, []string{"author"}, http.StatusForbidden},
		{http.MethodPost, "/api/v1/auth/revoke", `{"jti":"x"}`, []string{"admin"}, http.StatusNoContent},
		{http.MethodPost, "/api/v1/auth/revoke", `{}`, []string{"admin"}, http.StatusBadRequest},
		{http.MethodPost, "/api/v1/auth/revoke-user", `{"user_id":"u1"}`, []string{"admin"}, http.StatusNoContent},
		{http.MethodPost, "/api/v1/auth/revoke-user", `{}`, []string{"admin"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := serve(e, tt.method, tt.path, tt.body, tt.roles)
		if rec.Code != tt.want {
			t.Errorf("%s %s %v = %d, want %d", tt.method, tt.body, tt.roles, rec.Code, tt.want)
		}
	}

	rec := serve(e, http.MethodGet, "/api/v1/auth/revocations", "", []string{"admin"})
	var resp revocationListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
	if !store.IsRevoked(claimsFor("x", "someone", time.Now())) {
		t.Error("x should be revoked")
	}
}
