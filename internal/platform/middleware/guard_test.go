package middleware

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/auth"
)

func ok(c echo.Context) error { return c.NoContent(http.StatusNoContent) }

func statusOfErr(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v (%T), want *echo.HTTPError", err, err)
	}
	return he.Code
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1M", 1 << 20},
		{"10MB", 10 << 20},
		{"512k", 512 << 10},
		{"1G", 1 << 30},
		{"1024", 1024},
		{"", 1 << 20},
		{"0", 1 << 20},
		{"lots", 1 << 20},
	}
	for _, tt := range tests {
		if got := parseLimit(tt.in); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestBodyLimit(t *testing.T) {
	e := echo.New()
	mw := BodyLimit("10", "100")
	body := strings.Repeat("x", 20)

	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/studies/Study_000001/study-epochs", strings.NewReader(body)), httptest.NewRecorder())
	if code := statusOfErr(t, mw(ok)(c)); code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body = %d, want 413", code)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/studies/Study_000001/study-epochs/batch", strings.NewReader(body)), httptest.NewRecorder())
	if err := mw(ok)(c); err != nil {
		t.Errorf("batch body under batch limit: %v", err)
	}

	// no Content-Length: the reader enforces the limit
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ct/terms", strings.NewReader(body))
	req.ContentLength = -1
	c = e.NewContext(req, httptest.NewRecorder())
	err := mw(func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		return err
	})(c)
	if code := statusOfErr(t, err); code != http.StatusRequestEntityTooLarge {
		t.Errorf("streamed oversized body = %d, want 413", code)
	}
}

func TestRequestTimeout(t *testing.T) {
	e := echo.New()
	mw := RequestTimeout(10*time.Millisecond, time.Second)
	slow := func(c echo.Context) error {
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	}

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if code := statusOfErr(t, mw(slow)(c)); code != http.StatusGatewayTimeout {
		t.Errorf("slow handler = %d, want 504", code)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if err := mw(ok)(c); err != nil {
		t.Errorf("fast handler: %v", err)
	}

	// batch calls get the longer budget
	c = e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/concepts/activities/batch", nil), httptest.NewRecorder())
	err := mw(func(c echo.Context) error {
		select {
		case <-time.After(50 * time.Millisecond):
			return c.NoContent(http.StatusNoContent)
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	})(c)
	if err != nil {
		t.Errorf("batch handler within its budget: %v", err)
	}

	// zero disables the deadline
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if err := RequestTimeout(0, 0)(func(c echo.Context) error {
		if _, has := c.Request().Context().Deadline(); has {
			t.Error("deadline set with zero timeout")
		}
		return nil
	})(c); err != nil {
		t.Errorf("no timeout: %v", err)
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	for _, dev := range []bool{false, true} {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
		if err := SecurityHeaders(dev)(ok)(c); err != nil {
			t.Fatalf("SecurityHeaders(%v): %v", dev, err)
		}
		for h, want := range map[string]string{
			"X-Content-Type-Options": "nosniff",
			"X-Frame-Options":        "DENY",
			"Cache-Control":          "no-store",
			"Vary":                   "Authorization",
		} {
			if got := rec.Header().Get(h); got != want {
				t.Errorf("dev=%v: %s = %q, want %q", dev, h, got, want)
			}
		}
		if hsts := rec.Header().Get("Strict-Transport-Security"); (hsts == "") != dev {
			t.Errorf("dev=%v: Strict-Transport-Security = %q", dev, hsts)
		}
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header [2]string
		reject bool
	}{
		{"clean", "/api/v1/studies?page_size=10", [2]string{}, false},
		{"traversal", "/api/v1/../etc/passwd", [2]string{}, true},
		{"encoded traversal", "/api/v1/%2e%2e/etc", [2]string{}, true},
		{"null byte in query", "/api/v1/ct/terms?name=a%00b", [2]string{}, true},
		{"header newline", "/api/v1/studies", [2]string{"X-Author-Id", "a\r\nb"}, true},
		{"oversized header", "/api/v1/studies", [2]string{"X-Author-Id", strings.Repeat("a", maxHeaderValueSize+1)}, true},
	}
	e := echo.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header[0] != "" {
				req.Header[tt.header[0]] = []string{tt.header[1]}
			}
			c := e.NewContext(req, httptest.NewRecorder())
			err := Sanitize(zerolog.Nop())(ok)(c)
			if tt.reject && !apperr.Is(err, apperr.KindValidation) {
				t.Errorf("err = %v, want Validation", err)
			}
			if !tt.reject && err != nil {
				t.Errorf("err = %v, want nil", err)
			}
		})
	}
}

func TestLimiter_RefillsOverTime(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	l := newLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 2}, func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if allowed, _ := l.take("a"); !allowed {
			t.Fatalf("request %d refused within burst", i+1)
		}
	}
	allowed, wait := l.take("a")
	if allowed || wait != time.Second {
		t.Errorf("third = %v wait %v, want refused for 1s", allowed, wait)
	}
	if allowed, _ := l.take("b"); !allowed {
		t.Error("other key refused")
	}
	now = now.Add(time.Second)
	if allowed, _ := l.take("a"); !allowed {
		t.Error("refused after refill")
	}
}

func TestRateLimit_PerAuthor(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1})(ok)
	serve := func(author string) error {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(auth.WithUser(req.Context(), author, ""))
		return h(e.NewContext(req, httptest.NewRecorder()))
	}
	if err := serve("alice"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if code := statusOfErr(t, serve("alice")); code != http.StatusTooManyRequests {
		t.Errorf("second request = %d, want 429", code)
	}
	if err := serve("bob"); err != nil {
		t.Errorf("other author throttled: %v", err)
	}
}
