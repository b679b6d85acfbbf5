package user

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/auth"
)

type countingRepo struct {
	Repository
	gets int
	err  error
}

func (r *countingRepo) Get(ctx context.Context, id string) (*User, error) {
	r.gets++
	if r.err != nil {
		return nil, r.err
	}
	return r.Repository.Get(ctx, id)
}

func TestDirectory_Username(t *testing.T) {
	ctx := context.Background()
	repo := &countingRepo{Repository: NewMemoryRepo()}
	d := NewDirectory(repo, zerolog.Nop())
	if err := repo.Upsert(ctx, &User{ID: "u1", Username: "jdoe"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if got := d.Username(ctx, "u1"); got != "jdoe" {
		t.Errorf("Username(u1) = %q, want jdoe", got)
	}
	d.Username(ctx, "u1")
	if repo.gets != 1 {
		t.Errorf("gets = %d, want 1", repo.gets)
	}
	if got := d.Username(ctx, "ghost"); got != "ghost" {
		t.Errorf("Username(ghost) = %q, want ghost", got)
	}
	if got := d.Username(ctx, ""); got != "" {
		t.Errorf("Username(\"\") = %q, want empty", got)
	}

	repo.err = errors.New("connection refused")
	if got := d.Username(ctx, "u2"); got != "u2" {
		t.Errorf("Username on error = %q, want u2", got)
	}
}

func TestDirectory_Register(t *testing.T) {
	ctx := context.Background()
	d := NewDirectory(NewMemoryRepo(), zerolog.Nop())

	if err := d.Register(ctx, &User{ID: "u1"}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("missing username err = %v, want Validation", err)
	}
	if err := d.Register(ctx, &User{ID: "u1", Username: "jdoe", Email: "j@example.org"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := d.Register(ctx, &User{ID: "u1", Username: "jane"}); err != nil {
		t.Fatalf("rename: %v", err)
	}
	u, err := d.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if u.Username != "jane" || u.Email != "j@example.org" {
		t.Errorf("got %+v, want renamed user keeping email", u)
	}
	if got := d.Username(ctx, "u1"); got != "jane" {
		t.Errorf("Username = %q, want jane", got)
	}
}

func TestMiddleware_RegistersTokenUser(t *testing.T) {
	d := NewDirectory(NewMemoryRepo(), zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithUser(req.Context(), "u9", "alex"))
	c := echo.New().NewContext(req, httptest.NewRecorder())

	if err := d.Middleware()(func(echo.Context) error { return nil })(c); err != nil {
		t.Fatalf("middleware: %v", err)
	}
	users, total, _ := d.List(context.Background(), 0, 0)
	if total != 1 || users[0].Username != "alex" {
		t.Errorf("users = %+v, want alex", users)
	}
}

func TestMemoryRepo_ListPages(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()
	for _, u := range []User{{ID: "3", Username: "c"}, {ID: "1", Username: "a"}, {ID: "2", Username: "b"}} {
		u := u
		_ = repo.Upsert(ctx, &u)
	}
	got, total, _ := repo.List(ctx, 2, 1)
	if total != 3 || len(got) != 2 || got[0].Username != "b" || got[1].Username != "c" {
		t.Errorf("List(2, 1) = %+v total %d", got, total)
	}
}
