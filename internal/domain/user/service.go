package user

import (
	"context"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/mdr/mdr/internal/platform/apperr"
	"github.com/mdr/mdr/internal/platform/auth"
)

// Directory resolves author ids to usernames. Resolved names are kept in
// memory; Register refreshes them.
type Directory struct {
	repo Repository
	log  zerolog.Logger

	mu    sync.RWMutex
	names map[string]string
}

func NewDirectory(repo Repository, log zerolog.Logger) *Directory {
	return &Directory{repo: repo, log: log, names: make(map[string]string)}
}

// Username returns the username of authorID, or authorID itself when the
// user is unknown.
func (d *Directory) Username(ctx context.Context, authorID string) string {
	if authorID == "" {
		return ""
	}
	d.mu.RLock()
	name, ok := d.names[authorID]
	d.mu.RUnlock()
	if ok {
		return name
	}

	u, err := d.repo.Get(ctx, authorID)
	switch {
	case apperr.Is(err, apperr.KindNotFound):
		return authorID
	case err != nil:
		d.log.Warn().Err(err).Str("author_id", authorID).Msg("resolve author")
		return authorID
	}
	d.remember(u.ID, u.Username)
	return u.Username
}

func (d *Directory) remember(id, name string) {
	d.mu.Lock()
	d.names[id] = name
	d.mu.Unlock()
}

// Register stores the user, creating or renaming it.
func (d *Directory) Register(ctx context.Context, u *User) error {
	u.ID = strings.TrimSpace(u.ID)
	u.Username = strings.TrimSpace(u.Username)
	if u.ID == "" {
		return apperr.Validation("user.register", "user_id is required")
	}
	if u.Username == "" {
		return apperr.Validation("user.register", "username is required")
	}
	if err := d.repo.Upsert(ctx, u); err != nil {
		return err
	}
	d.remember(u.ID, u.Username)
	return nil
}

func (d *Directory) Get(ctx context.Context, id string) (*User, error) {
	return d.repo.Get(ctx, id)
}

func (d *Directory) List(ctx context.Context, limit, offset int) ([]*User, int, error) {
	return d.repo.List(ctx, limit, offset)
}

// Middleware registers the authenticated user on first sight, taking the
// username from the token. Requests without a username pass untouched.
func (d *Directory) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			id, name := auth.UserIDFromContext(ctx), auth.UsernameFromContext(ctx)
			if id != "" && name != "" {
				d.mu.RLock()
				known := d.names[id] == name
				d.mu.RUnlock()
				if !known {
					if err := d.Register(ctx, &User{ID: id, Username: name}); err != nil {
						d.log.Warn().Err(err).Str("author_id", id).Msg("register user")
					}
				}
			}
			return next(c)
		}
	}
}
