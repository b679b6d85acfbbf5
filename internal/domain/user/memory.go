package user

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mdr/mdr/internal/platform/apperr"
)

// MemoryRepo backs the directory when the server runs without a database.
type MemoryRepo struct {
	mu    sync.RWMutex
	users map[string]User
	now   func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{users: make(map[string]User), now: time.Now}
}

func (r *MemoryRepo) Get(_ context.Context, id string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, apperr.NotFound("user.get", "User with id '%s' doesn't exist.", id)
	}
	return &u, nil
}

func (r *MemoryRepo) Upsert(_ context.Context, u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	if old, ok := r.users[u.ID]; ok {
		u.CreatedAt = old.CreatedAt
		if u.Email == "" {
			u.Email = old.Email
		}
	} else {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	r.users[u.ID] = *u
	return nil
}

func (r *MemoryRepo) List(_ context.Context, limit, offset int) ([]*User, int, error) {
	r.mu.RLock()
	all := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		u := u
		all = append(all, &u)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Username != all[j].Username {
			return all[i].Username < all[j].Username
		}
		return all[i].ID < all[j].ID
	})
	total := len(all)
	if limit <= 0 {
		return all, total, nil
	}
	start := min(offset, total)
	return all[start:min(start+limit, total)], total, nil
}
