package user

import "context"

// Repository stores users. Get fails with NotFound for an unknown id.
type Repository interface {
	Get(ctx context.Context, id string) (*User, error)
	Upsert(ctx context.Context, u *User) error
	List(ctx context.Context, limit, offset int) ([]*User, int, error)
}
