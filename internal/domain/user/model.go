// Package user keeps the directory of authors. Versions and audit actions
// store only the author id; the directory turns it into a display name.
package user

import "time"

type User struct {
	ID        string    `json:"user_id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
