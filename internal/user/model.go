package user

import "time"

// User is the row minted for every accepted session. There is no account
// reuse: each connection gets a fresh row keyed by its remote address.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
