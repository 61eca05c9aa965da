package domain

import "time"

// Role is the platform role carried inside access-token claims.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
	RoleBot   Role = "bot"
)

// CanSubscribe reports whether the role may join the key broadcast feed.
// Regular users never receive the rotating key.
func (r Role) CanSubscribe() bool {
	return r == RoleAdmin || r == RoleBot
}

// Identity is an immutable snapshot of a directory user.
type Identity struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// Credential is the persisted token pair for a non-interactive client.
// ExpiresAt is set at issuance and only ever replaced by a refresh.
type Credential struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// TimeToExpiry returns how long the access token remains valid.
func (c *Credential) TimeToExpiry(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// basic errors shared across packages
type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	ErrNotAuthenticated Error = "not authenticated"
	ErrRoleForbidden    Error = "role not authorized"
	ErrUserNotFound     Error = "user not found"
)
