package identity

import (
	"time"

	"dealflow/authz"
)

// User is the domain representation of a marketplace participant. It mirrors
// the users table and carries no JSON annotations so it can be reused by any
// presentation layer.
type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	Role         authz.Role
	// PayoutAccountID is the provider-side account creators are paid to.
	PayoutAccountID *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Actor converts the user into the authorization subject consumed by every
// state-changing operation.
func (u User) Actor() authz.Actor {
	return authz.Actor{ID: u.ID, Role: u.Role}
}

// RegisterRequest contains sign-up data supplied by callers.
type RegisterRequest struct {
	Email       string     `json:"email"`
	Password    string     `json:"password"`
	DisplayName string     `json:"display_name"`
	Role        authz.Role `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
