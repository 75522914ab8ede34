package auth

import "time"

type Role string

const (
	// RoleParty is any payer, payee or claim holder.
	RoleParty Role = "party"
	// RoleKeeper marks automated cranks; they may only call permissionless operations.
	RoleKeeper Role = "keeper"
)

// Account binds login credentials to the identity used on agreements.
type Account struct {
	ID           string
	Identity     string
	Email        string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Identity string `json:"identity"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Claims is what a verified token says about its bearer.
type Claims struct {
	Identity string
	Role     Role
}
