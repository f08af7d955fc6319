package users

import (
	"time"

	"dispatch-service/pkg/apperr"
)

var (
	ErrEmailTaken         = apperr.New(apperr.KindConflict, "email already exists")
	ErrInvalidCredentials = apperr.New(apperr.KindForbidden, "invalid credentials")
	ErrUserNotFound       = apperr.New(apperr.KindNotFound, "user not found")
)

// Account is a client, technician or operator login.
type Account struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Category     string    `json:"category,omitempty"`
	Rating       float64   `json:"rating"`
	CreatedAt    time.Time `json:"created_at"`

	// VerificationCode is the client's proof-of-service code, handed to the
	// technician in person. Only the client may read it.
	VerificationCode string `json:"-"`
}

// RegisterRequest is the body for POST /users/register.
type RegisterRequest struct {
	Name     string `json:"name" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email"`
	Phone    string `json:"phone" validate:"omitempty,phone"`
	Password string `json:"password" validate:"required,min=8"`
	Role     string `json:"role" validate:"required,oneof=client technician"`
	Category string `json:"category" validate:"required_if=Role technician,omitempty,oneof=electrician mechanic plumber"`
}

// LoginRequest is the body for POST /users/login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// AuthResponse is returned on register / login.
type AuthResponse struct {
	Token string   `json:"token"`
	User  *Account `json:"user,omitempty"`
}
