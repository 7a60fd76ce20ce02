package app

import (
	"errors"

	"bookloan/pkg/auth"
)

var (
	// ErrInvalidCredentials is returned when the supplied credentials do not match.
	// This message is intended to be shown to end users and should not enable account enumeration.
	ErrInvalidCredentials = errors.New("No active account found with the given credentials")

	// ErrUserDisabled is returned when an account is disabled.
	// Handlers should generally NOT expose this to clients to avoid account enumeration.
	ErrUserDisabled = errors.New("user disabled")

	ErrUsernameRequired  = errors.New("Provide username.")
	ErrPasswordRequired  = errors.New("Provide password")
	ErrUsernameTooLong   = errors.New("Username is too long.")
	ErrUserAlreadyExists = errors.New("User already exists.")
	ErrWeakPassword      = auth.ErrWeakPassword

	ErrRefreshTokenRequired = errors.New("refresh token required")
	ErrInvalidRefreshToken  = errors.New("Token is invalid or expired")
)
