package app

import "errors"

// Messages double as client-facing text.
var (
	ErrBookNotFound    = errors.New("Book not found")
	ErrNotBorrowed     = errors.New("User didn't borrow specified book before")
	ErrAlreadyReturned = errors.New("User already returned specified book")

	// ErrForbidden is returned for admin-only operations.
	ErrForbidden = errors.New("Admin privileges required")
	// ErrUnauthenticated is returned when an anonymous caller borrows or returns.
	ErrUnauthenticated = errors.New("Authentication required")
)

// ValidationError reports the first missing or malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }
