package store

import (
	"context"
	"errors"
	"time"

	"bookloan/pkg/domain"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyReturned is returned when closing a borrow that is already closed.
	ErrAlreadyReturned = errors.New("borrow already returned")
	// ErrDuplicateOpenBorrow is returned when a second open borrow would exist
	// for the same user and book.
	ErrDuplicateOpenBorrow = errors.New("open borrow already exists")
	// ErrCopiesOverflow is returned when a restock would push the copy count
	// past domain.MaxAvailableCopies.
	ErrCopiesOverflow = errors.New("available copies overflow")
	// ErrUserExists indicates a username collision.
	ErrUserExists = errors.New("user already exists")
)

// Store defines persistence for users, the catalog and the borrow ledger.
type Store interface {
	UserStore
	CatalogStore

	// ListOpenBorrows returns every borrow with no return time, oldest first.
	ListOpenBorrows(ctx context.Context) ([]domain.Borrow, error)

	// WithBookLock runs fn inside a scope that serializes all lending
	// decisions for isbn. It returns ErrNotFound when the book is missing.
	// Reads made through the ledger see every committed borrow for the book.
	WithBookLock(ctx context.Context, isbn string, fn func(ledger BorrowLedger, book domain.Book) error) error
}

// UserStore persists accounts for the auth service.
type UserStore interface {
	CreateUser(ctx context.Context, u domain.User) error
	GetUserByUsername(ctx context.Context, username string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	UserCount(ctx context.Context) (int, error)
}

// CatalogStore owns book records and copy-count mutation.
type CatalogStore interface {
	// ListBooks returns books in catalog order.
	ListBooks(ctx context.Context) ([]domain.Book, error)
	GetBook(ctx context.Context, isbn string) (domain.Book, bool, error)
	// AddOrIncrease creates the book when isbn is new, otherwise adds delta
	// to its copy count. Title and author of an existing book are kept.
	// It fails with ErrCopiesOverflow, leaving the book unchanged, when the
	// sum would exceed domain.MaxAvailableCopies.
	AddOrIncrease(ctx context.Context, isbn, title, author string, delta int) (domain.Book, error)
}

// BorrowLedger owns borrow records. It performs no business checks.
type BorrowLedger interface {
	FindOpenBorrow(ctx context.Context, userID, isbn string) (domain.Borrow, bool, error)
	// FindLatestBorrow returns the most recent borrow for the pair, open or closed.
	FindLatestBorrow(ctx context.Context, userID, isbn string) (domain.Borrow, bool, error)
	CountOpenBorrows(ctx context.Context, isbn string) (int, error)
	CreateBorrow(ctx context.Context, user domain.Identity, book domain.Book, borrowedAt time.Time) (domain.Borrow, error)
	// CloseBorrow sets the return time and fails with ErrAlreadyReturned
	// when it is already set.
	CloseBorrow(ctx context.Context, borrow domain.Borrow, returnedAt time.Time) (domain.Borrow, error)
}

// SessionStore issues and resolves access tokens.
type SessionStore interface {
	NewSession(user domain.User) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}

// JWK represents a JSON Web Key entry used by JWKS endpoints.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWKSProvider is an optional capability exposed by session stores that can
// publish JSON Web Keys.
type JWKSProvider interface {
	JWKS() []JWK
}
