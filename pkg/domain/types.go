package domain

import (
	"fmt"
	"math"
	"time"
)

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type UserStatus string

const (
	StatusActive   UserStatus = "active"
	StatusDisabled UserStatus = "disabled"
)

// Borrow timestamps render with six fractional digits, or none when the
// microseconds are zero.
const (
	BorrowTimeLayout      = "2006-01-02 15:04:05.000000-07:00"
	BorrowTimeLayoutWhole = "2006-01-02 15:04:05-07:00"
)

// MaxAvailableCopies bounds a book's copy count.
const MaxAvailableCopies = math.MaxInt32

// FormatBorrowTime renders t for borrow descriptions.
func FormatBorrowTime(t time.Time) string {
	if t.Nanosecond()/int(time.Microsecond) == 0 {
		return t.Format(BorrowTimeLayoutWhole)
	}
	return t.Format(BorrowTimeLayout)
}

type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	Role         UserRole   `json:"role"`
	Status       UserStatus `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Identity is the authenticated caller as resolved from an access token.
// The zero value is the anonymous caller.
type Identity struct {
	ID       string
	Username string
	IsAdmin  bool
}

// Anonymous reports whether no authenticated user is attached.
func (i Identity) Anonymous() bool {
	return i.ID == ""
}

type Book struct {
	ISBN            string    `json:"isbn"`
	Title           string    `json:"title"`
	Author          string    `json:"author"`
	AvailableCopies int       `json:"availableCopies"`
	CreatedAt       time.Time `json:"createdAt"`
}

// String renders the catalog line for a book.
func (b Book) String() string {
	return fmt.Sprintf("%s by %s. ISBN: %s.", b.Title, b.Author, b.ISBN)
}

type Borrow struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Username   string     `json:"username"`
	Book       Book       `json:"book"`
	BorrowedAt time.Time  `json:"borrowedAt"`
	ReturnedAt *time.Time `json:"returnedAt"`
}

// Open reports whether the book is still out.
func (b Borrow) Open() bool {
	return b.ReturnedAt == nil
}

// String renders a borrow as "<user> borrowed <book> at <t> and returned at <t|null>".
func (b Borrow) String() string {
	returned := "null"
	if b.ReturnedAt != nil {
		returned = FormatBorrowTime(*b.ReturnedAt)
	}
	return fmt.Sprintf("%s borrowed %s at %s and returned at %s",
		b.Username, b.Book, FormatBorrowTime(b.BorrowedAt), returned)
}
