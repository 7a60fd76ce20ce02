package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"bookloan/pkg/domain"
)

// MemoryStore keeps users, books and borrows in-process.
// Suitable for tests and single-instance development.
type MemoryStore struct {
	mu      sync.RWMutex
	books   map[string]domain.Book
	orders  []string        // isbn in catalog order
	borrows []domain.Borrow // creation order
	users   map[string]domain.User
	names   map[string]string // username -> user ID

	lockMu    sync.Mutex
	bookLocks map[string]*sync.Mutex
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:     make(map[string]domain.Book),
		users:     make(map[string]domain.User),
		names:     make(map[string]string),
		bookLocks: make(map[string]*sync.Mutex),
	}
}

func (m *MemoryStore) bookLock(isbn string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.bookLocks[isbn]
	if !ok {
		l = &sync.Mutex{}
		m.bookLocks[isbn] = l
	}
	return l
}

// CreateUser registers a user; usernames are unique.
func (m *MemoryStore) CreateUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.names[u.Username]; ok {
		return ErrUserExists
	}
	m.users[u.ID] = u
	m.names[u.Username] = u.ID
	return nil
}

// GetUserByUsername looks up a user by username.
func (m *MemoryStore) GetUserByUsername(_ context.Context, username string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.names[username]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// UserCount returns number of users.
func (m *MemoryStore) UserCount(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

// ListBooks returns books in insertion order.
func (m *MemoryStore) ListBooks(_ context.Context) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Book, 0, len(m.orders))
	for _, isbn := range m.orders {
		if b, ok := m.books[isbn]; ok {
			res = append(res, b)
		}
	}
	return res, nil
}

// GetBook retrieves a book by ISBN.
func (m *MemoryStore) GetBook(_ context.Context, isbn string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[isbn]
	return b, ok, nil
}

// AddOrIncrease creates a book or increases its copy count.
func (m *MemoryStore) AddOrIncrease(_ context.Context, isbn, title, author string, delta int) (domain.Book, error) {
	l := m.bookLock(isbn)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[isbn]
	if book.AvailableCopies > domain.MaxAvailableCopies-delta {
		return domain.Book{}, ErrCopiesOverflow
	}
	if !ok {
		book = domain.Book{
			ISBN:      isbn,
			Title:     title,
			Author:    author,
			CreatedAt: time.Now().UTC(),
		}
		m.orders = append(m.orders, isbn)
	}
	book.AvailableCopies += delta
	m.books[isbn] = book
	return book, nil
}

// ListOpenBorrows returns all open borrows in creation order.
func (m *MemoryStore) ListOpenBorrows(_ context.Context) ([]domain.Borrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Borrow, 0)
	for _, b := range m.borrows {
		if b.Open() {
			res = append(res, m.withBookLocked(b))
		}
	}
	return res, nil
}

// WithBookLock serializes lending decisions per ISBN with an in-process mutex.
func (m *MemoryStore) WithBookLock(ctx context.Context, isbn string, fn func(BorrowLedger, domain.Book) error) error {
	l := m.bookLock(isbn)
	l.Lock()
	defer l.Unlock()

	book, ok, err := m.GetBook(ctx, isbn)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return fn(memoryLedger{m: m}, book)
}

func (m *MemoryStore) withBookLocked(b domain.Borrow) domain.Borrow {
	if book, ok := m.books[b.Book.ISBN]; ok {
		b.Book = book
	}
	return b
}

// memoryLedger is the ledger view handed out under a book lock.
type memoryLedger struct {
	m *MemoryStore
}

func (l memoryLedger) FindOpenBorrow(_ context.Context, userID, isbn string) (domain.Borrow, bool, error) {
	l.m.mu.RLock()
	defer l.m.mu.RUnlock()
	for _, b := range l.m.borrows {
		if b.UserID == userID && b.Book.ISBN == isbn && b.Open() {
			return l.m.withBookLocked(b), true, nil
		}
	}
	return domain.Borrow{}, false, nil
}

func (l memoryLedger) FindLatestBorrow(_ context.Context, userID, isbn string) (domain.Borrow, bool, error) {
	l.m.mu.RLock()
	defer l.m.mu.RUnlock()
	for i := len(l.m.borrows) - 1; i >= 0; i-- {
		b := l.m.borrows[i]
		if b.UserID == userID && b.Book.ISBN == isbn {
			return l.m.withBookLocked(b), true, nil
		}
	}
	return domain.Borrow{}, false, nil
}

func (l memoryLedger) CountOpenBorrows(_ context.Context, isbn string) (int, error) {
	l.m.mu.RLock()
	defer l.m.mu.RUnlock()
	n := 0
	for _, b := range l.m.borrows {
		if b.Book.ISBN == isbn && b.Open() {
			n++
		}
	}
	return n, nil
}

func (l memoryLedger) CreateBorrow(_ context.Context, user domain.Identity, book domain.Book, borrowedAt time.Time) (domain.Borrow, error) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	for _, b := range l.m.borrows {
		if b.UserID == user.ID && b.Book.ISBN == book.ISBN && b.Open() {
			return domain.Borrow{}, ErrDuplicateOpenBorrow
		}
	}
	borrow := domain.Borrow{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		Username:   user.Username,
		Book:       book,
		BorrowedAt: borrowedAt.UTC(),
	}
	l.m.borrows = append(l.m.borrows, borrow)
	return borrow, nil
}

func (l memoryLedger) CloseBorrow(_ context.Context, borrow domain.Borrow, returnedAt time.Time) (domain.Borrow, error) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	for i := range l.m.borrows {
		if l.m.borrows[i].ID != borrow.ID {
			continue
		}
		if !l.m.borrows[i].Open() {
			return domain.Borrow{}, ErrAlreadyReturned
		}
		at := returnedAt.UTC()
		l.m.borrows[i].ReturnedAt = &at
		return l.m.withBookLocked(l.m.borrows[i]), nil
	}
	return domain.Borrow{}, ErrNotFound
}
