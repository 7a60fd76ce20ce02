package app

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookloan/pkg/domain"
	"bookloan/pkg/events"
	"bookloan/pkg/store"
)

var (
	admin  = domain.Identity{ID: "admin-1", Username: "admin", IsAdmin: true}
	reader = domain.Identity{ID: "user-1", Username: "reader"}
	other  = domain.Identity{ID: "user-2", Username: "other"}
)

const isbn = "1234567890123"

type countingRecorder struct {
	mu       sync.Mutex
	counts   map[string]int
	negative int
}

func (r *countingRecorder) Observe(operation, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[operation+"/"+outcome]++
}

func (r *countingRecorder) NegativeAvailability() {
	r.mu.Lock()
	r.negative++
	r.mu.Unlock()
}

type fixture struct {
	app      *App
	store    *store.MemoryStore
	events   *events.Memory
	recorder *countingRecorder
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemoryStore(),
		events:   &events.Memory{},
		recorder: &countingRecorder{},
		clock:    time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	a, err := New(Config{
		Store:     f.store,
		Publisher: f.events,
		Metrics:   f.recorder,
		Now: func() time.Time {
			f.clock = f.clock.Add(time.Minute)
			return f.clock
		},
	})
	require.NoError(t, err)
	f.app = a
	return f
}

func (f *fixture) stock(t *testing.T, copies string) {
	t.Helper()
	_, err := f.app.AddBook(context.Background(), admin, BookInput{Title: "Test Book", Author: "Test Author", ISBN: isbn, AvailableCopies: copies})
	require.NoError(t, err)
}

func TestNewRequiresDatabaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	a, err := New(Config{DatabaseURL: MemoryDatabaseURL})
	require.NoError(t, err)
	books, err := a.ListBooks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, books)
}

func TestAddBookRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "5")
	_, err := f.app.AddBook(context.Background(), admin, BookInput{Title: "Ignored", Author: "Ignored", ISBN: isbn, AvailableCopies: "3"})
	require.NoError(t, err)

	book, ok, err := f.store.GetBook(context.Background(), isbn)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 8, book.AvailableCopies)

	books, err := f.app.ListBooks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Test Book by Test Author. ISBN: 1234567890123."}, books)
	assert.Equal(t, 2, f.recorder.counts["add_book/ok"])
	assert.Len(t, f.events.Events(), 2)
}

func TestAddBookRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	for _, caller := range []domain.Identity{{}, reader} {
		_, err := f.app.AddBook(context.Background(), caller, BookInput{Title: "T", Author: "A", ISBN: isbn, AvailableCopies: "5"})
		assert.ErrorIs(t, err, ErrForbidden)
	}
	books, _ := f.app.ListBooks(context.Background())
	assert.Empty(t, books)
}

func TestAddBookValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		in   BookInput
		want string
	}{
		{BookInput{Author: "A", ISBN: isbn, AvailableCopies: "1"}, "Please provide book title"},
		{BookInput{Title: "T", ISBN: isbn, AvailableCopies: "1"}, "Please provide book author"},
		{BookInput{Title: "T", Author: "A", AvailableCopies: "1"}, "Please provide book isbn"},
		{BookInput{Title: "T", Author: "A", ISBN: isbn}, "Please provide available copies"},
		{BookInput{Title: "T", Author: "A", ISBN: isbn, AvailableCopies: "many"}, "Please provide available copies"},
		{BookInput{Title: "T", Author: "A", ISBN: isbn, AvailableCopies: "0"}, "Please provide available copies"},
		{BookInput{Title: "T", Author: "A", ISBN: isbn, AvailableCopies: "-2"}, "Please provide available copies"},
		{BookInput{Title: "T", Author: "A", ISBN: isbn, AvailableCopies: "2147483648"}, "Please provide available copies"},
		{BookInput{Title: "T", Author: "A", ISBN: isbn, AvailableCopies: "9223372036854775807"}, "Please provide available copies"},
	}
	for _, tc := range cases {
		_, err := f.app.AddBook(context.Background(), admin, tc.in)
		var verr *ValidationError
		require.True(t, errors.As(err, &verr), "input %+v", tc.in)
		assert.Equal(t, tc.want, verr.Message)
	}
}

func TestAddBookRefusesCopiesOverflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stock(t, strconv.Itoa(domain.MaxAvailableCopies))

	_, err := f.app.AddBook(ctx, admin, BookInput{Title: "Test Book", Author: "Test Author", ISBN: isbn, AvailableCopies: "1"})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "Please provide available copies", verr.Message)
	assert.Equal(t, 1, f.recorder.counts["add_book/overflow"])
	assert.Len(t, f.events.Events(), 1)

	book, _, err := f.store.GetBook(ctx, isbn)
	require.NoError(t, err)
	assert.Equal(t, domain.MaxAvailableCopies, book.AvailableCopies)

	out, err := f.app.Borrow(ctx, reader, isbn)
	require.NoError(t, err)
	assert.Equal(t, BorrowOK, out.Status)
	assert.Zero(t, f.recorder.negative)
}

func TestBorrowBoundary(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "1")
	ctx := context.Background()

	out, err := f.app.Borrow(ctx, reader, isbn)
	require.NoError(t, err)
	assert.Equal(t, BorrowOK, out.Status)
	assert.Equal(t, "ok", out.Message)

	out, err = f.app.Borrow(ctx, other, isbn)
	require.NoError(t, err)
	assert.Equal(t, BorrowUnavailable, out.Status)
	assert.Equal(t, "Test Book by Test Author. ISBN: 1234567890123. isn't available.", out.Message)

	book, _, _ := f.store.GetBook(ctx, isbn)
	assert.Equal(t, 1, book.AvailableCopies, "nominal count is never decremented")
}

func TestBorrowChecksAvailabilityBeforeDuplicate(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "1")
	ctx := context.Background()
	_, err := f.app.Borrow(ctx, reader, isbn)
	require.NoError(t, err)

	out, err := f.app.Borrow(ctx, reader, isbn)
	require.NoError(t, err)
	assert.Equal(t, BorrowUnavailable, out.Status)
}

func TestBorrowTwiceReportsExistingBorrow(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "5")
	ctx := context.Background()
	first, err := f.app.Borrow(ctx, reader, isbn)
	require.NoError(t, err)

	out, err := f.app.Borrow(ctx, reader, isbn)
	require.NoError(t, err)
	assert.Equal(t, BorrowAlreadyBorrowed, out.Status)
	assert.Equal(t,
		"User has already borrowed Test Book by Test Author. ISBN: 1234567890123. and cannot borrow twice: "+first.Borrow.String(),
		out.Message)

	open, err := f.store.ListOpenBorrows(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.Equal(t, 1, f.recorder.counts["borrow/already_borrowed"])
}

func TestBorrowErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.app.Borrow(ctx, domain.Identity{}, isbn)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = f.app.Borrow(ctx, reader, " ")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "Please provide book isbn", verr.Message)

	_, err = f.app.Borrow(ctx, reader, "9999999999999")
	assert.ErrorIs(t, err, ErrBookNotFound)
	assert.Equal(t, 1, f.recorder.counts["borrow/not_found"])
}

func TestReturnLifecycle(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "2")
	ctx := context.Background()

	_, err := f.app.Return(ctx, reader, isbn)
	assert.ErrorIs(t, err, ErrNotBorrowed)

	borrowed, err := f.app.Borrow(ctx, reader, isbn)
	require.NoError(t, err)

	closed, err := f.app.Return(ctx, reader, isbn)
	require.NoError(t, err)
	require.NotNil(t, closed.ReturnedAt)
	assert.Equal(t, borrowed.Borrow.ID, closed.ID)
	returnedAt := *closed.ReturnedAt

	_, err = f.app.Return(ctx, reader, isbn)
	assert.ErrorIs(t, err, ErrAlreadyReturned)

	err = f.store.WithBookLock(ctx, isbn, func(l store.BorrowLedger, _ domain.Book) error {
		latest, ok, err := l.FindLatestBorrow(ctx, reader.ID, isbn)
		require.True(t, ok)
		assert.True(t, latest.ReturnedAt.Equal(returnedAt), "second return must not touch returned_at")
		return err
	})
	require.NoError(t, err)

	again, err := f.app.Borrow(ctx, reader, isbn)
	require.NoError(t, err)
	assert.Equal(t, BorrowOK, again.Status, "re-borrowing after return is allowed")

	_, err = f.app.Return(ctx, reader, "9999999999999")
	assert.ErrorIs(t, err, ErrBookNotFound)
	_, err = f.app.Return(ctx, domain.Identity{}, isbn)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	types := []string{}
	for _, ev := range f.events.Events() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{events.TypeBookStocked, events.TypeBookBorrowed, events.TypeBookReturned, events.TypeBookBorrowed}, types)
}

func TestListOpenBorrows(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "3")
	ctx := context.Background()

	_, err := f.app.ListOpenBorrows(ctx, reader)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.app.Borrow(ctx, reader, isbn)
	require.NoError(t, err)
	_, err = f.app.Borrow(ctx, other, isbn)
	require.NoError(t, err)
	_, err = f.app.Return(ctx, other, isbn)
	require.NoError(t, err)

	list, err := f.app.ListOpenBorrows(ctx, admin)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Contains(t, list[0], "reader borrowed Test Book by Test Author. ISBN: 1234567890123. at 2024-05-01 09:02:00+00:00")
	assert.Contains(t, list[0], "and returned at null")
}

func TestConcurrentBorrowsNeverOverdraw(t *testing.T) {
	s := store.NewMemoryStore()
	a, err := New(Config{Store: s})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = a.AddBook(ctx, admin, BookInput{Title: "T", Author: "A", ISBN: isbn, AvailableCopies: "3"})
	require.NoError(t, err)

	const callers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := a.Borrow(ctx, domain.Identity{ID: string(rune('a' + i)), Username: "u"}, isbn)
			if err == nil && out.Status == BorrowOK {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, ok)
	open, err := s.ListOpenBorrows(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 3)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, events.LendingEvent) error {
	return errors.New("stream down")
}

func TestPublishFailureDoesNotFailBorrow(t *testing.T) {
	a, err := New(Config{Store: store.NewMemoryStore(), Publisher: failingPublisher{}})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = a.AddBook(ctx, admin, BookInput{Title: "T", Author: "A", ISBN: isbn, AvailableCopies: "1"})
	require.NoError(t, err)
	out, err := a.Borrow(ctx, reader, isbn)
	require.NoError(t, err)
	assert.Equal(t, BorrowOK, out.Status)
}

// skewedStore reports fewer nominal copies than are already lent out.
type skewedStore struct {
	*store.MemoryStore
}

func (s skewedStore) WithBookLock(ctx context.Context, isbn string, fn func(store.BorrowLedger, domain.Book) error) error {
	return s.MemoryStore.WithBookLock(ctx, isbn, func(l store.BorrowLedger, b domain.Book) error {
		b.AvailableCopies = 0
		return fn(l, b)
	})
}

func TestNegativeAvailabilityIsFlagged(t *testing.T) {
	mem := store.NewMemoryStore()
	rec := &countingRecorder{}
	a, err := New(Config{Store: skewedStore{mem}, Metrics: rec})
	require.NoError(t, err)
	ctx := context.Background()
	book, err := mem.AddOrIncrease(ctx, isbn, "T", "A", 1)
	require.NoError(t, err)
	require.NoError(t, mem.WithBookLock(ctx, isbn, func(l store.BorrowLedger, _ domain.Book) error {
		_, err := l.CreateBorrow(ctx, reader, book, time.Now())
		return err
	}))

	out, err := a.Borrow(ctx, other, isbn)
	require.NoError(t, err)
	assert.Equal(t, BorrowUnavailable, out.Status)
	assert.Equal(t, 1, rec.negative)
}
