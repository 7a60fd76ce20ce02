package app

import (
	"context"
	"errors"
	"fmt"

	"bookloan/internal/metrics"
	"bookloan/pkg/domain"
	"bookloan/pkg/events"
	"bookloan/pkg/store"
)

// BorrowStatus is the business result of a borrow request.
type BorrowStatus string

const (
	BorrowOK              BorrowStatus = "ok"
	BorrowUnavailable     BorrowStatus = "unavailable"
	BorrowAlreadyBorrowed BorrowStatus = "already_borrowed"
)

// BorrowOutcome is returned for every handled borrow request. Unavailable and
// AlreadyBorrowed are answers, not errors.
type BorrowOutcome struct {
	Status  BorrowStatus
	Message string
	Borrow  domain.Borrow
}

// Borrow lends the book to the caller. Availability is checked before the
// duplicate check; both run with the book locked so concurrent borrows of
// the same ISBN cannot overdraw it.
func (a *App) Borrow(ctx context.Context, caller domain.Identity, isbn string) (BorrowOutcome, error) {
	if err := RequireAuthenticated(caller); err != nil {
		return BorrowOutcome{}, err
	}
	data, err := ValidateBook(ProfileISBNOnly, BookInput{ISBN: isbn})
	if err != nil {
		return BorrowOutcome{}, err
	}

	var out BorrowOutcome
	err = a.store.WithBookLock(ctx, data.ISBN, func(ledger store.BorrowLedger, book domain.Book) error {
		available, err := a.effectiveAvailability(ctx, ledger, book)
		if err != nil {
			return err
		}
		if available < 1 {
			out = BorrowOutcome{Status: BorrowUnavailable, Message: fmt.Sprintf("%s isn't available.", book)}
			return nil
		}
		existing, ok, err := ledger.FindOpenBorrow(ctx, caller.ID, book.ISBN)
		if err != nil {
			return err
		}
		if ok {
			out = BorrowOutcome{
				Status:  BorrowAlreadyBorrowed,
				Message: fmt.Sprintf("User has already borrowed %s and cannot borrow twice: %s", book, existing),
				Borrow:  existing,
			}
			return nil
		}
		borrow, err := ledger.CreateBorrow(ctx, caller, book, a.now())
		if err != nil {
			return err
		}
		out = BorrowOutcome{Status: BorrowOK, Message: "ok", Borrow: borrow}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.metrics.Observe("borrow", metrics.OutcomeNotFound)
			return BorrowOutcome{}, ErrBookNotFound
		}
		a.metrics.Observe("borrow", metrics.OutcomeError)
		return BorrowOutcome{}, fmt.Errorf("borrow %s: %w", data.ISBN, err)
	}
	a.metrics.Observe("borrow", string(out.Status))
	if out.Status == BorrowOK {
		a.publish(ctx, events.LendingEvent{
			Type:       events.TypeBookBorrowed,
			ISBN:       out.Borrow.Book.ISBN,
			UserID:     caller.ID,
			Username:   caller.Username,
			BorrowID:   out.Borrow.ID,
			OccurredAt: out.Borrow.BorrowedAt,
		})
	}
	return out, nil
}

// Return closes the caller's open borrow of the book. With no open borrow it
// fails with ErrAlreadyReturned when an earlier borrow exists, otherwise
// with ErrNotBorrowed.
func (a *App) Return(ctx context.Context, caller domain.Identity, isbn string) (domain.Borrow, error) {
	if err := RequireAuthenticated(caller); err != nil {
		return domain.Borrow{}, err
	}
	data, err := ValidateBook(ProfileISBNOnly, BookInput{ISBN: isbn})
	if err != nil {
		return domain.Borrow{}, err
	}

	var closed domain.Borrow
	err = a.store.WithBookLock(ctx, data.ISBN, func(ledger store.BorrowLedger, book domain.Book) error {
		open, ok, err := ledger.FindOpenBorrow(ctx, caller.ID, book.ISBN)
		if err != nil {
			return err
		}
		if !ok {
			_, borrowedBefore, err := ledger.FindLatestBorrow(ctx, caller.ID, book.ISBN)
			if err != nil {
				return err
			}
			if borrowedBefore {
				return ErrAlreadyReturned
			}
			return ErrNotBorrowed
		}
		closed, err = ledger.CloseBorrow(ctx, open, a.now())
		if errors.Is(err, store.ErrAlreadyReturned) {
			return ErrAlreadyReturned
		}
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		a.metrics.Observe("return", metrics.OutcomeNotFound)
		return domain.Borrow{}, ErrBookNotFound
	case errors.Is(err, ErrNotBorrowed):
		a.metrics.Observe("return", metrics.OutcomeNotBorrowed)
		return domain.Borrow{}, err
	case errors.Is(err, ErrAlreadyReturned):
		a.metrics.Observe("return", metrics.OutcomeAlreadyReturned)
		return domain.Borrow{}, err
	default:
		a.metrics.Observe("return", metrics.OutcomeError)
		return domain.Borrow{}, fmt.Errorf("return %s: %w", data.ISBN, err)
	}
	a.metrics.Observe("return", metrics.OutcomeOK)
	returnedAt := a.now().UTC()
	if closed.ReturnedAt != nil {
		returnedAt = *closed.ReturnedAt
	}
	a.publish(ctx, events.LendingEvent{
		Type:       events.TypeBookReturned,
		ISBN:       data.ISBN,
		UserID:     caller.ID,
		Username:   caller.Username,
		BorrowID:   closed.ID,
		OccurredAt: returnedAt,
	})
	return closed, nil
}

// ListOpenBorrows renders every open borrow, oldest first. Admin only.
func (a *App) ListOpenBorrows(ctx context.Context, caller domain.Identity) ([]string, error) {
	if err := RequireAdmin(caller); err != nil {
		return nil, err
	}
	borrows, err := a.store.ListOpenBorrows(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(borrows))
	for _, b := range borrows {
		out = append(out, b.String())
	}
	return out, nil
}
