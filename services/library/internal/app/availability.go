package app

import (
	"context"

	"bookloan/internal/util"
	"bookloan/pkg/domain"
	"bookloan/pkg/store"
)

// effectiveAvailability is the nominal copy count minus open borrows. It is
// read through the ledger of the current book lock and never cached.
func (a *App) effectiveAvailability(ctx context.Context, ledger store.BorrowLedger, book domain.Book) (int, error) {
	open, err := ledger.CountOpenBorrows(ctx, book.ISBN)
	if err != nil {
		return 0, err
	}
	available := book.AvailableCopies - open
	if available < 0 {
		util.LoggerFromContext(ctx).Warn("effective availability negative",
			"isbn", book.ISBN,
			"available_copies", book.AvailableCopies,
			"open_borrows", open,
		)
		a.metrics.NegativeAvailability()
	}
	return available, nil
}
