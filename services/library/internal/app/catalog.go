package app

import (
	"context"
	"errors"

	"bookloan/internal/metrics"
	"bookloan/internal/util"
	"bookloan/pkg/domain"
	"bookloan/pkg/events"
	"bookloan/pkg/store"
)

// ListBooks renders the catalog in catalog order. Open to everyone.
func (a *App) ListBooks(ctx context.Context) ([]string, error) {
	books, err := a.store.ListBooks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(books))
	for _, b := range books {
		out = append(out, b.String())
	}
	return out, nil
}

// AddBook validates the request and adds it to the catalog, increasing the
// copy count when the ISBN already exists. Admin only.
func (a *App) AddBook(ctx context.Context, caller domain.Identity, in BookInput) (domain.Book, error) {
	if err := RequireAdmin(caller); err != nil {
		return domain.Book{}, err
	}
	data, err := ValidateBook(ProfileCatalogAdd, in)
	if err != nil {
		return domain.Book{}, err
	}
	book, err := a.store.AddOrIncrease(ctx, data.ISBN, data.Title, data.Author, data.AvailableCopies)
	if errors.Is(err, store.ErrCopiesOverflow) {
		a.metrics.Observe("add_book", metrics.OutcomeOverflow)
		return domain.Book{}, errCopiesInvalid
	}
	if err != nil {
		a.metrics.Observe("add_book", metrics.OutcomeError)
		return domain.Book{}, err
	}
	a.metrics.Observe("add_book", metrics.OutcomeOK)
	a.publish(ctx, events.LendingEvent{
		Type:       events.TypeBookStocked,
		ISBN:       book.ISBN,
		UserID:     caller.ID,
		Username:   caller.Username,
		Copies:     data.AvailableCopies,
		OccurredAt: a.now().UTC(),
	})
	return book, nil
}

func (a *App) publish(ctx context.Context, ev events.LendingEvent) {
	if err := a.publisher.Publish(ctx, ev); err != nil {
		util.LoggerFromContext(ctx).Warn("publish lending event failed", "type", ev.Type, "isbn", ev.ISBN, "err", err)
	}
}
