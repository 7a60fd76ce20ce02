package app

import (
	"strconv"
	"strings"

	"bookloan/pkg/domain"
)

var errCopiesInvalid = &ValidationError{Field: "available_copies", Message: "Please provide available copies"}

// BookProfile selects which book fields a request must carry.
type BookProfile struct {
	RequireTitle  bool
	RequireAuthor bool
	RequireISBN   bool
	RequireCopies bool
}

var (
	// ProfileCatalogAdd is used by POST /books.
	ProfileCatalogAdd = BookProfile{RequireTitle: true, RequireAuthor: true, RequireISBN: true, RequireCopies: true}
	// ProfileISBNOnly is used by borrow and return.
	ProfileISBNOnly = BookProfile{RequireISBN: true}
)

// BookInput is the raw form of a book request.
type BookInput struct {
	Title           string
	Author          string
	ISBN            string
	AvailableCopies string
}

// BookData is a validated book request.
type BookData struct {
	Title           string
	Author          string
	ISBN            string
	AvailableCopies int
}

// ValidateBook checks in against profile, reporting the first failing field
// in title, author, isbn, copies order.
func ValidateBook(profile BookProfile, in BookInput) (BookData, error) {
	data := BookData{
		Title:  strings.TrimSpace(in.Title),
		Author: strings.TrimSpace(in.Author),
		ISBN:   strings.TrimSpace(in.ISBN),
	}
	if profile.RequireTitle && data.Title == "" {
		return BookData{}, &ValidationError{Field: "title", Message: "Please provide book title"}
	}
	if profile.RequireAuthor && data.Author == "" {
		return BookData{}, &ValidationError{Field: "author", Message: "Please provide book author"}
	}
	if profile.RequireISBN && data.ISBN == "" {
		return BookData{}, &ValidationError{Field: "isbn", Message: "Please provide book isbn"}
	}
	if profile.RequireCopies {
		copies, err := strconv.Atoi(strings.TrimSpace(in.AvailableCopies))
		if err != nil || copies <= 0 || copies > domain.MaxAvailableCopies {
			return BookData{}, errCopiesInvalid
		}
		data.AvailableCopies = copies
	}
	return data, nil
}
