package domain

import (
	"testing"
	"time"
)

func TestBookString(t *testing.T) {
	b := Book{ISBN: "9780132350884", Title: "Clean Code", Author: "Robert Martin"}
	if got, want := b.String(), "Clean Code by Robert Martin. ISBN: 9780132350884."; got != want {
		t.Fatalf("book string = %q, want %q", got, want)
	}
}

func TestBorrowString(t *testing.T) {
	zone := time.FixedZone("", 3*3600)
	borrowed := time.Date(2024, 3, 1, 10, 20, 30, 123456000, zone)
	b := Borrow{
		Username:   "ann",
		Book:       Book{ISBN: "1", Title: "T", Author: "A"},
		BorrowedAt: borrowed,
	}
	want := "ann borrowed T by A. ISBN: 1. at 2024-03-01 10:20:30.123456+03:00 and returned at null"
	if got := b.String(); got != want {
		t.Fatalf("open borrow string = %q, want %q", got, want)
	}
	if !b.Open() {
		t.Fatalf("expected open borrow")
	}

	returned := time.Date(2024, 3, 2, 8, 0, 0, 0, zone)
	b.ReturnedAt = &returned
	want = "ann borrowed T by A. ISBN: 1. at 2024-03-01 10:20:30.123456+03:00 and returned at 2024-03-02 08:00:00+03:00"
	if got := b.String(); got != want {
		t.Fatalf("closed borrow string = %q, want %q", got, want)
	}
	if b.Open() {
		t.Fatalf("expected closed borrow")
	}
}

func TestFormatBorrowTimeKeepsSixDigits(t *testing.T) {
	cases := []struct {
		at   time.Time
		want string
	}{
		{time.Date(2024, 5, 1, 9, 0, 0, 120000000, time.UTC), "2024-05-01 09:00:00.120000+00:00"},
		{time.Date(2024, 5, 1, 9, 0, 0, 1000, time.UTC), "2024-05-01 09:00:00.000001+00:00"},
		{time.Date(2024, 5, 1, 9, 0, 0, 999, time.UTC), "2024-05-01 09:00:00+00:00"},
		{time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), "2024-05-01 09:00:00+00:00"},
	}
	for _, tc := range cases {
		if got := FormatBorrowTime(tc.at); got != tc.want {
			t.Fatalf("format %v = %q, want %q", tc.at, got, tc.want)
		}
	}
}

func TestIdentityAnonymous(t *testing.T) {
	if !(Identity{}).Anonymous() {
		t.Fatalf("zero identity should be anonymous")
	}
	if (Identity{ID: "u1"}).Anonymous() {
		t.Fatalf("identity with id should not be anonymous")
	}
}
