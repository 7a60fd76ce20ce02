package store

import "time"

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Username     string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	Role         string    `gorm:"not null"`
	Status       string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type BookModel struct {
	ISBN            string    `gorm:"primaryKey;size:13"`
	Title           string    `gorm:"not null"`
	Author          string    `gorm:"not null"`
	AvailableCopies int       `gorm:"not null;check:available_copies >= 0"`
	CreatedAt       time.Time `gorm:"not null;index"`
}

type BorrowModel struct {
	ID         string    `gorm:"primaryKey"`
	UserID     string    `gorm:"not null;index:idx_borrow_user_book"`
	Username   string    `gorm:"not null"`
	BookISBN   string    `gorm:"not null;size:13;index:idx_borrow_user_book;index"`
	Book       BookModel `gorm:"foreignKey:BookISBN;references:ISBN;constraint:OnDelete:CASCADE"`
	BorrowedAt time.Time `gorm:"not null;index"`
	ReturnedAt *time.Time
}
