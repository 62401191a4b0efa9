package store

import "time"

// GORM models used for persistence.
type MemberModel struct {
	Code           string `gorm:"primaryKey"`
	Name           string `gorm:"not null"`
	PenaltyEndDate *time.Time
	CreatedAt      time.Time `gorm:"not null"`
}

func (MemberModel) TableName() string { return "members" }

type BookModel struct {
	Code      string    `gorm:"primaryKey"`
	Title     string    `gorm:"not null"`
	Author    string    `gorm:"not null"`
	Stock     int       `gorm:"not null;check:chk_books_stock,stock >= 0"`
	CreatedAt time.Time `gorm:"not null"`
}

func (BookModel) TableName() string { return "books" }

// BorrowedBookModel is the append-only loan ledger. ReturnDate NULL means open.
type BorrowedBookModel struct {
	ID         int64       `gorm:"primaryKey;autoIncrement"`
	MemberCode string      `gorm:"not null;index:idx_borrowed_member_open,priority:1"`
	BookCode   string      `gorm:"not null;index:idx_borrowed_book_open,priority:1"`
	BorrowDate time.Time   `gorm:"not null"`
	ReturnDate *time.Time  `gorm:"index:idx_borrowed_member_open,priority:2;index:idx_borrowed_book_open,priority:2"`
	Member     MemberModel `gorm:"foreignKey:MemberCode;references:Code;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT"`
	Book       BookModel   `gorm:"foreignKey:BookCode;references:Code;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT"`
}

func (BorrowedBookModel) TableName() string { return "borrowed_books" }
