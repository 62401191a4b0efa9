package domain

import "time"

const (
	// LoanPeriod is how long a member may keep a book before returning it late.
	LoanPeriod = 7 * 24 * time.Hour
	// PenaltyDuration is how long a late-returning member is barred from borrowing.
	PenaltyDuration = 3 * 24 * time.Hour
)

type Member struct {
	Code           string     `json:"code"`
	Name           string     `json:"name"`
	PenaltyEndDate *time.Time `json:"penalty_end_date"`
}

type MemberSummary struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type Book struct {
	Code   string `json:"code"`
	Title  string `json:"title"`
	Author string `json:"author"`
	Stock  int    `json:"stock"`
}

// Loan is one lending transaction. It is open while ReturnDate is nil.
type Loan struct {
	ID         int64      `json:"id"`
	MemberCode string     `json:"member_code"`
	BookCode   string     `json:"book_code"`
	BorrowDate time.Time  `json:"borrow_date"`
	ReturnDate *time.Time `json:"return_date"`
}

func (l Loan) Open() bool {
	return l.ReturnDate == nil
}

type HeldBook struct {
	BookCode   string    `json:"book_code"`
	BookName   string    `json:"book_name"`
	BorrowDate time.Time `json:"borrow_date"`
}

// MemberLoans is a member annotated with the books they currently hold.
type MemberLoans struct {
	Code              string     `json:"code"`
	Name              string     `json:"name"`
	TotalBorrowedBook int        `json:"total_borrowed_book"`
	Books             []HeldBook `json:"books"`
}

type PenaltyStatus string

const (
	PenaltyNone    PenaltyStatus = "none"
	PenaltyActive  PenaltyStatus = "active"
	PenaltyExpired PenaltyStatus = "expired"
)

// PenaltyAt reports the effective penalty state of m at now without touching storage.
func (m Member) PenaltyAt(now time.Time) PenaltyStatus {
	if m.PenaltyEndDate == nil {
		return PenaltyNone
	}
	if m.PenaltyEndDate.Before(now) {
		return PenaltyExpired
	}
	return PenaltyActive
}

// LoanDays is the whole number of days between borrow and return, rounded up.
func LoanDays(borrowed, returned time.Time) int {
	diff := returned.Sub(borrowed)
	if diff < 0 {
		diff = -diff
	}
	days := diff / (24 * time.Hour)
	if diff%(24*time.Hour) != 0 {
		days++
	}
	return int(days)
}

// Overdue reports whether a loan borrowed at borrowed and returned at returned earns a penalty.
func Overdue(borrowed, returned time.Time) bool {
	return LoanDays(borrowed, returned) > int(LoanPeriod/(24*time.Hour))
}
