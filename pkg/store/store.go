package store

import (
	"context"
	"errors"
	"time"

	"libraryhub/pkg/domain"
)

var (
	// ErrDuplicateKey is returned when a member or book code is already taken.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrRetriesExhausted wraps the last serialization failure once the retry budget is spent.
	ErrRetriesExhausted = errors.New("transaction retries exhausted")
)

// Store defines persistence operations for members, books, and loans.
type Store interface {
	// members
	CreateMember(ctx context.Context, m domain.Member) error
	GetMember(ctx context.Context, code string) (domain.Member, bool, error)
	ListMembers(ctx context.Context) ([]domain.Member, error)
	ClearExpiredPenalty(ctx context.Context, code string, now time.Time) (bool, error)
	ListMembersWithOpenLoans(ctx context.Context) ([]domain.MemberLoans, error)

	// books
	CreateBook(ctx context.Context, b domain.Book) error
	GetBook(ctx context.Context, code string) (domain.Book, bool, error)
	ListAvailableBooks(ctx context.Context) ([]domain.Book, error)

	// WithinTx runs fn in a single serializable transaction. fn may be invoked
	// more than once when the database aborts it with a serialization failure,
	// so it must not have side effects outside the Tx.
	WithinTx(ctx context.Context, fn func(Tx) error) error

	Ping(ctx context.Context) error
	Close() error
}

// Tx is the transaction-scoped view used by the borrow and return workflows.
type Tx interface {
	// OpenLoanByMember returns any open loan held by the member.
	OpenLoanByMember(memberCode string) (domain.Loan, bool, error)
	// OpenLoanByOtherMember returns an open loan on the book held by someone other than memberCode.
	OpenLoanByOtherMember(bookCode, memberCode string) (domain.Loan, bool, error)
	// OpenLoan returns the open loan on bookCode held by memberCode.
	OpenLoan(memberCode, bookCode string) (domain.Loan, bool, error)

	CreateLoan(memberCode, bookCode string, borrowedAt time.Time) (domain.Loan, error)
	// CloseLoan sets the return date if the loan is still open and reports whether it was.
	CloseLoan(id int64, returnedAt time.Time) (domain.Loan, bool, error)

	// DecrementStock takes one copy and reports false when none is left.
	DecrementStock(bookCode string) (bool, error)
	IncrementStock(bookCode string) error

	SetPenalty(memberCode string, until time.Time) error
}
