package app

import "errors"

// Kind classifies application errors so transports can map them to status codes.
type Kind string

const (
	KindDuplicateKey Kind = "duplicate_key"
	KindNotFound     Kind = "not_found"
	KindForbidden    Kind = "forbidden"
	KindConflict     Kind = "conflict"
	KindBadRequest   Kind = "bad_request"
)

// Error is a business rule violation with a client-facing message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind. A target without a message
// matches every error of its kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Kind-wide sentinels.
var (
	ErrDuplicateKey = &Error{Kind: KindDuplicateKey}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrForbidden    = &Error{Kind: KindForbidden}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrBadRequest   = &Error{Kind: KindBadRequest}
)

var (
	ErrMemberCodeUsed   = newError(KindDuplicateKey, "Member code already used")
	ErrBookCodeUsed     = newError(KindDuplicateKey, "Book code already used")
	ErrMemberNotFound   = newError(KindNotFound, "Member not found")
	ErrBookNotFound     = newError(KindNotFound, "Book not found")
	ErrMemberPenalized  = newError(KindForbidden, "Member is currently penalized and cannot borrow books")
	ErrBorrowLimit      = newError(KindConflict, "Can't borrow more than 2 books")
	ErrBookBorrowed     = newError(KindConflict, "Book is already borrowed by other member")
	ErrOutOfStock       = newError(KindConflict, "Book is out of stock")
	ErrConcurrentUpdate = newError(KindConflict, "Request conflicted with a concurrent update, please retry")
	ErrBookNotBorrowed  = newError(KindBadRequest, "The returned book is not a book that the member has borrowed")
	ErrNegativeStock    = newError(KindBadRequest, "stock must be a non-negative integer")
)

// ValidationError reports a missing or malformed input field.
func ValidationError(msg string) error {
	return newError(KindBadRequest, msg)
}

func requiredField(field string) error {
	return ValidationError(field + " should not be empty")
}

// KindOf returns the kind of err, or "" when err is not an application error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}
