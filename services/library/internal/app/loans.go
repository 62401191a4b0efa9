package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"libraryhub/internal/metrics"
	"libraryhub/internal/util"
	"libraryhub/pkg/domain"
	"libraryhub/pkg/events"
	"libraryhub/pkg/store"
)

const (
	opBorrow = "borrow"
	opReturn = "return"

	publishTimeout = 2 * time.Second
)

// LoanCoordinator runs the borrow and return workflows. The loan checks are
// repeated inside the transaction; there are no in-process locks.
type LoanCoordinator struct {
	store   store.Store
	members *MemberService
	books   *BookService
	events  EventPublisher
	metrics *metrics.Metrics
	now     func() time.Time
}

// Borrow opens a loan of bookCode for memberCode.
func (c *LoanCoordinator) Borrow(ctx context.Context, memberCode, bookCode string) (domain.Loan, error) {
	loan, err := c.borrow(ctx, strings.TrimSpace(memberCode), strings.TrimSpace(bookCode))
	c.metrics.LoanOperation(opBorrow, outcome(err))
	if err != nil {
		return domain.Loan{}, err
	}
	c.publish(ctx, events.NewLoanEvent(events.TypeBookBorrowed, loan.ID, loan.MemberCode, loan.BookCode, false, loan.BorrowDate))
	return loan, nil
}

func (c *LoanCoordinator) borrow(ctx context.Context, memberCode, bookCode string) (domain.Loan, error) {
	if err := c.requireMemberAndBook(ctx, memberCode, bookCode); err != nil {
		return domain.Loan{}, err
	}
	penalized, err := c.members.IsPenalized(ctx, memberCode)
	if err != nil {
		return domain.Loan{}, err
	}
	if penalized {
		return domain.Loan{}, ErrMemberPenalized
	}

	var loan domain.Loan
	err = c.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, held, err := tx.OpenLoanByMember(memberCode); err != nil {
			return err
		} else if held {
			return ErrBorrowLimit
		}
		if _, taken, err := tx.OpenLoanByOtherMember(bookCode, memberCode); err != nil {
			return err
		} else if taken {
			return ErrBookBorrowed
		}
		ok, err := tx.DecrementStock(bookCode)
		if err != nil {
			return err
		}
		if !ok {
			return ErrOutOfStock
		}
		loan, err = tx.CreateLoan(memberCode, bookCode, c.now())
		return err
	})
	if err != nil {
		return domain.Loan{}, txError(opBorrow, err)
	}
	return loan, nil
}

// Return closes the member's open loan of bookCode, applying a penalty when
// the book comes back after the loan period.
func (c *LoanCoordinator) Return(ctx context.Context, memberCode, bookCode string) (domain.Loan, error) {
	loan, penalized, err := c.returnBook(ctx, strings.TrimSpace(memberCode), strings.TrimSpace(bookCode))
	c.metrics.LoanOperation(opReturn, outcome(err))
	if err != nil {
		return domain.Loan{}, err
	}
	if penalized {
		c.metrics.PenaltyApplied()
		util.LoggerFromContext(ctx).Info("penalty applied", "member_code", loan.MemberCode, "book_code", loan.BookCode)
	}
	c.publish(ctx, events.NewLoanEvent(events.TypeBookReturned, loan.ID, loan.MemberCode, loan.BookCode, penalized, *loan.ReturnDate))
	return loan, nil
}

func (c *LoanCoordinator) returnBook(ctx context.Context, memberCode, bookCode string) (domain.Loan, bool, error) {
	if err := c.requireMemberAndBook(ctx, memberCode, bookCode); err != nil {
		return domain.Loan{}, false, err
	}

	var (
		closed    domain.Loan
		penalized bool
	)
	err := c.store.WithinTx(ctx, func(tx store.Tx) error {
		penalized = false
		open, ok, err := tx.OpenLoan(memberCode, bookCode)
		if err != nil {
			return err
		}
		if !ok {
			return ErrBookNotBorrowed
		}
		now := c.now()
		if domain.Overdue(open.BorrowDate, now) {
			if _, err := c.members.ApplyPenalty(tx, memberCode, now); err != nil {
				return err
			}
			penalized = true
		}
		closed, ok, err = tx.CloseLoan(open.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrBookNotBorrowed
		}
		return c.books.IncrementStock(tx, bookCode)
	})
	if err != nil {
		return domain.Loan{}, false, txError(opReturn, err)
	}
	return closed, penalized, nil
}

func (c *LoanCoordinator) requireMemberAndBook(ctx context.Context, memberCode, bookCode string) error {
	if memberCode == "" {
		return requiredField("member_code")
	}
	if bookCode == "" {
		return requiredField("book_code")
	}
	if _, ok, err := c.members.FindByCode(ctx, memberCode); err != nil {
		return fmt.Errorf("get member: %w", err)
	} else if !ok {
		return ErrMemberNotFound
	}
	if _, ok, err := c.books.FindByCode(ctx, bookCode); err != nil {
		return fmt.Errorf("get book: %w", err)
	} else if !ok {
		return ErrBookNotFound
	}
	return nil
}

// publish is best effort: the loan is committed whatever happens here.
func (c *LoanCoordinator) publish(ctx context.Context, ev events.LoanEvent) {
	if c.events == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if _, err := c.events.Publish(pubCtx, ev); err != nil {
		c.metrics.PublishFailed()
		util.LoggerFromContext(ctx).Warn("publish loan event failed", "type", ev.Type, "loan_id", ev.LoanID, "err", err)
	}
}

func txError(op string, err error) error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, store.ErrRetriesExhausted) {
		return &Error{Kind: KindConflict, Message: ErrConcurrentUpdate.Message, Err: err}
	}
	return fmt.Errorf("%s transaction: %w", op, err)
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if kind := KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}
