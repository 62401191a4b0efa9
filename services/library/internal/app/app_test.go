package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"libraryhub/pkg/domain"
	"libraryhub/pkg/events"
	"libraryhub/pkg/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
	// tick moves the clock forward after every read when set.
	tick time.Duration
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.tick)
	return now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.LoanEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.LoanEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.events = append(p.events, ev)
	return "1-0", nil
}

func (p *recordingPublisher) Events() []events.LoanEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.LoanEvent(nil), p.events...)
}

type fixture struct {
	app       *App
	store     *store.GormStore
	clock     *testClock
	publisher *recordingPublisher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st, err := store.Open("sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	publisher := &recordingPublisher{}
	a, err := New(Config{Store: st, Events: publisher, Now: clock.Now})
	require.NoError(t, err)

	ctx := context.Background()
	for _, m := range [][2]string{{"M001", "Angga"}, {"M002", "Ferry"}, {"M003", "Putri"}} {
		_, err := a.Members.Register(ctx, m[0], m[1])
		require.NoError(t, err)
	}
	books := []domain.Book{
		{Code: "JK-45", Title: "Harry Potter", Author: "J.K Rowling", Stock: 1},
		{Code: "SHR-1", Title: "A Study in Scarlet", Author: "Arthur Conan Doyle", Stock: 1},
		{Code: "TW-11", Title: "Twilight", Author: "Stephenie Meyer", Stock: 2},
	}
	for _, b := range books {
		_, err := a.Books.Register(ctx, b.Code, b.Title, b.Author, b.Stock)
		require.NoError(t, err)
	}
	return fixture{app: a, store: st, clock: clock, publisher: publisher}
}

func (f fixture) stock(t *testing.T, code string) int {
	t.Helper()
	book, ok, err := f.store.GetBook(context.Background(), code)
	require.NoError(t, err)
	require.True(t, ok, "book %s missing", code)
	return book.Stock
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without store")
	}
}

func TestRegisterRejectsDuplicatesAndBlankFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.app.Members.Register(ctx, "M001", "Someone")
	require.ErrorIs(t, err, ErrMemberCodeUsed)
	require.Equal(t, KindDuplicateKey, KindOf(err))

	_, err = f.app.Books.Register(ctx, "JK-45", "Other", "Other", 3)
	require.ErrorIs(t, err, ErrBookCodeUsed)

	_, err = f.app.Members.Register(ctx, "  ", "Name")
	require.EqualError(t, err, "code should not be empty")
	require.ErrorIs(t, err, ErrBadRequest)

	_, err = f.app.Books.Register(ctx, "NEW-1", "Title", "", 1)
	require.EqualError(t, err, "author should not be empty")

	_, err = f.app.Books.Register(ctx, "NEW-1", "Title", "Author", -1)
	require.ErrorIs(t, err, ErrNegativeStock)
}

func TestListMembersReturnsSummaries(t *testing.T) {
	f := newFixture(t)
	members, err := f.app.Members.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []domain.MemberSummary{
		{Code: "M001", Name: "Angga"},
		{Code: "M002", Name: "Ferry"},
		{Code: "M003", Name: "Putri"},
	}, members)
}

func TestBorrowDecrementsStockAndHidesBook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	loan, err := f.app.Loans.Borrow(ctx, "M001", "JK-45")
	require.NoError(t, err)
	require.Equal(t, "M001", loan.MemberCode)
	require.Equal(t, "JK-45", loan.BookCode)
	require.True(t, loan.Open())
	require.True(t, loan.BorrowDate.Equal(f.clock.Now()))
	require.Equal(t, 0, f.stock(t, "JK-45"))

	available, err := f.app.Books.ListAvailable(ctx)
	require.NoError(t, err)
	for _, b := range available {
		require.NotEqual(t, "JK-45", b.Code, "borrowed-out book must not be listed")
	}

	evs := f.publisher.Events()
	require.Len(t, evs, 1)
	require.Equal(t, events.TypeBookBorrowed, evs[0].Type)
	require.Equal(t, loan.ID, evs[0].LoanID)
}

func TestBorrowPreChecksRunInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.app.Loans.Borrow(ctx, "M404", "B404")
	require.ErrorIs(t, err, ErrMemberNotFound)

	_, err = f.app.Loans.Borrow(ctx, "M001", "B404")
	require.ErrorIs(t, err, ErrBookNotFound)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBorrowSecondBookIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.app.Loans.Borrow(ctx, "M001", "JK-45")
	require.NoError(t, err)
	_, err = f.app.Loans.Borrow(ctx, "M001", "SHR-1")
	require.ErrorIs(t, err, ErrBorrowLimit)
	require.EqualError(t, err, "Can't borrow more than 2 books")
	require.Equal(t, 1, f.stock(t, "SHR-1"))
}

func TestBorrowBookHeldByOtherMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.app.Loans.Borrow(ctx, "M002", "TW-11")
	require.NoError(t, err)
	_, err = f.app.Loans.Borrow(ctx, "M001", "TW-11")
	require.ErrorIs(t, err, ErrBookBorrowed)
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, 1, f.stock(t, "TW-11"))
}

func TestBorrowOutOfStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.app.Books.Register(ctx, "EMPTY-1", "Shelf Warmer", "Nobody", 0)
	require.NoError(t, err)
	_, err = f.app.Loans.Borrow(ctx, "M001", "EMPTY-1")
	require.ErrorIs(t, err, ErrOutOfStock)
	require.Equal(t, 0, f.stock(t, "EMPTY-1"))

	_, held, err := f.openLoan(t, "M001")
	require.NoError(t, err)
	require.False(t, held, "failed borrow must not leave a loan behind")
}

func (f fixture) openLoan(t *testing.T, member string) (domain.Loan, bool, error) {
	t.Helper()
	var (
		loan domain.Loan
		ok   bool
	)
	err := f.store.WithinTx(context.Background(), func(tx store.Tx) error {
		var err error
		loan, ok, err = tx.OpenLoanByMember(member)
		return err
	})
	return loan, ok, err
}

func TestBorrowThenReturnRestoresStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	borrowed, err := f.app.Loans.Borrow(ctx, "M001", "SHR-1")
	require.NoError(t, err)
	f.clock.Advance(2 * 24 * time.Hour)

	returned, err := f.app.Loans.Return(ctx, "M001", "SHR-1")
	require.NoError(t, err)
	require.Equal(t, borrowed.ID, returned.ID)
	require.False(t, returned.Open())
	require.True(t, returned.ReturnDate.Equal(f.clock.Now()))
	require.Equal(t, 1, f.stock(t, "SHR-1"))

	member, _, err := f.store.GetMember(ctx, "M001")
	require.NoError(t, err)
	require.Nil(t, member.PenaltyEndDate)

	evs := f.publisher.Events()
	require.Len(t, evs, 2)
	require.Equal(t, events.TypeBookReturned, evs[1].Type)
	require.False(t, evs[1].Penalized)

	_, err = f.app.Loans.Return(ctx, "M001", "SHR-1")
	require.ErrorIs(t, err, ErrBookNotBorrowed)
}

func TestReturnBookNeverBorrowed(t *testing.T) {
	f := newFixture(t)
	_, err := f.app.Loans.Return(context.Background(), "M001", "SHR-1")
	require.ErrorIs(t, err, ErrBookNotBorrowed)
	require.EqualError(t, err, "The returned book is not a book that the member has borrowed")
	require.Equal(t, 1, f.stock(t, "SHR-1"))
}

func TestReturnOnDayLimitIsNotPenalized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.app.Loans.Borrow(ctx, "M001", "JK-45")
	require.NoError(t, err)
	f.clock.Advance(domain.LoanPeriod)
	_, err = f.app.Loans.Return(ctx, "M001", "JK-45")
	require.NoError(t, err)

	penalized, err := f.app.Members.IsPenalized(ctx, "M001")
	require.NoError(t, err)
	require.False(t, penalized)
}

func TestLateReturnPenalizesUntilExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.app.Loans.Borrow(ctx, "M001", "JK-45")
	require.NoError(t, err)
	f.clock.Advance(8 * 24 * time.Hour)

	returnedAt := f.clock.Now()
	_, err = f.app.Loans.Return(ctx, "M001", "JK-45")
	require.NoError(t, err)
	require.Equal(t, 1, f.stock(t, "JK-45"))

	member, _, err := f.store.GetMember(ctx, "M001")
	require.NoError(t, err)
	require.NotNil(t, member.PenaltyEndDate)
	require.True(t, member.PenaltyEndDate.Equal(returnedAt.Add(domain.PenaltyDuration)))

	evs := f.publisher.Events()
	require.True(t, evs[len(evs)-1].Penalized)

	_, err = f.app.Loans.Borrow(ctx, "M001", "SHR-1")
	require.ErrorIs(t, err, ErrMemberPenalized)
	require.Equal(t, KindForbidden, KindOf(err))

	// Still penalized on the exact end instant.
	f.clock.Advance(domain.PenaltyDuration)
	penalized, err := f.app.Members.IsPenalized(ctx, "M001")
	require.NoError(t, err)
	require.True(t, penalized)

	f.clock.Advance(time.Second)
	penalized, err = f.app.Members.IsPenalized(ctx, "M001")
	require.NoError(t, err)
	require.False(t, penalized)

	member, _, err = f.store.GetMember(ctx, "M001")
	require.NoError(t, err)
	require.Nil(t, member.PenaltyEndDate, "expired penalty should be cleared")

	_, err = f.app.Loans.Borrow(ctx, "M001", "SHR-1")
	require.NoError(t, err)
}

func TestPenaltyCountsFromRecordedReturnDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.app.Loans.Borrow(ctx, "M001", "JK-45")
	require.NoError(t, err)
	f.clock.Advance(10 * 24 * time.Hour)
	f.clock.mu.Lock()
	f.clock.tick = time.Millisecond
	f.clock.mu.Unlock()

	returned, err := f.app.Loans.Return(ctx, "M001", "JK-45")
	require.NoError(t, err)
	require.NotNil(t, returned.ReturnDate)

	member, _, err := f.store.GetMember(ctx, "M001")
	require.NoError(t, err)
	require.NotNil(t, member.PenaltyEndDate)
	require.True(t, member.PenaltyEndDate.Equal(returned.ReturnDate.Add(domain.PenaltyDuration)),
		"penalty end %s, return date %s", member.PenaltyEndDate, returned.ReturnDate)
}

func TestIsPenalizedUnknownMember(t *testing.T) {
	f := newFixture(t)
	_, err := f.app.Members.IsPenalized(context.Background(), "M404")
	require.ErrorIs(t, err, ErrMemberNotFound)
}

func TestListWithOpenLoans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.app.Loans.Borrow(ctx, "M002", "JK-45")
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = f.app.Loans.Borrow(ctx, "M003", "TW-11")
	require.NoError(t, err)

	members, err := f.app.Members.ListWithOpenLoans(ctx)
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, "M002", members[0].Code)
	require.Equal(t, 1, members[0].TotalBorrowedBook)
	require.Equal(t, "Harry Potter", members[0].Books[0].BookName)
	require.Equal(t, "M003", members[1].Code)
	require.Equal(t, "TW-11", members[1].Books[0].BookCode)

	_, err = f.app.Loans.Return(ctx, "M002", "JK-45")
	require.NoError(t, err)
	members, err = f.app.Members.ListWithOpenLoans(ctx)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "M003", members[0].Code)
}

func TestPublishFailureDoesNotFailBorrow(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("redis down")

	_, err := f.app.Loans.Borrow(context.Background(), "M001", "JK-45")
	require.NoError(t, err)
	require.Equal(t, 0, f.stock(t, "JK-45"))
}

func runConcurrently(n int, fn func(i int) error) []error {
	start := make(chan struct{})
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = fn(i)
		}(i)
	}
	close(start)
	wg.Wait()
	return errs
}

func TestConcurrentBorrowsBySameMember(t *testing.T) {
	f := newFixture(t)
	books := []string{"JK-45", "SHR-1"}
	errs := runConcurrently(len(books), func(i int) error {
		_, err := f.app.Loans.Borrow(context.Background(), "M001", books[i])
		return err
	})

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		require.ErrorIs(t, err, ErrBorrowLimit)
	}
	require.Equal(t, 1, successes)
	require.Equal(t, 1, f.stock(t, "JK-45")+f.stock(t, "SHR-1"))
}

func TestConcurrentBorrowsOfSameBook(t *testing.T) {
	f := newFixture(t)
	members := []string{"M001", "M002", "M003"}
	errs := runConcurrently(len(members), func(i int) error {
		_, err := f.app.Loans.Borrow(context.Background(), members[i], "TW-11")
		return err
	})

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		require.ErrorIs(t, err, ErrConflict)
	}
	require.Equal(t, 1, successes)
	require.Equal(t, 1, f.stock(t, "TW-11"))
}

func TestStockNeverNegative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	members := []string{"M001", "M002", "M003"}
	for round := 0; round < 3; round++ {
		errs := runConcurrently(len(members), func(i int) error {
			_, err := f.app.Loans.Borrow(ctx, members[i], "JK-45")
			return err
		})
		for i, err := range errs {
			if err == nil {
				_, err := f.app.Loans.Return(ctx, members[i], "JK-45")
				require.NoError(t, err)
			}
		}
		require.GreaterOrEqual(t, f.stock(t, "JK-45"), 0)
	}
	require.Equal(t, 1, f.stock(t, "JK-45"))
}

type exhaustedStore struct {
	store.Store
}

func (exhaustedStore) WithinTx(context.Context, func(store.Tx) error) error {
	return errors.Join(store.ErrRetriesExhausted, errors.New("serialization failure"))
}

func TestExhaustedRetriesSurfaceAsConflict(t *testing.T) {
	f := newFixture(t)
	a, err := New(Config{Store: exhaustedStore{Store: f.store}, Now: f.clock.Now})
	require.NoError(t, err)

	_, err = a.Loans.Borrow(context.Background(), "M001", "JK-45")
	require.ErrorIs(t, err, ErrConcurrentUpdate)
	require.ErrorIs(t, err, store.ErrRetriesExhausted)
	require.Equal(t, KindConflict, KindOf(err))
}
