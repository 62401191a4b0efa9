package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"libraryhub/pkg/domain"
)

const migrateLockID int64 = 51420917

const (
	dialectPostgres = "postgres"
	dialectSQLite   = "sqlite"

	sqliteScheme = "sqlite://"
)

type GormStoreOptions struct {
	Retry RetryPolicy
}

type GormStoreOption func(*GormStoreOptions)

// WithRetryPolicy sets how serialization failures are retried.
func WithRetryPolicy(policy RetryPolicy) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.Retry = policy
	}
}

// GormStore implements Store using GORM over Postgres or SQLite.
type GormStore struct {
	db        *gorm.DB
	retry     RetryPolicy
	txOptions []*sql.TxOptions
}

// Open connects to dsn and runs auto-migrations. A dsn starting with
// sqlite:// selects SQLite (sqlite://:memory: for an in-memory database);
// anything else is handed to the Postgres driver.
func Open(dsn string, options ...GormStoreOption) (*GormStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("database URL required")
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	cfg := &gorm.Config{Logger: gormLog, TranslateError: true}

	var dialector gorm.Dialector
	isSQLite := strings.HasPrefix(dsn, sqliteScheme)
	if isSQLite {
		dialector = sqlite.Open(sqliteDSN(strings.TrimPrefix(dsn, sqliteScheme)))
	} else {
		dialector = postgres.Open(dsn)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if isSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		// One connection: writers queue up and an in-memory database stays alive.
		sqlDB.SetMaxOpenConns(1)
	}

	s := NewGormStore(db, options...)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewGormStore wraps an already opened handle without migrating it.
func NewGormStore(db *gorm.DB, options ...GormStoreOption) *GormStore {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	s := &GormStore{db: db, retry: opts.Retry}
	// SQLite transactions are serializable already and the driver has no isolation knob.
	if db.Dialector.Name() == dialectPostgres {
		s.txOptions = []*sql.TxOptions{{Isolation: sql.LevelSerializable}}
	}
	return s
}

func sqliteDSN(path string) string {
	if path == "" {
		path = ":memory:"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_foreign_keys=1&_busy_timeout=5000"
}

// Migrate creates or updates the members, books, and borrowed_books tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&MemberModel{}, &BookModel{}, &BorrowedBookModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if s.db.Dialector.Name() != dialectPostgres {
		return migrate(s.db.WithContext(ctx))
	}
	return withMigrationLock(ctx, s.db, migrate)
}

func withMigrationLock(ctx context.Context, db *gorm.DB, fn func(*gorm.DB) error) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db.WithContext(ctx))
}

// CreateMember inserts a member; an existing code yields ErrDuplicateKey.
func (s *GormStore) CreateMember(ctx context.Context, m domain.Member) error {
	model := memberToModel(m)
	model.CreatedAt = time.Now().UTC()
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if err := translateWriteError(res.Error); err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return ErrDuplicateKey
	}
	return nil
}

// GetMember looks up a member by code.
func (s *GormStore) GetMember(ctx context.Context, code string) (domain.Member, bool, error) {
	var model MemberModel
	if err := s.db.WithContext(ctx).First(&model, "code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Member{}, false, nil
		}
		return domain.Member{}, false, err
	}
	return memberFromModel(model), true, nil
}

// ListMembers returns all members ordered by code.
func (s *GormStore) ListMembers(ctx context.Context) ([]domain.Member, error) {
	var models []MemberModel
	if err := s.db.WithContext(ctx).Order("code ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Member, 0, len(models))
	for _, m := range models {
		res = append(res, memberFromModel(m))
	}
	return res, nil
}

// ClearExpiredPenalty nulls a penalty that ended before now. It is a no-op for
// members without a penalty or with one still running, so repeating it is safe.
func (s *GormStore) ClearExpiredPenalty(ctx context.Context, code string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&MemberModel{}).
		Where("code = ? AND penalty_end_date IS NOT NULL AND penalty_end_date < ?", code, now.UTC()).
		Update("penalty_end_date", nil)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

type openLoanRow struct {
	MemberCode string
	MemberName string
	BookCode   string
	BookTitle  string
	BorrowDate time.Time
}

// ListMembersWithOpenLoans returns members holding at least one open loan with the books they hold.
func (s *GormStore) ListMembersWithOpenLoans(ctx context.Context) ([]domain.MemberLoans, error) {
	var rows []openLoanRow
	err := s.db.WithContext(ctx).
		Table("borrowed_books AS bb").
		Select("m.code AS member_code, m.name AS member_name, bb.book_code AS book_code, b.title AS book_title, bb.borrow_date AS borrow_date").
		Joins("JOIN members m ON m.code = bb.member_code").
		Joins("JOIN books b ON b.code = bb.book_code").
		Where("bb.return_date IS NULL").
		Order("m.code ASC, bb.borrow_date ASC, bb.id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	res := make([]domain.MemberLoans, 0)
	for _, row := range rows {
		if len(res) == 0 || res[len(res)-1].Code != row.MemberCode {
			res = append(res, domain.MemberLoans{Code: row.MemberCode, Name: row.MemberName, Books: []domain.HeldBook{}})
		}
		last := &res[len(res)-1]
		last.Books = append(last.Books, domain.HeldBook{
			BookCode:   row.BookCode,
			BookName:   row.BookTitle,
			BorrowDate: row.BorrowDate.UTC(),
		})
		last.TotalBorrowedBook = len(last.Books)
	}
	return res, nil
}

// CreateBook inserts a book; an existing code yields ErrDuplicateKey.
func (s *GormStore) CreateBook(ctx context.Context, b domain.Book) error {
	model := bookToModel(b)
	model.CreatedAt = time.Now().UTC()
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if err := translateWriteError(res.Error); err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return ErrDuplicateKey
	}
	return nil
}

// GetBook looks up a book by code.
func (s *GormStore) GetBook(ctx context.Context, code string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).First(&model, "code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// ListAvailableBooks returns books with at least one copy in stock.
func (s *GormStore) ListAvailableBooks(ctx context.Context) ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.WithContext(ctx).Where("stock > ?", 0).Order("code ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// WithinTx runs fn inside a transaction and re-runs it on serialization failures.
func (s *GormStore) WithinTx(ctx context.Context, fn func(Tx) error) error {
	return runWithRetry(ctx, s.retry, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(&gormTx{db: tx})
		}, s.txOptions...)
	})
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) OpenLoanByMember(memberCode string) (domain.Loan, bool, error) {
	return t.findLoan("member_code = ? AND return_date IS NULL", memberCode)
}

func (t *gormTx) OpenLoanByOtherMember(bookCode, memberCode string) (domain.Loan, bool, error) {
	return t.findLoan("book_code = ? AND member_code <> ? AND return_date IS NULL", bookCode, memberCode)
}

func (t *gormTx) OpenLoan(memberCode, bookCode string) (domain.Loan, bool, error) {
	return t.findLoan("member_code = ? AND book_code = ? AND return_date IS NULL", memberCode, bookCode)
}

func (t *gormTx) findLoan(query string, args ...any) (domain.Loan, bool, error) {
	var model BorrowedBookModel
	if err := t.db.Where(query, args...).Order("id ASC").Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Loan{}, false, nil
		}
		return domain.Loan{}, false, err
	}
	return loanFromModel(model), true, nil
}

func (t *gormTx) CreateLoan(memberCode, bookCode string, borrowedAt time.Time) (domain.Loan, error) {
	model := BorrowedBookModel{
		MemberCode: memberCode,
		BookCode:   bookCode,
		BorrowDate: borrowedAt.UTC(),
	}
	if err := t.db.Omit(clause.Associations).Create(&model).Error; err != nil {
		return domain.Loan{}, err
	}
	return loanFromModel(model), nil
}

func (t *gormTx) CloseLoan(id int64, returnedAt time.Time) (domain.Loan, bool, error) {
	res := t.db.Model(&BorrowedBookModel{}).
		Where("id = ? AND return_date IS NULL", id).
		Update("return_date", returnedAt.UTC())
	if res.Error != nil {
		return domain.Loan{}, false, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Loan{}, false, nil
	}
	var model BorrowedBookModel
	if err := t.db.Take(&model, "id = ?", id).Error; err != nil {
		return domain.Loan{}, false, err
	}
	return loanFromModel(model), true, nil
}

func (t *gormTx) DecrementStock(bookCode string) (bool, error) {
	res := t.db.Model(&BookModel{}).
		Where("code = ? AND stock > 0", bookCode).
		UpdateColumn("stock", gorm.Expr("stock - ?", 1))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (t *gormTx) IncrementStock(bookCode string) error {
	res := t.db.Model(&BookModel{}).
		Where("code = ?", bookCode).
		UpdateColumn("stock", gorm.Expr("stock + ?", 1))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("increment stock: book %q not found", bookCode)
	}
	return nil
}

func (t *gormTx) SetPenalty(memberCode string, until time.Time) error {
	res := t.db.Model(&MemberModel{}).
		Where("code = ?", memberCode).
		Update("penalty_end_date", until.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("set penalty: member %q not found", memberCode)
	}
	return nil
}

func translateWriteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateKey
	}
	return err
}

func memberToModel(m domain.Member) MemberModel {
	return MemberModel{
		Code:           m.Code,
		Name:           m.Name,
		PenaltyEndDate: utcPtr(m.PenaltyEndDate),
	}
}

func memberFromModel(m MemberModel) domain.Member {
	return domain.Member{
		Code:           m.Code,
		Name:           m.Name,
		PenaltyEndDate: utcPtr(m.PenaltyEndDate),
	}
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		Code:   b.Code,
		Title:  b.Title,
		Author: b.Author,
		Stock:  b.Stock,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		Code:   m.Code,
		Title:  m.Title,
		Author: m.Author,
		Stock:  m.Stock,
	}
}

func loanFromModel(m BorrowedBookModel) domain.Loan {
	return domain.Loan{
		ID:         m.ID,
		MemberCode: m.MemberCode,
		BookCode:   m.BookCode,
		BorrowDate: m.BorrowDate.UTC(),
		ReturnDate: utcPtr(m.ReturnDate),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
