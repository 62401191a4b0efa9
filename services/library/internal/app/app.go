package app

import (
	"context"
	"errors"
	"time"

	"libraryhub/internal/metrics"
	"libraryhub/pkg/events"
	"libraryhub/pkg/store"
)

// EventPublisher delivers loan lifecycle events after a transaction commits.
type EventPublisher interface {
	Publish(ctx context.Context, ev events.LoanEvent) (string, error)
}

// Config holds runtime dependencies for the core application.
type Config struct {
	Store store.Store
	// Events is optional; nil disables loan event publishing.
	Events  EventPublisher
	Metrics *metrics.Metrics
	// Now defaults to the wall clock in UTC.
	Now func() time.Time
}

// App wires the member and book services and the loan coordinator over one store.
type App struct {
	Members *MemberService
	Books   *BookService
	Loans   *LoanCoordinator

	store store.Store
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	now := cfg.Now
	if now == nil {
		now = defaultNow
	}
	members := &MemberService{store: cfg.Store, now: now}
	books := &BookService{store: cfg.Store}
	return &App{
		Members: members,
		Books:   books,
		Loans: &LoanCoordinator{
			store:   cfg.Store,
			members: members,
			books:   books,
			events:  cfg.Events,
			metrics: cfg.Metrics,
			now:     now,
		},
		store: cfg.Store,
	}, nil
}

// Ready reports whether the backing database answers.
func (a *App) Ready(ctx context.Context) error {
	return a.store.Ping(ctx)
}

// Postgres keeps microseconds; truncating keeps values stable across a round trip.
func defaultNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
