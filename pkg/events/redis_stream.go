package events

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	TypeBookBorrowed = "book.borrowed"
	TypeBookReturned = "book.returned"
)

const defaultStream = "library:loan-events"

// LoanEvent describes a committed change to a loan.
type LoanEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	LoanID     int64     `json:"loan_id"`
	MemberCode string    `json:"member_code"`
	BookCode   string    `json:"book_code"`
	Penalized  bool      `json:"penalized"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewLoanEvent stamps a fresh event id.
func NewLoanEvent(eventType string, loanID int64, memberCode, bookCode string, penalized bool, at time.Time) LoanEvent {
	return LoanEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		LoanID:     loanID,
		MemberCode: memberCode,
		BookCode:   bookCode,
		Penalized:  penalized,
		OccurredAt: at.UTC(),
	}
}

// RedisStream appends loan events to a capped Redis stream.
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
}

type RedisStreamConfig struct {
	Addr     string
	Password string
	Stream   string
	MaxLen   int64
}

func NewRedisStream(cfg RedisStreamConfig) (*RedisStream, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = defaultStream
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisStream{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream: stream,
		maxLen: maxLen,
	}, nil
}

// Publish appends ev and returns the stream entry id.
func (s *RedisStream) Publish(ctx context.Context, ev LoanEvent) (string, error) {
	if ev.ID == "" || ev.Type == "" {
		return "", errors.New("event id and type required")
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: encodeLoanEvent(ev),
	}).Result()
}

// Stream returns the stream key events are written to.
func (s *RedisStream) Stream() string {
	return s.stream
}

func (s *RedisStream) Close() error {
	return s.client.Close()
}

func encodeLoanEvent(ev LoanEvent) map[string]any {
	return map[string]any{
		"event_id":    ev.ID,
		"type":        ev.Type,
		"loan_id":     strconv.FormatInt(ev.LoanID, 10),
		"member_code": ev.MemberCode,
		"book_code":   ev.BookCode,
		"penalized":   strconv.FormatBool(ev.Penalized),
		"occurred_at": ev.OccurredAt.Format(time.RFC3339Nano),
	}
}

// DecodeLoanEvent rebuilds an event from a stream entry written by Publish.
func DecodeLoanEvent(msg redis.XMessage) (LoanEvent, error) {
	str := func(key string) string {
		v, _ := msg.Values[key].(string)
		return v
	}
	ev := LoanEvent{
		ID:         str("event_id"),
		Type:       str("type"),
		MemberCode: str("member_code"),
		BookCode:   str("book_code"),
	}
	if ev.ID == "" || ev.Type == "" {
		return LoanEvent{}, errors.New("stream entry missing event_id or type")
	}
	if v := str("loan_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return LoanEvent{}, err
		}
		ev.LoanID = n
	}
	if v := str("penalized"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return LoanEvent{}, err
		}
		ev.Penalized = b
	}
	if v := str("occurred_at"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return LoanEvent{}, err
		}
		ev.OccurredAt = t
	}
	return ev, nil
}
