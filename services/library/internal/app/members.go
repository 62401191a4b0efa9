package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"libraryhub/internal/util"
	"libraryhub/pkg/domain"
	"libraryhub/pkg/store"
)

// MemberService owns member registration and penalty state.
type MemberService struct {
	store store.Store
	now   func() time.Time
}

// Register creates a member without a penalty.
func (s *MemberService) Register(ctx context.Context, code, name string) (domain.Member, error) {
	code = strings.TrimSpace(code)
	name = strings.TrimSpace(name)
	if code == "" {
		return domain.Member{}, requiredField("code")
	}
	if name == "" {
		return domain.Member{}, requiredField("name")
	}
	member := domain.Member{Code: code, Name: name}
	if err := s.store.CreateMember(ctx, member); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return domain.Member{}, ErrMemberCodeUsed
		}
		return domain.Member{}, fmt.Errorf("create member: %w", err)
	}
	return member, nil
}

// List returns every member as code and name.
func (s *MemberService) List(ctx context.Context) ([]domain.MemberSummary, error) {
	members, err := s.store.ListMembers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	out := make([]domain.MemberSummary, 0, len(members))
	for _, m := range members {
		out = append(out, domain.MemberSummary{Code: m.Code, Name: m.Name})
	}
	return out, nil
}

func (s *MemberService) FindByCode(ctx context.Context, code string) (domain.Member, bool, error) {
	return s.store.GetMember(ctx, strings.TrimSpace(code))
}

// IsPenalized reports whether the member is still serving a penalty. An
// expired penalty is cleared from storage as a side effect.
func (s *MemberService) IsPenalized(ctx context.Context, code string) (bool, error) {
	member, ok, err := s.store.GetMember(ctx, code)
	if err != nil {
		return false, fmt.Errorf("get member: %w", err)
	}
	if !ok {
		return false, ErrMemberNotFound
	}
	now := s.now()
	switch member.PenaltyAt(now) {
	case domain.PenaltyActive:
		return true, nil
	case domain.PenaltyExpired:
		cleared, err := s.store.ClearExpiredPenalty(ctx, code, now)
		if err != nil {
			return false, fmt.Errorf("clear expired penalty: %w", err)
		}
		if cleared {
			util.LoggerFromContext(ctx).Info("penalty expired", "member_code", code)
		}
	}
	return false, nil
}

// ApplyPenalty bars the member from borrowing for the penalty duration,
// counted from the return time. It only runs inside a return transaction.
func (s *MemberService) ApplyPenalty(tx store.Tx, code string, returnedAt time.Time) (time.Time, error) {
	until := returnedAt.Add(domain.PenaltyDuration)
	if err := tx.SetPenalty(code, until); err != nil {
		return time.Time{}, err
	}
	return until, nil
}

// ListWithOpenLoans returns members currently holding at least one book.
func (s *MemberService) ListWithOpenLoans(ctx context.Context) ([]domain.MemberLoans, error) {
	members, err := s.store.ListMembersWithOpenLoans(ctx)
	if err != nil {
		return nil, fmt.Errorf("list borrowing members: %w", err)
	}
	return members, nil
}
