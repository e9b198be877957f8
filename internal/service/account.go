// Package service provides business logic on top of the ledger.
package service

import (
	"context"
	"fmt"

	"daily-wager-bot/internal/event"
	"daily-wager-bot/internal/model"
	"daily-wager-bot/internal/repository"
)

// MetricSource returns the latest published metric.
type MetricSource interface {
	Fetch(ctx context.Context) (model.MetricSnapshot, error)
}

// AccountService handles users and their view of the round.
type AccountService struct {
	ledger  repository.Ledger
	metrics MetricSource
}

// NewAccountService creates a new AccountService instance.
func NewAccountService(ledger repository.Ledger, metrics MetricSource) *AccountService {
	return &AccountService{ledger: ledger, metrics: metrics}
}

// EnsureUser registers the sender on first contact.
// Returns whether the user was newly created.
func (s *AccountService) EnsureUser(ctx context.Context, sender event.Sender) (bool, error) {
	isNew, err := s.ledger.IsNewUser(ctx, sender.ID)
	if err != nil {
		return false, fmt.Errorf("failed to ensure user: %w", err)
	}
	if !isNew {
		return false, nil
	}
	err = s.ledger.AddUser(ctx, &model.User{
		ID:          sender.ID,
		DisplayName: sender.DisplayName,
		Username:    sender.Username,
		State:       model.StateNone,
	})
	if err != nil {
		return false, fmt.Errorf("failed to ensure user: %w", err)
	}
	return true, nil
}

// Round returns the current round.
func (s *AccountService) Round(ctx context.Context) (*model.Round, error) {
	r, err := s.ledger.Round(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	return r, nil
}

// Status returns the user's wagers in the current round together with
// the round, for rate lookup.
func (s *AccountService) Status(ctx context.Context, userID int64) ([]*model.Wager, *model.Round, error) {
	round, err := s.Round(ctx)
	if err != nil {
		return nil, nil, err
	}
	wagers, err := s.ledger.UserWagers(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get wagers: %w", err)
	}
	// uncommitted wagers belong to a flow in progress
	visible := wagers[:0]
	for _, w := range wagers {
		if w.Confirmation != model.ConfirmationUncommitted {
			visible = append(visible, w)
		}
	}
	return visible, round, nil
}

// LatestMetric fetches the current published metric.
func (s *AccountService) LatestMetric(ctx context.Context) (model.MetricSnapshot, error) {
	return s.metrics.Fetch(ctx)
}
