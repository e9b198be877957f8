package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"daily-wager-bot/internal/model"
	"daily-wager-bot/internal/repository"
)

// Admin operation errors.
var (
	ErrInvalidFee    = errors.New("fee percent must be between 1 and 99")
	ErrInvalidSide   = errors.New("side must be A or B")
	ErrInvalidWallet = errors.New("invalid wallet address")
	ErrInvalidHour   = errors.New("hour must be between 1 and 23")
	ErrDeadlinePast  = errors.New("new deadline is in the past")
)

// AdminService applies operator changes to the running round.
type AdminService struct {
	ledger   repository.Ledger
	validate func(wallet string) bool
	now      func() time.Time
}

// NewAdminService creates a new AdminService instance.
func NewAdminService(ledger repository.Ledger, validateWallet func(string) bool) *AdminService {
	return &AdminService{ledger: ledger, validate: validateWallet, now: time.Now}
}

// SetFee sets the fee from a whole percent and returns the refreshed rates.
func (s *AdminService) SetFee(ctx context.Context, adminID int64, percent int) (decimal.Decimal, model.Rates, error) {
	if percent < 1 || percent > 99 {
		return decimal.Zero, model.Rates{}, ErrInvalidFee
	}
	fee := decimal.New(int64(percent), -2)
	rates, err := s.ledger.SetFee(ctx, fee)
	if err != nil {
		return decimal.Zero, model.Rates{}, fmt.Errorf("failed to set fee: %w", err)
	}

	log.Info().
		Int64("admin_id", adminID).
		Str("fee", fee.String()).
		Str("operation", "set_fee").
		Msg("Admin operation executed")
	return fee, rates, nil
}

// SetWallet sets the destination wallet for a side.
func (s *AdminService) SetWallet(ctx context.Context, adminID int64, rawSide, wallet string) (model.Side, error) {
	side, ok := model.ParseSide(rawSide)
	if !ok {
		return "", ErrInvalidSide
	}
	if !s.validate(wallet) {
		return "", ErrInvalidWallet
	}
	if err := s.ledger.SetWallet(ctx, side, wallet); err != nil {
		return "", fmt.Errorf("failed to set wallet: %w", err)
	}

	log.Info().
		Int64("admin_id", adminID).
		Str("side", string(side)).
		Str("wallet", wallet).
		Str("operation", "set_wallet").
		Msg("Admin operation executed")
	return side, nil
}

// SetDeadlineHour moves the deadline to hour:00 UTC on the deadline's day.
func (s *AdminService) SetDeadlineHour(ctx context.Context, adminID int64, hour int) (time.Time, error) {
	round, err := s.ledger.Round(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get round: %w", err)
	}
	deadline, err := deadlineAtHour(round.Deadline, hour, s.now())
	if err != nil {
		return time.Time{}, err
	}
	if err := s.ledger.SetDeadline(ctx, deadline); err != nil {
		return time.Time{}, fmt.Errorf("failed to set deadline: %w", err)
	}

	log.Info().
		Int64("admin_id", adminID).
		Time("deadline", deadline).
		Str("operation", "set_deadline").
		Msg("Admin operation executed")
	return deadline, nil
}

// deadlineAtHour keeps the date of current and replaces the time with hour:00 UTC.
func deadlineAtHour(current time.Time, hour int, now time.Time) (time.Time, error) {
	if hour < 1 || hour > 23 {
		return time.Time{}, ErrInvalidHour
	}
	c := current.UTC()
	deadline := time.Date(c.Year(), c.Month(), c.Day(), hour, 0, 0, 0, time.UTC)
	if !deadline.After(now) {
		return time.Time{}, ErrDeadlinePast
	}
	return deadline, nil
}
