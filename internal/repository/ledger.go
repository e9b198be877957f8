// Package repository provides the Ledger: durable storage of users, wagers,
// settlement transactions and the round singleton.
//
// Two implementations share one contract: PostgresLedger (pgx) for production
// and SQLiteLedger (modernc.org/sqlite) for single-node deployments and tests.
// Every mutating operation runs in a single database transaction.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"daily-wager-bot/internal/model"
)

// Common errors for ledger operations.
var (
	ErrUserNotFound           = errors.New("user not found")
	ErrWagerNotFound          = errors.New("wager not found")
	ErrUncommittedWagerExists = errors.New("user already has an uncommitted wager")
	ErrWagerNotUncommitted    = errors.New("wager is not awaiting a wallet")
	ErrWagerNotPending        = errors.New("wager is not pending settlement")
	ErrWagerAlreadySettled    = errors.New("wager already settled by another transaction")
	ErrTransactionNotFound    = errors.New("settlement transaction not found")
	ErrTransactionMatched     = errors.New("settlement transaction already matched")
	ErrRoundNotFound          = errors.New("round not initialized")
	ErrInvalidSide            = errors.New("invalid side")
)

// Ledger is the storage contract used by every engine component.
type Ledger interface {
	IsNewUser(ctx context.Context, userID int64) (bool, error)
	// AddUser inserts the user if absent. Existing users are left untouched.
	AddUser(ctx context.Context, user *model.User) error
	GetUser(ctx context.Context, userID int64) (*model.User, error)
	UserIDs(ctx context.Context) ([]int64, error)
	GetState(ctx context.Context, userID int64) (model.FlowState, error)
	SetState(ctx context.Context, userID int64, state model.FlowState) error

	// AddWager creates an uncommitted wager. Returns ErrUncommittedWagerExists
	// when the user already has one.
	AddWager(ctx context.Context, userID int64, side model.Side) (*model.Wager, error)
	UncommittedWager(ctx context.Context, userID int64) (*model.Wager, error)
	// AttachWallet moves an uncommitted wager to pending and records the
	// wallet as the user's last wallet. Repeating the call with the same
	// wallet is a no-op.
	AttachWallet(ctx context.Context, wagerID int64, wallet string) (*model.Wager, error)
	// RemoveLastWager deletes the user's most recent uncommitted wager.
	// Settled wagers are never removed. Reports whether a row was deleted.
	RemoveLastWager(ctx context.Context, userID int64) (bool, error)
	CountConfirmedWagers(ctx context.Context, side model.Side) (int64, error)
	UserWagers(ctx context.Context, userID int64) ([]*model.Wager, error)
	GetPendingWagers(ctx context.Context, userID int64) ([]*model.Wager, error)
	// GetAllPendingWagers returns every pending wager, oldest first.
	GetAllPendingWagers(ctx context.Context) ([]*model.Wager, error)
	SettledWagers(ctx context.Context) ([]*model.Wager, error)
	// MarkSettled settles a pending wager with an unmatched transaction and
	// refreshes the round rates in the same transaction. Settling a wager
	// again with the same transaction returns (false, nil).
	MarkSettled(ctx context.Context, wagerID, transactionID int64) (bool, error)
	ResetWagers(ctx context.Context) error

	// RecordTransaction stores a transfer keyed by hash. When the hash is
	// already known the stored row is returned and created is false.
	RecordTransaction(ctx context.Context, tx *model.SettlementTransaction) (stored *model.SettlementTransaction, created bool, err error)
	IsNewTransaction(ctx context.Context, hash string) (bool, error)

	Round(ctx context.Context) (*model.Round, error)
	// InitRound stores round unless one already exists. Reports whether it was stored.
	InitRound(ctx context.Context, round *model.Round) (bool, error)
	// ResetRound clears all wagers and flow states and replaces the round.
	ResetRound(ctx context.Context, next *model.Round) error
	SetFee(ctx context.Context, fee decimal.Decimal) (model.Rates, error)
	SetWallet(ctx context.Context, side model.Side, wallet string) error
	SetDeadline(ctx context.Context, deadline time.Time) error
	RefreshRates(ctx context.Context) (model.Rates, error)

	Ping(ctx context.Context) error
	Close() error
}

// settlementDecision is the outcome of inspecting a wager before settling it.
type settlementDecision int

const (
	settleProceed settlementDecision = iota
	settleNoop
)

// decideSettlement applies the idempotence rules for MarkSettled.
func decideSettlement(w *model.Wager, transactionID int64) (settlementDecision, error) {
	switch w.Confirmation {
	case model.ConfirmationPending:
		return settleProceed, nil
	case model.ConfirmationSettled:
		if w.SettlementTransactionID != nil && *w.SettlementTransactionID == transactionID {
			return settleNoop, nil
		}
		return settleNoop, ErrWagerAlreadySettled
	default:
		return settleNoop, ErrWagerNotPending
	}
}

// decideAttach applies the idempotence rules for AttachWallet.
// It reports whether the wager still needs to be updated.
func decideAttach(w *model.Wager, wallet string) (bool, error) {
	switch {
	case w.Confirmation == model.ConfirmationUncommitted:
		return true, nil
	case w.Confirmation == model.ConfirmationPending && w.Wallet == wallet:
		return false, nil
	default:
		return false, ErrWagerNotUncommitted
	}
}

func parseRate(raw *string) (model.Rate, error) {
	if raw == nil {
		return model.Rate{}, nil
	}
	v, err := decimal.NewFromString(*raw)
	if err != nil {
		return model.Rate{}, err
	}
	return model.NewRate(v), nil
}

func rateParam(r model.Rate) *string {
	if !r.Valid {
		return nil
	}
	s := r.Value.String()
	return &s
}
