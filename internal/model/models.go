// Package model defines the data models for the daily wager bot.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DisplayPrecision is the number of decimal places kept when rates and
// payouts are shown to users. Extra digits are truncated, never rounded.
const DisplayPrecision int32 = 3

// Side is one of the two mutually exclusive outcomes of a round.
type Side string

// Wager sides.
const (
	SideA Side = "A"
	SideB Side = "B"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideA || s == SideB
}

// ParseSide parses "A" or "B" (case-insensitive).
func ParseSide(raw string) (Side, bool) {
	switch raw {
	case "A", "a":
		return SideA, true
	case "B", "b":
		return SideB, true
	}
	return "", false
}

// Confirmation is the settlement state of a wager.
type Confirmation string

// Wager confirmation states.
const (
	ConfirmationUncommitted Confirmation = "uncommitted" // side chosen, no wallet yet
	ConfirmationPending     Confirmation = "pending"     // wallet attached, awaiting settlement
	ConfirmationSettled     Confirmation = "settled"     // matched to a settlement transaction
)

// FlowState is a user's position in the wager flow.
type FlowState string

// Wager flow states.
const (
	StateNone               FlowState = "none"
	StateChoosingSide       FlowState = "choosing_side"
	StateShownWallet        FlowState = "shown_wallet"
	StateConfirmReuseWallet FlowState = "confirm_reuse_wallet"
	StateAwaitingWallet     FlowState = "awaiting_wallet"
)

// FlowStates lists every flow state.
func FlowStates() []FlowState {
	return []FlowState{
		StateNone,
		StateChoosingSide,
		StateShownWallet,
		StateConfirmReuseWallet,
		StateAwaitingWallet,
	}
}

// User is a messaging-platform user known to the bot.
type User struct {
	ID          int64     `db:"id"`
	DisplayName string    `db:"display_name"`
	Username    string    `db:"username"`
	State       FlowState `db:"state"`
	LastWallet  string    `db:"last_wallet"` // empty when the user never attached a wallet
	CreatedAt   time.Time `db:"created_at"`
}

// HasLastWallet reports whether the user can be offered wallet reuse.
func (u *User) HasLastWallet() bool {
	return u.LastWallet != ""
}

// Wager is a single stake on one side of the current round.
type Wager struct {
	ID                      int64        `db:"id"`
	UserID                  int64        `db:"user_id"`
	Side                    Side         `db:"side"`
	Confirmation            Confirmation `db:"confirmation"`
	Wallet                  string       `db:"wallet"`
	SettlementTransactionID *int64       `db:"settlement_transaction_id"`
	CreatedAt               time.Time    `db:"created_at"`
}

// IsSettled reports whether the wager counts toward payouts.
func (w *Wager) IsSettled() bool {
	return w.Confirmation == ConfirmationSettled
}

// SettlementTransaction is an on-chain transfer observed by the verifier.
type SettlementTransaction struct {
	ID               int64           `db:"id"`
	Amount           decimal.Decimal `db:"amount"`
	Hash             string          `db:"hash"`
	FromWallet       string          `db:"from_wallet"`
	ToWallet         string          `db:"to_wallet"`
	IsExpectedAmount bool            `db:"is_expected_amount"`
	Matched          bool            `db:"matched"`
	ObservedAt       time.Time       `db:"observed_at"`
}

// Transfer is an incoming transfer as reported by a settlement source.
type Transfer struct {
	Hash      string
	From      string
	To        string
	Amount    decimal.Decimal
	Timestamp time.Time
}

// Rate is a payout multiplier. An invalid rate means "not applicable":
// nobody has a settled wager on that side yet.
type Rate struct {
	Value decimal.Decimal
	Valid bool
}

// NewRate returns a valid rate.
func NewRate(v decimal.Decimal) Rate {
	return Rate{Value: v, Valid: true}
}

// String renders the rate truncated to DisplayPrecision, or "N/A".
func (r Rate) String() string {
	if !r.Valid {
		return "N/A"
	}
	return r.Value.Truncate(DisplayPrecision).String()
}

// Rates holds both sides' multipliers.
type Rates struct {
	A Rate
	B Rate
}

// Round is the singleton state of the running prediction round.
type Round struct {
	ID           uuid.UUID       `db:"round_id"`
	ControlValue int64           `db:"control_value"`
	Deadline     time.Time       `db:"deadline"`
	Fee          decimal.Decimal `db:"fee"`
	WagerAmount  decimal.Decimal `db:"wager_amount"`
	RateA        Rate            `db:"rate_a"`
	RateB        Rate            `db:"rate_b"`
	WalletA      string          `db:"wallet_a"`
	WalletB      string          `db:"wallet_b"`
	MetricAsOf   time.Time       `db:"metric_as_of"` // zero when unknown
	StartedAt    time.Time       `db:"started_at"`
}

// Wallet returns the destination address for side.
func (r *Round) Wallet(side Side) string {
	if side == SideA {
		return r.WalletA
	}
	return r.WalletB
}

// Rate returns the current multiplier for side.
func (r *Round) Rate(side Side) Rate {
	if side == SideA {
		return r.RateA
	}
	return r.RateB
}

// Winner returns the winning side for a resolved metric value.
func (r *Round) Winner(value int64) Side {
	if value <= r.ControlValue {
		return SideA
	}
	return SideB
}

// IsOpen reports whether wagers can still be placed at now.
func (r *Round) IsOpen(now time.Time) bool {
	return now.Before(r.Deadline)
}

// MetricSnapshot is one reading of the tracked daily metric.
type MetricSnapshot struct {
	Value int64     `json:"value"`
	Total int64     `json:"total"`
	AsOf  time.Time `json:"as_of"`
}
