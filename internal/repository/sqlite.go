package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"daily-wager-bot/internal/model"
	"daily-wager-bot/internal/odds"
)

// SQLiteLedger implements Ledger on SQLite. The database must be opened
// with a single connection (db.OpenSQLite), which serializes transactions.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteLedger applies the schema and returns a ledger over db.
func NewSQLiteLedger(ctx context.Context, db *sql.DB) (*SQLiteLedger, error) {
	if err := MigrateSQLite(ctx, db); err != nil {
		return nil, err
	}
	return &SQLiteLedger{db: db, now: time.Now}, nil
}

var _ Ledger = (*SQLiteLedger)(nil)

// Close closes the underlying database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func (l *SQLiteLedger) stamp() string {
	return formatTime(l.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}

type rowScanner interface {
	Scan(dest ...any) error
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (l *SQLiteLedger) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const sqliteWagerColumns = `id, user_id, side, confirmation, wallet, settlement_transaction_id, created_at`

func scanSQLiteWager(row rowScanner) (*model.Wager, error) {
	var (
		w                  model.Wager
		side, confirmation string
		settlementID       sql.NullInt64
		createdAt          string
	)
	if err := row.Scan(&w.ID, &w.UserID, &side, &confirmation, &w.Wallet, &settlementID, &createdAt); err != nil {
		return nil, err
	}
	w.Side = model.Side(side)
	w.Confirmation = model.Confirmation(confirmation)
	if settlementID.Valid {
		id := settlementID.Int64
		w.SettlementTransactionID = &id
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("invalid wager timestamp: %w", err)
	}
	w.CreatedAt = t
	return &w, nil
}

// IsNewUser reports whether the user has never been seen.
func (l *SQLiteLedger) IsNewUser(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check user: %w", err)
	}
	return !exists, nil
}

// AddUser inserts the user if absent.
func (l *SQLiteLedger) AddUser(ctx context.Context, user *model.User) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, username, state, last_wallet, created_at)
		VALUES (?, ?, ?, 'none', '', ?)
		ON CONFLICT (id) DO NOTHING`,
		user.ID, user.DisplayName, user.Username, l.stamp())
	if err != nil {
		return fmt.Errorf("failed to add user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (l *SQLiteLedger) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	var u model.User
	var state, createdAt string
	err := l.db.QueryRowContext(ctx, `
		SELECT id, display_name, username, state, last_wallet, created_at
		FROM users WHERE id = ?`, userID).
		Scan(&u.ID, &u.DisplayName, &u.Username, &state, &u.LastWallet, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.State = model.FlowState(state)
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("invalid user timestamp: %w", err)
	}
	return &u, nil
}

// UserIDs returns every known user ID.
func (l *SQLiteLedger) UserIDs(ctx context.Context) ([]int64, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan users: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetState returns the user's flow state.
func (l *SQLiteLedger) GetState(ctx context.Context, userID int64) (model.FlowState, error) {
	var state string
	err := l.db.QueryRowContext(ctx, `SELECT state FROM users WHERE id = ?`, userID).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.StateNone, ErrUserNotFound
		}
		return model.StateNone, fmt.Errorf("failed to get state: %w", err)
	}
	return model.FlowState(state), nil
}

// SetState updates the user's flow state.
func (l *SQLiteLedger) SetState(ctx context.Context, userID int64, state model.FlowState) error {
	res, err := l.db.ExecContext(ctx, `UPDATE users SET state = ? WHERE id = ?`, string(state), userID)
	if err != nil {
		return fmt.Errorf("failed to set state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// AddWager creates an uncommitted wager for the user.
func (l *SQLiteLedger) AddWager(ctx context.Context, userID int64, side model.Side) (*model.Wager, error) {
	if !side.Valid() {
		return nil, ErrInvalidSide
	}
	var w *model.Wager
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		var open int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM wagers WHERE user_id = ? AND confirmation = 'uncommitted'`, userID).Scan(&open)
		if err != nil {
			return err
		}
		if open > 0 {
			return ErrUncommittedWagerExists
		}
		w, err = scanSQLiteWager(tx.QueryRowContext(ctx, `
			INSERT INTO wagers (user_id, side, confirmation, wallet, created_at)
			VALUES (?, ?, 'uncommitted', '', ?)
			RETURNING `+sqliteWagerColumns, userID, string(side), l.stamp()))
		return err
	})
	if err != nil {
		return nil, wrapUnlessSentinel("failed to add wager", err)
	}
	return w, nil
}

// UncommittedWager returns the user's wager that still needs a wallet.
func (l *SQLiteLedger) UncommittedWager(ctx context.Context, userID int64) (*model.Wager, error) {
	w, err := scanSQLiteWager(l.db.QueryRowContext(ctx,
		`SELECT `+sqliteWagerColumns+` FROM wagers WHERE user_id = ? AND confirmation = 'uncommitted'`, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWagerNotFound
		}
		return nil, fmt.Errorf("failed to get uncommitted wager: %w", err)
	}
	return w, nil
}

func loadSQLiteWager(ctx context.Context, q sqlExecer, wagerID int64) (*model.Wager, error) {
	w, err := scanSQLiteWager(q.QueryRowContext(ctx, `SELECT `+sqliteWagerColumns+` FROM wagers WHERE id = ?`, wagerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWagerNotFound
	}
	return w, err
}

// AttachWallet moves the wager to pending and updates the user's last wallet.
func (l *SQLiteLedger) AttachWallet(ctx context.Context, wagerID int64, wallet string) (*model.Wager, error) {
	var result *model.Wager
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		w, err := loadSQLiteWager(ctx, tx, wagerID)
		if err != nil {
			return err
		}
		update, err := decideAttach(w, wallet)
		if err != nil {
			return err
		}
		result = w
		if !update {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE wagers SET confirmation = 'pending', wallet = ? WHERE id = ?`, wallet, wagerID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE users SET last_wallet = ? WHERE id = ?`, wallet, w.UserID); err != nil {
			return err
		}
		w.Confirmation = model.ConfirmationPending
		w.Wallet = wallet
		return nil
	})
	if err != nil {
		return nil, wrapUnlessSentinel("failed to attach wallet", err)
	}
	return result, nil
}

// RemoveLastWager deletes the user's latest uncommitted wager.
func (l *SQLiteLedger) RemoveLastWager(ctx context.Context, userID int64) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
		DELETE FROM wagers
		WHERE id = (
			SELECT id FROM wagers
			WHERE user_id = ? AND confirmation = 'uncommitted'
			ORDER BY id DESC
			LIMIT 1
		)`, userID)
	if err != nil {
		return false, fmt.Errorf("failed to remove wager: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountConfirmedWagers counts settled wagers on a side.
func (l *SQLiteLedger) CountConfirmedWagers(ctx context.Context, side model.Side) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wagers WHERE side = ? AND confirmation = 'settled'`, string(side)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count wagers: %w", err)
	}
	return n, nil
}

func (l *SQLiteLedger) queryWagers(ctx context.Context, where string, args ...any) ([]*model.Wager, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+sqliteWagerColumns+` FROM wagers `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query wagers: %w", err)
	}
	defer rows.Close()

	var wagers []*model.Wager
	for rows.Next() {
		w, err := scanSQLiteWager(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wagers: %w", err)
		}
		wagers = append(wagers, w)
	}
	return wagers, rows.Err()
}

// UserWagers returns all of the user's wagers, oldest first.
func (l *SQLiteLedger) UserWagers(ctx context.Context, userID int64) ([]*model.Wager, error) {
	return l.queryWagers(ctx, `WHERE user_id = ?`, userID)
}

// GetPendingWagers returns the user's pending wagers, oldest first.
func (l *SQLiteLedger) GetPendingWagers(ctx context.Context, userID int64) ([]*model.Wager, error) {
	return l.queryWagers(ctx, `WHERE user_id = ? AND confirmation = 'pending'`, userID)
}

// GetAllPendingWagers returns every pending wager, oldest first.
func (l *SQLiteLedger) GetAllPendingWagers(ctx context.Context) ([]*model.Wager, error) {
	return l.queryWagers(ctx, `WHERE confirmation = 'pending'`)
}

// SettledWagers returns every settled wager, oldest first.
func (l *SQLiteLedger) SettledWagers(ctx context.Context) ([]*model.Wager, error) {
	return l.queryWagers(ctx, `WHERE confirmation = 'settled'`)
}

// MarkSettled settles the wager and refreshes the round rates.
func (l *SQLiteLedger) MarkSettled(ctx context.Context, wagerID, transactionID int64) (bool, error) {
	changed := false
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		w, err := loadSQLiteWager(ctx, tx, wagerID)
		if err != nil {
			return err
		}
		decision, err := decideSettlement(w, transactionID)
		if err != nil || decision == settleNoop {
			return err
		}

		var matched bool
		err = tx.QueryRowContext(ctx, `SELECT matched FROM settlement_transactions WHERE id = ?`, transactionID).Scan(&matched)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTransactionNotFound
			}
			return err
		}
		if matched {
			return ErrTransactionMatched
		}

		if _, err := tx.ExecContext(ctx, `UPDATE settlement_transactions SET matched = 1 WHERE id = ?`, transactionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE wagers SET confirmation = 'settled', settlement_transaction_id = ? WHERE id = ?`, transactionID, wagerID); err != nil {
			return err
		}
		if _, err := refreshSQLiteRates(ctx, tx); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, wrapUnlessSentinel("failed to mark wager settled", err)
	}
	return changed, nil
}

// ResetWagers deletes every wager.
func (l *SQLiteLedger) ResetWagers(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM wagers`); err != nil {
		return fmt.Errorf("failed to reset wagers: %w", err)
	}
	return nil
}

const sqliteTransactionColumns = `id, amount, hash, from_wallet, to_wallet, is_expected_amount, matched, observed_at`

func scanSQLiteTransaction(row rowScanner) (*model.SettlementTransaction, error) {
	var t model.SettlementTransaction
	var amount, observedAt string
	if err := row.Scan(&t.ID, &amount, &t.Hash, &t.FromWallet, &t.ToWallet, &t.IsExpectedAmount, &t.Matched, &observedAt); err != nil {
		return nil, err
	}
	v, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid stored amount %q: %w", amount, err)
	}
	t.Amount = v
	if t.ObservedAt, err = parseTime(observedAt); err != nil {
		return nil, fmt.Errorf("invalid transaction timestamp: %w", err)
	}
	return &t, nil
}

// RecordTransaction stores the transfer unless its hash is already known.
func (l *SQLiteLedger) RecordTransaction(ctx context.Context, st *model.SettlementTransaction) (*model.SettlementTransaction, bool, error) {
	var stored *model.SettlementTransaction
	created := false
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanSQLiteTransaction(tx.QueryRowContext(ctx,
			`SELECT `+sqliteTransactionColumns+` FROM settlement_transactions WHERE hash = ?`, st.Hash))
		if err == nil {
			stored = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		stored, err = scanSQLiteTransaction(tx.QueryRowContext(ctx, `
			INSERT INTO settlement_transactions (amount, hash, from_wallet, to_wallet, is_expected_amount, matched, observed_at)
			VALUES (?, ?, ?, ?, ?, 0, ?)
			RETURNING `+sqliteTransactionColumns,
			st.Amount.String(), st.Hash, st.FromWallet, st.ToWallet, st.IsExpectedAmount, l.stamp()))
		created = err == nil
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to record transaction: %w", err)
	}
	return stored, created, nil
}

// IsNewTransaction reports whether the hash has never been recorded.
func (l *SQLiteLedger) IsNewTransaction(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM settlement_transactions WHERE hash = ?)`, hash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check transaction: %w", err)
	}
	return !exists, nil
}

const sqliteRoundColumns = `round_id, control_value, deadline, fee, wager_amount,
	rate_a, rate_b, wallet_a, wallet_b, metric_as_of, started_at`

// Round returns the current round.
func (l *SQLiteLedger) Round(ctx context.Context) (*model.Round, error) {
	var (
		r                                  model.Round
		id, deadline, fee, amount, started string
		rateA, rateB, metricAsOf           sql.NullString
	)
	err := l.db.QueryRowContext(ctx, `SELECT `+sqliteRoundColumns+` FROM rounds WHERE singleton = 1`).
		Scan(&id, &r.ControlValue, &deadline, &fee, &amount, &rateA, &rateB, &r.WalletA, &r.WalletB, &metricAsOf, &started)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoundNotFound
		}
		return nil, fmt.Errorf("failed to get round: %w", err)
	}

	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid round id: %w", err)
	}
	if r.Deadline, err = parseTime(deadline); err != nil {
		return nil, fmt.Errorf("invalid deadline: %w", err)
	}
	if r.StartedAt, err = parseTime(started); err != nil {
		return nil, fmt.Errorf("invalid round start: %w", err)
	}
	if r.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("invalid fee: %w", err)
	}
	if r.WagerAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invalid wager amount: %w", err)
	}
	if r.RateA, err = parseRate(nullString(rateA)); err != nil {
		return nil, fmt.Errorf("invalid rate A: %w", err)
	}
	if r.RateB, err = parseRate(nullString(rateB)); err != nil {
		return nil, fmt.Errorf("invalid rate B: %w", err)
	}
	if metricAsOf.Valid {
		if r.MetricAsOf, err = parseTime(metricAsOf.String); err != nil {
			return nil, fmt.Errorf("invalid metric timestamp: %w", err)
		}
	}
	return &r, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func (l *SQLiteLedger) writeRound(ctx context.Context, q sqlExecer, r *model.Round, onConflict string) (sql.Result, error) {
	var metricAsOf *string
	if !r.MetricAsOf.IsZero() {
		s := formatTime(r.MetricAsOf)
		metricAsOf = &s
	}
	return q.ExecContext(ctx, `
		INSERT INTO rounds (singleton, round_id, control_value, deadline, fee, wager_amount,
			rate_a, rate_b, wallet_a, wallet_b, metric_as_of, started_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (singleton) `+onConflict,
		r.ID.String(), r.ControlValue, formatTime(r.Deadline), r.Fee.String(), r.WagerAmount.String(),
		rateParam(r.RateA), rateParam(r.RateB), r.WalletA, r.WalletB, metricAsOf, l.stamp())
}

// InitRound stores the round unless one already exists.
func (l *SQLiteLedger) InitRound(ctx context.Context, r *model.Round) (bool, error) {
	res, err := l.writeRound(ctx, l.db, r, `DO NOTHING`)
	if err != nil {
		return false, fmt.Errorf("failed to init round: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ResetRound clears wagers and flow states and replaces the round.
func (l *SQLiteLedger) ResetRound(ctx context.Context, next *model.Round) error {
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM wagers`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE users SET state = 'none'`); err != nil {
			return err
		}
		_, err := l.writeRound(ctx, tx, next, `DO UPDATE SET
			round_id = excluded.round_id,
			control_value = excluded.control_value,
			deadline = excluded.deadline,
			fee = excluded.fee,
			wager_amount = excluded.wager_amount,
			rate_a = excluded.rate_a,
			rate_b = excluded.rate_b,
			wallet_a = excluded.wallet_a,
			wallet_b = excluded.wallet_b,
			metric_as_of = excluded.metric_as_of,
			started_at = excluded.started_at`)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to reset round: %w", err)
	}
	return nil
}

// SetFee changes the fee and recomputes the rates.
func (l *SQLiteLedger) SetFee(ctx context.Context, fee decimal.Decimal) (model.Rates, error) {
	var rates model.Rates
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE rounds SET fee = ? WHERE singleton = 1`, fee.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrRoundNotFound
		}
		rates, err = refreshSQLiteRates(ctx, tx)
		return err
	})
	if err != nil {
		return model.Rates{}, wrapUnlessSentinel("failed to set fee", err)
	}
	return rates, nil
}

// SetWallet changes the destination wallet for a side.
func (l *SQLiteLedger) SetWallet(ctx context.Context, side model.Side, wallet string) error {
	var query string
	switch side {
	case model.SideA:
		query = `UPDATE rounds SET wallet_a = ? WHERE singleton = 1`
	case model.SideB:
		query = `UPDATE rounds SET wallet_b = ? WHERE singleton = 1`
	default:
		return ErrInvalidSide
	}
	res, err := l.db.ExecContext(ctx, query, wallet)
	if err != nil {
		return fmt.Errorf("failed to set wallet: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRoundNotFound
	}
	return nil
}

// SetDeadline moves the betting deadline.
func (l *SQLiteLedger) SetDeadline(ctx context.Context, deadline time.Time) error {
	res, err := l.db.ExecContext(ctx, `UPDATE rounds SET deadline = ? WHERE singleton = 1`, formatTime(deadline))
	if err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRoundNotFound
	}
	return nil
}

// RefreshRates recomputes the rates from the settled wager counts.
func (l *SQLiteLedger) RefreshRates(ctx context.Context) (model.Rates, error) {
	var rates model.Rates
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		rates, err = refreshSQLiteRates(ctx, tx)
		return err
	})
	if err != nil {
		return model.Rates{}, wrapUnlessSentinel("failed to refresh rates", err)
	}
	return rates, nil
}

func refreshSQLiteRates(ctx context.Context, tx *sql.Tx) (model.Rates, error) {
	var countA, countB int64
	var fee string
	err := tx.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM wagers WHERE side = 'A' AND confirmation = 'settled'),
			(SELECT COUNT(*) FROM wagers WHERE side = 'B' AND confirmation = 'settled'),
			fee
		FROM rounds WHERE singleton = 1`).Scan(&countA, &countB, &fee)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Rates{}, ErrRoundNotFound
		}
		return model.Rates{}, err
	}
	feeValue, err := decimal.NewFromString(fee)
	if err != nil {
		return model.Rates{}, err
	}

	rates := odds.Calculate(countA, countB, feeValue)
	_, err = tx.ExecContext(ctx, `UPDATE rounds SET rate_a = ?, rate_b = ? WHERE singleton = 1`,
		rateParam(rates.A), rateParam(rates.B))
	if err != nil {
		return model.Rates{}, err
	}
	return rates, nil
}

// Ping checks database connectivity.
func (l *SQLiteLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}
