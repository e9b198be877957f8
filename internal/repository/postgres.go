package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"daily-wager-bot/internal/model"
	"daily-wager-bot/internal/odds"
)

const pgUniqueViolation = "23505"

// PostgresLedger implements Ledger on PostgreSQL.
// NUMERIC columns are read back as text and parsed with shopspring/decimal.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a new PostgresLedger instance.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

var _ Ledger = (*PostgresLedger)(nil)

const pgWagerColumns = `id, user_id, side, confirmation, wallet, settlement_transaction_id, created_at`

func scanPgWager(row pgx.Row) (*model.Wager, error) {
	var w model.Wager
	var side, confirmation string
	if err := row.Scan(&w.ID, &w.UserID, &side, &confirmation, &w.Wallet, &w.SettlementTransactionID, &w.CreatedAt); err != nil {
		return nil, err
	}
	w.Side = model.Side(side)
	w.Confirmation = model.Confirmation(confirmation)
	return &w, nil
}

func collectPgWagers(rows pgx.Rows) ([]*model.Wager, error) {
	defer rows.Close()
	var wagers []*model.Wager
	for rows.Next() {
		w, err := scanPgWager(rows)
		if err != nil {
			return nil, err
		}
		wagers = append(wagers, w)
	}
	return wagers, rows.Err()
}

// IsNewUser reports whether the user has never been seen.
func (l *PostgresLedger) IsNewUser(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check user: %w", err)
	}
	return !exists, nil
}

// AddUser inserts the user if absent.
func (l *PostgresLedger) AddUser(ctx context.Context, user *model.User) error {
	const query = `
		INSERT INTO users (id, display_name, username, state, last_wallet, created_at)
		VALUES ($1, $2, $3, 'none', '', NOW())
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := l.pool.Exec(ctx, query, user.ID, user.DisplayName, user.Username); err != nil {
		return fmt.Errorf("failed to add user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
// Returns ErrUserNotFound if the user does not exist.
func (l *PostgresLedger) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	const query = `
		SELECT id, display_name, username, state, last_wallet, created_at
		FROM users
		WHERE id = $1
	`
	var u model.User
	var state string
	err := l.pool.QueryRow(ctx, query, userID).Scan(&u.ID, &u.DisplayName, &u.Username, &state, &u.LastWallet, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.State = model.FlowState(state)
	return &u, nil
}

// UserIDs returns every known user ID.
func (l *PostgresLedger) UserIDs(ctx context.Context) ([]int64, error) {
	rows, err := l.pool.Query(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to scan users: %w", err)
	}
	return ids, nil
}

// GetState returns the user's flow state.
func (l *PostgresLedger) GetState(ctx context.Context, userID int64) (model.FlowState, error) {
	var state string
	err := l.pool.QueryRow(ctx, `SELECT state FROM users WHERE id = $1`, userID).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.StateNone, ErrUserNotFound
		}
		return model.StateNone, fmt.Errorf("failed to get state: %w", err)
	}
	return model.FlowState(state), nil
}

// SetState updates the user's flow state.
func (l *PostgresLedger) SetState(ctx context.Context, userID int64, state model.FlowState) error {
	tag, err := l.pool.Exec(ctx, `UPDATE users SET state = $2 WHERE id = $1`, userID, string(state))
	if err != nil {
		return fmt.Errorf("failed to set state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// AddWager creates an uncommitted wager for the user.
func (l *PostgresLedger) AddWager(ctx context.Context, userID int64, side model.Side) (*model.Wager, error) {
	if !side.Valid() {
		return nil, ErrInvalidSide
	}
	query := `
		INSERT INTO wagers (user_id, side, confirmation, created_at)
		VALUES ($1, $2, 'uncommitted', NOW())
		RETURNING ` + pgWagerColumns
	w, err := scanPgWager(l.pool.QueryRow(ctx, query, userID, string(side)))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrUncommittedWagerExists
		}
		return nil, fmt.Errorf("failed to add wager: %w", err)
	}
	return w, nil
}

// UncommittedWager returns the user's wager that still needs a wallet.
func (l *PostgresLedger) UncommittedWager(ctx context.Context, userID int64) (*model.Wager, error) {
	query := `SELECT ` + pgWagerColumns + ` FROM wagers WHERE user_id = $1 AND confirmation = 'uncommitted'`
	w, err := scanPgWager(l.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWagerNotFound
		}
		return nil, fmt.Errorf("failed to get uncommitted wager: %w", err)
	}
	return w, nil
}

// AttachWallet moves the wager to pending and updates the user's last wallet.
func (l *PostgresLedger) AttachWallet(ctx context.Context, wagerID int64, wallet string) (*model.Wager, error) {
	var result *model.Wager
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		query := `SELECT ` + pgWagerColumns + ` FROM wagers WHERE id = $1 FOR UPDATE`
		w, err := scanPgWager(tx.QueryRow(ctx, query, wagerID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrWagerNotFound
			}
			return err
		}

		update, err := decideAttach(w, wallet)
		if err != nil {
			return err
		}
		if !update {
			result = w
			return nil
		}

		if _, err := tx.Exec(ctx, `UPDATE wagers SET confirmation = 'pending', wallet = $2 WHERE id = $1`, wagerID, wallet); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE users SET last_wallet = $2 WHERE id = $1`, w.UserID, wallet); err != nil {
			return err
		}
		w.Confirmation = model.ConfirmationPending
		w.Wallet = wallet
		result = w
		return nil
	})
	if err != nil {
		return nil, wrapUnlessSentinel("failed to attach wallet", err)
	}
	return result, nil
}

// RemoveLastWager deletes the user's latest uncommitted wager.
func (l *PostgresLedger) RemoveLastWager(ctx context.Context, userID int64) (bool, error) {
	const query = `
		DELETE FROM wagers
		WHERE id = (
			SELECT id FROM wagers
			WHERE user_id = $1 AND confirmation = 'uncommitted'
			ORDER BY id DESC
			LIMIT 1
		)
	`
	tag, err := l.pool.Exec(ctx, query, userID)
	if err != nil {
		return false, fmt.Errorf("failed to remove wager: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountConfirmedWagers counts settled wagers on a side.
func (l *PostgresLedger) CountConfirmedWagers(ctx context.Context, side model.Side) (int64, error) {
	var n int64
	err := l.pool.QueryRow(ctx, `SELECT COUNT(*) FROM wagers WHERE side = $1 AND confirmation = 'settled'`, string(side)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count wagers: %w", err)
	}
	return n, nil
}

func (l *PostgresLedger) queryWagers(ctx context.Context, where string, args ...any) ([]*model.Wager, error) {
	rows, err := l.pool.Query(ctx, `SELECT `+pgWagerColumns+` FROM wagers `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query wagers: %w", err)
	}
	wagers, err := collectPgWagers(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan wagers: %w", err)
	}
	return wagers, nil
}

// UserWagers returns all of the user's wagers, oldest first.
func (l *PostgresLedger) UserWagers(ctx context.Context, userID int64) ([]*model.Wager, error) {
	return l.queryWagers(ctx, `WHERE user_id = $1`, userID)
}

// GetPendingWagers returns the user's pending wagers, oldest first.
func (l *PostgresLedger) GetPendingWagers(ctx context.Context, userID int64) ([]*model.Wager, error) {
	return l.queryWagers(ctx, `WHERE user_id = $1 AND confirmation = 'pending'`, userID)
}

// GetAllPendingWagers returns every pending wager, oldest first.
func (l *PostgresLedger) GetAllPendingWagers(ctx context.Context) ([]*model.Wager, error) {
	return l.queryWagers(ctx, `WHERE confirmation = 'pending'`)
}

// SettledWagers returns every settled wager, oldest first.
func (l *PostgresLedger) SettledWagers(ctx context.Context) ([]*model.Wager, error) {
	return l.queryWagers(ctx, `WHERE confirmation = 'settled'`)
}

// MarkSettled settles the wager and refreshes the round rates.
func (l *PostgresLedger) MarkSettled(ctx context.Context, wagerID, transactionID int64) (bool, error) {
	changed := false
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		query := `SELECT ` + pgWagerColumns + ` FROM wagers WHERE id = $1 FOR UPDATE`
		w, err := scanPgWager(tx.QueryRow(ctx, query, wagerID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrWagerNotFound
			}
			return err
		}

		decision, err := decideSettlement(w, transactionID)
		if err != nil || decision == settleNoop {
			return err
		}

		var matched bool
		err = tx.QueryRow(ctx, `SELECT matched FROM settlement_transactions WHERE id = $1 FOR UPDATE`, transactionID).Scan(&matched)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTransactionNotFound
			}
			return err
		}
		if matched {
			return ErrTransactionMatched
		}

		if _, err := tx.Exec(ctx, `UPDATE settlement_transactions SET matched = TRUE WHERE id = $1`, transactionID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE wagers SET confirmation = 'settled', settlement_transaction_id = $2 WHERE id = $1`, wagerID, transactionID); err != nil {
			return err
		}
		if _, err := refreshRatesTx(ctx, tx); err != nil {
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
func (l *PostgresLedger) ResetWagers(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, `DELETE FROM wagers`); err != nil {
		return fmt.Errorf("failed to reset wagers: %w", err)
	}
	return nil
}

const pgTransactionColumns = `id, amount::text, hash, from_wallet, to_wallet, is_expected_amount, matched, observed_at`

func scanPgTransaction(row pgx.Row) (*model.SettlementTransaction, error) {
	var t model.SettlementTransaction
	var amount string
	if err := row.Scan(&t.ID, &amount, &t.Hash, &t.FromWallet, &t.ToWallet, &t.IsExpectedAmount, &t.Matched, &t.ObservedAt); err != nil {
		return nil, err
	}
	v, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid stored amount %q: %w", amount, err)
	}
	t.Amount = v
	return &t, nil
}

// RecordTransaction stores the transfer unless its hash is already known.
func (l *PostgresLedger) RecordTransaction(ctx context.Context, st *model.SettlementTransaction) (*model.SettlementTransaction, bool, error) {
	insert := `
		INSERT INTO settlement_transactions (amount, hash, from_wallet, to_wallet, is_expected_amount, matched, observed_at)
		VALUES ($1::numeric, $2, $3, $4, $5, FALSE, NOW())
		ON CONFLICT (hash) DO NOTHING
		RETURNING ` + pgTransactionColumns
	stored, err := scanPgTransaction(l.pool.QueryRow(ctx, insert,
		st.Amount.String(), st.Hash, st.FromWallet, st.ToWallet, st.IsExpectedAmount))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to record transaction: %w", err)
	}

	existing, err := scanPgTransaction(l.pool.QueryRow(ctx,
		`SELECT `+pgTransactionColumns+` FROM settlement_transactions WHERE hash = $1`, st.Hash))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing transaction: %w", err)
	}
	return existing, false, nil
}

// IsNewTransaction reports whether the hash has never been recorded.
func (l *PostgresLedger) IsNewTransaction(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM settlement_transactions WHERE hash = $1)`, hash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check transaction: %w", err)
	}
	return !exists, nil
}

const pgRoundColumns = `round_id::text, control_value, deadline, fee::text, wager_amount::text,
	rate_a::text, rate_b::text, wallet_a, wallet_b, metric_as_of, started_at`

// Round returns the current round.
func (l *PostgresLedger) Round(ctx context.Context) (*model.Round, error) {
	return scanPgRound(l.pool.QueryRow(ctx, `SELECT `+pgRoundColumns+` FROM rounds WHERE singleton`))
}

func scanPgRound(row pgx.Row) (*model.Round, error) {
	var (
		r               model.Round
		id, fee, amount string
		rateA, rateB    *string
		metricAsOf      *time.Time
	)
	err := row.Scan(&id, &r.ControlValue, &r.Deadline, &fee, &amount, &rateA, &rateB,
		&r.WalletA, &r.WalletB, &metricAsOf, &r.StartedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoundNotFound
		}
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid round id: %w", err)
	}
	if r.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("invalid fee: %w", err)
	}
	if r.WagerAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invalid wager amount: %w", err)
	}
	if r.RateA, err = parseRate(rateA); err != nil {
		return nil, fmt.Errorf("invalid rate A: %w", err)
	}
	if r.RateB, err = parseRate(rateB); err != nil {
		return nil, fmt.Errorf("invalid rate B: %w", err)
	}
	if metricAsOf != nil {
		r.MetricAsOf = *metricAsOf
	}
	r.Deadline = r.Deadline.UTC()
	return &r, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func upsertPgRound(ctx context.Context, q interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}, r *model.Round, onConflict string) (pgconn.CommandTag, error) {
	query := `
		INSERT INTO rounds (singleton, round_id, control_value, deadline, fee, wager_amount,
			rate_a, rate_b, wallet_a, wallet_b, metric_as_of, started_at)
		VALUES (TRUE, $1::uuid, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10, NOW())
		ON CONFLICT (singleton) ` + onConflict
	return q.Exec(ctx, query,
		r.ID.String(), r.ControlValue, r.Deadline, r.Fee.String(), r.WagerAmount.String(),
		rateParam(r.RateA), rateParam(r.RateB), r.WalletA, r.WalletB, nullableTime(r.MetricAsOf))
}

// InitRound stores the round unless one already exists.
func (l *PostgresLedger) InitRound(ctx context.Context, r *model.Round) (bool, error) {
	tag, err := upsertPgRound(ctx, l.pool, r, `DO NOTHING`)
	if err != nil {
		return false, fmt.Errorf("failed to init round: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResetRound clears wagers and flow states and replaces the round.
func (l *PostgresLedger) ResetRound(ctx context.Context, next *model.Round) error {
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM wagers`); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE users SET state = 'none'`); err != nil {
			return err
		}
		_, err := upsertPgRound(ctx, tx, next, `DO UPDATE SET
			round_id = EXCLUDED.round_id,
			control_value = EXCLUDED.control_value,
			deadline = EXCLUDED.deadline,
			fee = EXCLUDED.fee,
			wager_amount = EXCLUDED.wager_amount,
			rate_a = EXCLUDED.rate_a,
			rate_b = EXCLUDED.rate_b,
			wallet_a = EXCLUDED.wallet_a,
			wallet_b = EXCLUDED.wallet_b,
			metric_as_of = EXCLUDED.metric_as_of,
			started_at = EXCLUDED.started_at`)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to reset round: %w", err)
	}
	return nil
}

// SetFee changes the fee and recomputes the rates.
func (l *PostgresLedger) SetFee(ctx context.Context, fee decimal.Decimal) (model.Rates, error) {
	var rates model.Rates
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE rounds SET fee = $1::numeric WHERE singleton`, fee.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrRoundNotFound
		}
		rates, err = refreshRatesTx(ctx, tx)
		return err
	})
	if err != nil {
		return model.Rates{}, wrapUnlessSentinel("failed to set fee", err)
	}
	return rates, nil
}

// SetWallet changes the destination wallet for a side.
func (l *PostgresLedger) SetWallet(ctx context.Context, side model.Side, wallet string) error {
	var query string
	switch side {
	case model.SideA:
		query = `UPDATE rounds SET wallet_a = $1 WHERE singleton`
	case model.SideB:
		query = `UPDATE rounds SET wallet_b = $1 WHERE singleton`
	default:
		return ErrInvalidSide
	}
	tag, err := l.pool.Exec(ctx, query, wallet)
	if err != nil {
		return fmt.Errorf("failed to set wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRoundNotFound
	}
	return nil
}

// SetDeadline moves the betting deadline.
func (l *PostgresLedger) SetDeadline(ctx context.Context, deadline time.Time) error {
	tag, err := l.pool.Exec(ctx, `UPDATE rounds SET deadline = $1 WHERE singleton`, deadline.UTC())
	if err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRoundNotFound
	}
	return nil
}

// RefreshRates recomputes the rates from the settled wager counts.
func (l *PostgresLedger) RefreshRates(ctx context.Context) (model.Rates, error) {
	var rates model.Rates
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		var err error
		rates, err = refreshRatesTx(ctx, tx)
		return err
	})
	if err != nil {
		return model.Rates{}, wrapUnlessSentinel("failed to refresh rates", err)
	}
	return rates, nil
}

func refreshRatesTx(ctx context.Context, tx pgx.Tx) (model.Rates, error) {
	var countA, countB int64
	var fee string
	err := tx.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM wagers WHERE side = 'A' AND confirmation = 'settled'),
			(SELECT COUNT(*) FROM wagers WHERE side = 'B' AND confirmation = 'settled'),
			fee::text
		FROM rounds WHERE singleton FOR UPDATE
	`).Scan(&countA, &countB, &fee)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Rates{}, ErrRoundNotFound
		}
		return model.Rates{}, err
	}
	feeValue, err := decimal.NewFromString(fee)
	if err != nil {
		return model.Rates{}, err
	}

	rates := odds.Calculate(countA, countB, feeValue)
	_, err = tx.Exec(ctx, `UPDATE rounds SET rate_a = $1::numeric, rate_b = $2::numeric WHERE singleton`,
		rateParam(rates.A), rateParam(rates.B))
	if err != nil {
		return model.Rates{}, err
	}
	return rates, nil
}

// Ping checks database connectivity.
func (l *PostgresLedger) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

// Close closes the underlying pool.
func (l *PostgresLedger) Close() error {
	l.pool.Close()
	return nil
}

// wrapUnlessSentinel leaves ledger sentinels untouched so callers can match
// them with errors.Is and wraps everything else.
func wrapUnlessSentinel(msg string, err error) error {
	for _, sentinel := range []error{
		ErrUserNotFound, ErrWagerNotFound, ErrUncommittedWagerExists, ErrWagerNotUncommitted,
		ErrWagerNotPending, ErrWagerAlreadySettled, ErrTransactionNotFound, ErrTransactionMatched,
		ErrRoundNotFound, ErrInvalidSide,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}
