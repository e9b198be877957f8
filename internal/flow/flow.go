// Package flow implements the per-user wager conversation:
//
//	none -> choosing_side -> shown_wallet -> (confirm_reuse_wallet) -> awaiting_wallet -> none
//
// Every transition updates the ledger before any message is sent. Storage
// errors are returned to the caller; transport errors are logged and dropped.
package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"daily-wager-bot/internal/event"
	"daily-wager-bot/internal/messages"
	"daily-wager-bot/internal/model"
	"daily-wager-bot/internal/observability"
	"daily-wager-bot/internal/repository"
	"daily-wager-bot/internal/transport"
)

// CmdBet is the command that starts the flow.
const CmdBet = "bet"

// Machine drives the wager flow for all users. It is not safe for
// concurrent use; the dispatcher serializes calls.
type Machine struct {
	ledger   repository.Ledger
	sender   transport.Transport
	validate func(wallet string) bool
	qrURL    func(wallet string) string
	now      func() time.Time
	log      zerolog.Logger
}

// Config holds the Machine dependencies.
type Config struct {
	Ledger         repository.Ledger
	Sender         transport.Transport
	ValidateWallet func(wallet string) bool
	// QRCodeURL returns an image URL encoding wallet.
	QRCodeURL func(wallet string) string
	// Now defaults to time.Now.
	Now func() time.Time
}

// New creates a Machine.
func New(cfg Config) *Machine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Machine{
		ledger:   cfg.Ledger,
		sender:   cfg.Sender,
		validate: cfg.ValidateWallet,
		qrURL:    cfg.QRCodeURL,
		now:      now,
		log:      observability.Component("flow"),
	}
}

// QRCodeURL builds a QR image URL from a template with one %s verb.
func QRCodeURL(template string) func(wallet string) string {
	return func(wallet string) string {
		return fmt.Sprintf(template, wallet)
	}
}

// IsCancel reports whether free text asks to abort the flow.
func IsCancel(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), messages.CancelText)
}

// StartWager handles /bet from the none state. allowBets is false outside
// the betting phase or while storage is degraded.
func (m *Machine) StartWager(ctx context.Context, userID int64, allowBets bool) error {
	round, open, err := m.window(ctx, allowBets)
	if err != nil {
		return err
	}
	if !open {
		m.send(ctx, userID, messages.WindowClosed, messages.Menu())
		return nil
	}

	if err := m.ledger.SetState(ctx, userID, model.StateChoosingSide); err != nil {
		return fmt.Errorf("failed to start wager: %w", err)
	}
	m.send(ctx, userID, messages.Announcement(round), messages.SideKeyboard())
	m.send(ctx, userID, messages.PressCancel, messages.CancelKeyboard())
	return nil
}

// HandleIdle processes free text and button presses from a user in the
// none state. Commands other than /bet go to the command handlers.
func (m *Machine) HandleIdle(ctx context.Context, ev event.Event) {
	switch e := ev.(type) {
	case event.ButtonPress:
		// stale keyboard from a finished flow
		m.answer(ctx, e, "")
	case event.FreeText:
		m.send(ctx, e.From.ID, messages.DefaultAnswer, messages.Menu())
	}
}

// Handle processes an event for a user whose state is not none.
func (m *Machine) Handle(ctx context.Context, state model.FlowState, ev event.Event, allowBets bool) error {
	userID := ev.UserID()

	press, isPress := ev.(event.ButtonPress)
	if isPress {
		m.answer(ctx, press, pressAnswer(state, press.Data))
	}

	round, open, err := m.window(ctx, allowBets)
	if err != nil {
		return err
	}
	if !open {
		return m.finish(ctx, userID, messages.WindowClosed)
	}

	text, isText := ev.(event.FreeText)

	switch state {
	case model.StateChoosingSide:
		if isPress {
			if side, ok := model.ParseSide(press.Data); ok {
				return m.chooseSide(ctx, userID, side, round)
			}
		}
		if isText && IsCancel(text.Text) {
			return m.finish(ctx, userID, messages.WagerCancelled)
		}

	case model.StateShownWallet:
		if isPress {
			switch press.Data {
			case messages.DataNext:
				return m.askWallet(ctx, userID, round)
			case messages.DataReject:
				return m.finish(ctx, userID, messages.WagerCancelled)
			}
		}

	case model.StateConfirmReuseWallet:
		if isPress {
			switch press.Data {
			case messages.DataReuse:
				return m.reuseWallet(ctx, userID)
			case messages.DataChange:
				return m.promptWallet(ctx, userID)
			case messages.DataCancel:
				return m.finish(ctx, userID, messages.WagerCancelled)
			}
		}
		if isText && IsCancel(text.Text) {
			return m.finish(ctx, userID, messages.WagerCancelled)
		}

	case model.StateAwaitingWallet:
		if isText {
			if IsCancel(text.Text) {
				return m.finish(ctx, userID, messages.WagerCancelled)
			}
			return m.submitWallet(ctx, userID, text.Text)
		}
	}

	return m.finish(ctx, userID, messages.DefaultAnswer)
}

func pressAnswer(state model.FlowState, data string) string {
	if state != model.StateChoosingSide {
		return ""
	}
	if side, ok := model.ParseSide(data); ok {
		return messages.SideChosen(side)
	}
	return ""
}

func (m *Machine) window(ctx context.Context, allowBets bool) (*model.Round, bool, error) {
	round, err := m.ledger.Round(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load round: %w", err)
	}
	return round, allowBets && round.IsOpen(m.now()), nil
}

func (m *Machine) chooseSide(ctx context.Context, userID int64, side model.Side, round *model.Round) error {
	w, err := m.ledger.AddWager(ctx, userID, side)
	if errors.Is(err, repository.ErrUncommittedWagerExists) {
		// left over from an interrupted flow
		if _, err := m.ledger.RemoveLastWager(ctx, userID); err != nil {
			return fmt.Errorf("failed to replace stale wager: %w", err)
		}
		w, err = m.ledger.AddWager(ctx, userID, side)
	}
	if err != nil {
		return fmt.Errorf("failed to add wager: %w", err)
	}
	if err := m.ledger.SetState(ctx, userID, model.StateShownWallet); err != nil {
		return fmt.Errorf("failed to set state: %w", err)
	}

	m.log.Info().Int64("user_id", userID).Int64("wager_id", w.ID).Str("side", string(side)).Msg("Wager added")

	wallet := round.Wallet(side)
	m.send(ctx, userID, messages.PayInstructions(side, round), messages.RemoveKeyboard())
	m.send(ctx, userID, messages.DestinationWallet(wallet), nil)
	if m.qrURL != nil {
		if err := m.sender.SendPhoto(ctx, userID, m.qrURL(wallet), transport.WithKeyboard(messages.WalletShownKeyboard())); err != nil {
			m.log.Warn().Err(err).Int64("user_id", userID).Msg("Failed to send wallet QR code")
		}
	}
	return nil
}

func (m *Machine) askWallet(ctx context.Context, userID int64, round *model.Round) error {
	user, err := m.ledger.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get user: %w", err)
	}

	if user.HasLastWallet() {
		if err := m.ledger.SetState(ctx, userID, model.StateConfirmReuseWallet); err != nil {
			return fmt.Errorf("failed to set state: %w", err)
		}
		m.send(ctx, userID, messages.ReuseWalletQuestion(user.LastWallet, round.WagerAmount), messages.ReuseWalletKeyboard())
		return nil
	}

	if err := m.ledger.SetState(ctx, userID, model.StateAwaitingWallet); err != nil {
		return fmt.Errorf("failed to set state: %w", err)
	}
	m.send(ctx, userID, messages.EnterWalletFirstTime(round.WagerAmount), messages.CancelKeyboard())
	return nil
}

func (m *Machine) promptWallet(ctx context.Context, userID int64) error {
	if err := m.ledger.SetState(ctx, userID, model.StateAwaitingWallet); err != nil {
		return fmt.Errorf("failed to set state: %w", err)
	}
	m.send(ctx, userID, messages.EnterWallet, messages.CancelKeyboard())
	return nil
}

func (m *Machine) reuseWallet(ctx context.Context, userID int64) error {
	user, err := m.ledger.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get user: %w", err)
	}
	if !user.HasLastWallet() {
		return m.promptWallet(ctx, userID)
	}
	return m.attach(ctx, userID, user.LastWallet, messages.WalletReused)
}

func (m *Machine) submitWallet(ctx context.Context, userID int64, wallet string) error {
	if !m.validate(wallet) {
		m.send(ctx, userID, messages.InvalidWallet, nil)
		return nil
	}
	return m.attach(ctx, userID, wallet, messages.WalletSaved)
}

func (m *Machine) attach(ctx context.Context, userID int64, wallet, reply string) error {
	w, err := m.ledger.UncommittedWager(ctx, userID)
	if errors.Is(err, repository.ErrWagerNotFound) {
		return m.finish(ctx, userID, messages.DefaultAnswer)
	}
	if err != nil {
		return fmt.Errorf("failed to load wager: %w", err)
	}
	if _, err := m.ledger.AttachWallet(ctx, w.ID, wallet); err != nil {
		return fmt.Errorf("failed to attach wallet: %w", err)
	}
	if err := m.ledger.SetState(ctx, userID, model.StateNone); err != nil {
		return fmt.Errorf("failed to set state: %w", err)
	}

	m.log.Info().Int64("user_id", userID).Int64("wager_id", w.ID).Msg("Wager pending settlement")
	m.send(ctx, userID, reply, messages.Menu())
	return nil
}

// finish drops the uncommitted wager, returns the user to none and
// replies with text and the menu.
func (m *Machine) finish(ctx context.Context, userID int64, text string) error {
	if err := m.Cancel(ctx, userID); err != nil {
		return err
	}
	m.send(ctx, userID, text, messages.Menu())
	return nil
}

// Cancel drops the user's uncommitted wager and resets the flow without
// messaging the user.
func (m *Machine) Cancel(ctx context.Context, userID int64) error {
	removed, err := m.ledger.RemoveLastWager(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to remove wager: %w", err)
	}
	if err := m.ledger.SetState(ctx, userID, model.StateNone); err != nil {
		return fmt.Errorf("failed to set state: %w", err)
	}
	if removed {
		m.log.Info().Int64("user_id", userID).Msg("Uncommitted wager removed")
	}
	return nil
}

func (m *Machine) send(ctx context.Context, userID int64, text string, kb *transport.Keyboard) {
	var opts *transport.Options
	if kb != nil {
		opts = transport.WithKeyboard(kb)
	}
	if err := m.sender.SendText(ctx, userID, text, opts); err != nil {
		m.log.Warn().Err(err).Int64("user_id", userID).Msg("Failed to send message")
	}
}

func (m *Machine) answer(ctx context.Context, press event.ButtonPress, text string) {
	if err := m.sender.AnswerButtonPress(ctx, press.From.ID, press.PressID, text); err != nil {
		m.log.Warn().Err(err).Int64("user_id", press.From.ID).Msg("Failed to answer button press")
	}
}
