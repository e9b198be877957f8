// Package handler provides the bot's command handlers. The wager flow
// itself (/bet) lives in package flow.
package handler

import (
	"context"
	"errors"
	"strconv"

	"github.com/rs/zerolog/log"

	"daily-wager-bot/internal/event"
	"daily-wager-bot/internal/messages"
	"daily-wager-bot/internal/service"
	"daily-wager-bot/internal/transport"
)

// Commands handled here.
const (
	CmdStart       = "start"
	CmdHelp        = "help"
	CmdHowMany     = "how_many"
	CmdStatus      = "status"
	CmdSetFee      = "set_fee"
	CmdSetWallet   = "set_wallet"
	CmdSetDeadline = "set_deadline"
)

// Handler routes commands to their implementations.
type Handler struct {
	account *service.AccountService
	admin   *service.AdminService
	sender  transport.Transport
	routes  map[string]Func
}

// New creates a Handler. isAdmin gates the admin commands.
func New(account *service.AccountService, admin *service.AdminService, sender transport.Transport, isAdmin func(int64) bool) *Handler {
	h := &Handler{account: account, admin: admin, sender: sender}

	common := []Middleware{RecoveryMiddleware(sender), LoggingMiddleware()}
	adminOnly := append(common[:len(common):len(common)], AdminMiddleware(isAdmin, sender))

	h.routes = map[string]Func{
		CmdStart:       Chain(h.HandleStart, common...),
		CmdHelp:        Chain(h.HandleHelp, common...),
		CmdHowMany:     Chain(h.HandleHowMany, common...),
		CmdStatus:      Chain(h.HandleStatus, common...),
		CmdSetFee:      Chain(h.HandleSetFee, adminOnly...),
		CmdSetWallet:   Chain(h.HandleSetWallet, adminOnly...),
		CmdSetDeadline: Chain(h.HandleSetDeadline, adminOnly...),
	}
	return h
}

// Handle dispatches cmd. Unknown commands get a hint.
func (h *Handler) Handle(ctx context.Context, cmd event.Command) error {
	f, ok := h.routes[cmd.Name]
	if !ok {
		h.reply(ctx, cmd, messages.UnknownCommand)
		return nil
	}
	return f(ctx, cmd)
}

func (h *Handler) reply(ctx context.Context, cmd event.Command, text string) {
	reply(ctx, h.sender, cmd.From.ID, text, messages.Menu())
}

// HandleStart handles the /start command.
func (h *Handler) HandleStart(ctx context.Context, cmd event.Command) error {
	h.reply(ctx, cmd, messages.Start)
	return nil
}

// HandleHelp handles the /help command.
// Shows the round rules, current rates, stake and deadline.
func (h *Handler) HandleHelp(ctx context.Context, cmd event.Command) error {
	round, err := h.account.Round(ctx)
	if err != nil {
		return err
	}
	h.reply(ctx, cmd, messages.Help(round))
	return nil
}

// HandleHowMany handles the /how_many command.
func (h *Handler) HandleHowMany(ctx context.Context, cmd event.Command) error {
	snap, err := h.account.LatestMetric(ctx)
	if err != nil {
		// the metric source is external; this is not a storage failure
		log.Warn().Err(err).Msg("Failed to fetch metric")
		h.reply(ctx, cmd, messages.NoMetric)
		return nil
	}
	h.reply(ctx, cmd, messages.HowMany(snap))
	return nil
}

// HandleStatus handles the /status command.
func (h *Handler) HandleStatus(ctx context.Context, cmd event.Command) error {
	wagers, round, err := h.account.Status(ctx, cmd.From.ID)
	if err != nil {
		return err
	}
	h.reply(ctx, cmd, messages.Status(wagers, round))
	return nil
}

// HandleSetFee handles the /set_fee command.
// Format: /set_fee <percent>
func (h *Handler) HandleSetFee(ctx context.Context, cmd event.Command) error {
	if len(cmd.Args) != 1 {
		h.reply(ctx, cmd, messages.SetFeeUsage)
		return nil
	}
	percent, err := strconv.Atoi(cmd.Args[0])
	if err != nil {
		h.reply(ctx, cmd, messages.SetFeeUsage)
		return nil
	}

	fee, rates, err := h.admin.SetFee(ctx, cmd.From.ID, percent)
	if errors.Is(err, service.ErrInvalidFee) {
		h.reply(ctx, cmd, messages.SetFeeUsage)
		return nil
	}
	if err != nil {
		return err
	}
	h.reply(ctx, cmd, messages.FeeUpdated(fee, rates))
	return nil
}

// HandleSetWallet handles the /set_wallet command.
// Format: /set_wallet <A|B> <address>
func (h *Handler) HandleSetWallet(ctx context.Context, cmd event.Command) error {
	if len(cmd.Args) != 2 {
		h.reply(ctx, cmd, messages.SetWalletUsage)
		return nil
	}

	side, err := h.admin.SetWallet(ctx, cmd.From.ID, cmd.Args[0], cmd.Args[1])
	switch {
	case errors.Is(err, service.ErrInvalidSide):
		h.reply(ctx, cmd, messages.InvalidSide)
		return nil
	case errors.Is(err, service.ErrInvalidWallet):
		h.reply(ctx, cmd, messages.AdminBadWallet)
		return nil
	case err != nil:
		return err
	}
	h.reply(ctx, cmd, messages.WalletUpdated(side, cmd.Args[1]))
	return nil
}

// HandleSetDeadline handles the /set_deadline command.
// Format: /set_deadline <hour>
func (h *Handler) HandleSetDeadline(ctx context.Context, cmd event.Command) error {
	if len(cmd.Args) != 1 {
		h.reply(ctx, cmd, messages.SetDeadlineUsage)
		return nil
	}
	hour, err := strconv.Atoi(cmd.Args[0])
	if err != nil {
		h.reply(ctx, cmd, messages.SetDeadlineUsage)
		return nil
	}

	deadline, err := h.admin.SetDeadlineHour(ctx, cmd.From.ID, hour)
	if errors.Is(err, service.ErrInvalidHour) || errors.Is(err, service.ErrDeadlinePast) {
		h.reply(ctx, cmd, messages.InvalidHour)
		return nil
	}
	if err != nil {
		return err
	}
	h.reply(ctx, cmd, messages.DeadlineUpdated(deadline))
	return nil
}
