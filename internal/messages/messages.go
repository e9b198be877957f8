package messages

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"daily-wager-bot/internal/model"
	"daily-wager-bot/internal/odds"
)

const timeLayout = "2006-01-02 15:04 MST"

// Fixed replies.
const (
	Start = "Welcome! Every day you can predict whether the published metric " +
		"stays at or below the control value (side A) or goes above it (side B).\n\n" +
		"Place a wager with /bet, see the rules with /help."
	DefaultAnswer    = "I can only follow the commands below. See /help for the list."
	UnknownCommand   = "Sorry, I don't know this command. See /help."
	WindowClosed     = "Sorry, wagering for the current round is closed."
	PressCancel      = "Press \"Cancel\" to abort."
	WagerCancelled   = "Wager cancelled."
	EnterWallet      = "Send the address of the wallet you will pay from."
	InvalidWallet    = "That doesn't look like a wallet address. It must start with 0x and contain 40 to 44 letters and digits. Try again or press \"Cancel\"."
	WalletReused     = "Got it, we'll watch for your transfer from your previous wallet. You'll be notified once it is confirmed."
	WalletSaved      = "Wallet saved. You'll be notified once your transfer is confirmed."
	NoWagers         = "You have no wagers in the current round. Place one with /bet."
	GenericError     = "Something went wrong, please try again later."
	PermissionDenied = "Permission denied: admin only."
	NoMetric         = "The metric is not available right now, please try again later."
)

// Admin replies.
const (
	SetFeeUsage      = "Usage: /set_fee <percent 1-99>"
	SetWalletUsage   = "Usage: /set_wallet <A|B> <address>"
	SetDeadlineUsage = "Usage: /set_deadline <UTC hour 1-23>"
	InvalidSide      = "Side must be A or B."
	InvalidHour      = "Hour must be between 1 and 23 and in the future."
	AdminBadWallet   = "Invalid wallet address."
)

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Help describes the current round.
func Help(r *model.Round) string {
	return fmt.Sprintf(
		"<b>How it works</b>\n"+
			"Side A wins if the next published value is at most <b>%d</b>.\n"+
			"Side B wins if it is <b>%d</b> or more.\n\n"+
			"Current rates: A <b>%s</b>, B <b>%s</b>\n"+
			"Stake: <b>%s ETH</b> per wager\n"+
			"Wagering closes: <b>%s</b>\n\n"+
			"/bet - place a wager\n"+
			"/status - your wagers\n"+
			"/how_many - latest published value",
		r.ControlValue, r.ControlValue+1, r.RateA, r.RateB, odds.FormatAmount(r.WagerAmount), formatTime(r.Deadline),
	)
}

// HowMany reports the latest metric snapshot.
func HowMany(s model.MetricSnapshot) string {
	return fmt.Sprintf(
		"Last 24 hours: <b>%d</b>\nTotal: <b>%d</b>\nLast update: %s",
		s.Value, s.Total, formatTime(s.AsOf),
	)
}

// Announcement opens the wager flow.
func Announcement(r *model.Round) string {
	return fmt.Sprintf(
		"Will the next published value be at most <b>%d</b> (A) or <b>%d</b> and above (B)?\n\n"+
			"Rates: A <b>%s</b>, B <b>%s</b>\n"+
			"Stake: <b>%s ETH</b>\n"+
			"Wagering closes: <b>%s</b>\n\n"+
			"Choose a side:",
		r.ControlValue, r.ControlValue+1, r.RateA, r.RateB, odds.FormatAmount(r.WagerAmount), formatTime(r.Deadline),
	)
}

// SideChosen answers the side button press.
func SideChosen(side model.Side) string {
	return fmt.Sprintf("You chose %s", side)
}

// PayInstructions follows the side choice.
func PayInstructions(side model.Side, r *model.Round) string {
	return fmt.Sprintf(
		"You chose <b>%s</b>. Send exactly <b>%s ETH</b> to the wallet below before %s, then press \"Next\".",
		side, odds.FormatAmount(r.WagerAmount), formatTime(r.Deadline),
	)
}

// DestinationWallet renders a wallet address for copying.
func DestinationWallet(wallet string) string {
	return "<code>" + html.EscapeString(wallet) + "</code>"
}

// ReuseWalletQuestion offers the user's previous wallet.
func ReuseWalletQuestion(wallet string, amount decimal.Decimal) string {
	return fmt.Sprintf(
		"Will you send %s ETH from your previous wallet <code>%s</code>?",
		odds.FormatAmount(amount), html.EscapeString(wallet),
	)
}

// EnterWalletFirstTime asks for the paying wallet.
func EnterWalletFirstTime(amount decimal.Decimal) string {
	return fmt.Sprintf(
		"Send the address of the wallet you will pay %s ETH from. We use it to confirm your wager.",
		odds.FormatAmount(amount),
	)
}

// Status lists the user's wagers with the current rates.
func Status(wagers []*model.Wager, r *model.Round) string {
	if len(wagers) == 0 {
		return NoWagers
	}
	var b strings.Builder
	for i, w := range wagers {
		if i > 0 {
			b.WriteString("\n\n")
		}
		status := "unconfirmed"
		if w.IsSettled() {
			status = "confirmed"
		}
		wallet := w.Wallet
		if wallet == "" {
			wallet = "-"
		}
		fmt.Fprintf(&b,
			"Wager <b>%d</b>:\nSide: %s, current rate %s\nWallet: <code>%s</code>\nStatus: %s",
			i+1, w.Side, r.Rate(w.Side), html.EscapeString(wallet), status,
		)
	}
	return b.String()
}

// Settled confirms a wager after its transfer was matched.
func Settled(wagerID int64, side model.Side) string {
	return fmt.Sprintf("Your wager on %s is confirmed.\nID: %d", side, wagerID)
}

// BettingClosed is broadcast when the window closes.
func BettingClosed(rates model.Rates) string {
	return fmt.Sprintf(
		"Wagering for this round is closed.\nFinal rates: A <b>%s</b>, B <b>%s</b>\n"+
			"Results follow the next metric update.",
		rates.A, rates.B,
	)
}

// RoundResult is broadcast to everyone when a round resolves.
func RoundResult(winner model.Side, rate model.Rate, s model.MetricSnapshot) string {
	return fmt.Sprintf(
		"The round is over! Side <b>%s</b> wins at rate <b>%s</b>.\n\n"+
			"Last 24 hours: %d\nTotal: %d\nUpdated: %s\n\n"+
			"A new round has started, see /help.",
		winner, rate, s.Value, s.Total, formatTime(s.AsOf),
	)
}

// Payout tells a winner how much they are owed.
func Payout(amount decimal.Decimal) string {
	return fmt.Sprintf("Your winnings: <b>%s ETH</b>", odds.FormatAmount(amount))
}

// FeeUpdated confirms /set_fee.
func FeeUpdated(fee decimal.Decimal, rates model.Rates) string {
	return fmt.Sprintf("Fee set to %s%%. Rates: A %s, B %s", fee.Shift(2).String(), rates.A, rates.B)
}

// WalletUpdated confirms /set_wallet.
func WalletUpdated(side model.Side, wallet string) string {
	return fmt.Sprintf("Wallet for side %s set to <code>%s</code>", side, html.EscapeString(wallet))
}

// DeadlineUpdated confirms /set_deadline.
func DeadlineUpdated(deadline time.Time) string {
	return "Wagering now closes at " + formatTime(deadline)
}

// StorageAlert notifies operators of a failing ledger.
func StorageAlert(op string, err error) string {
	return fmt.Sprintf("⚠️ Storage error during %s: %s\nNew wagers are paused until storage recovers.",
		html.EscapeString(op), html.EscapeString(err.Error()))
}

// StorageRecovered notifies operators that wagering resumed.
func StorageRecovered() string {
	return "✅ Storage recovered, wagering resumed."
}
