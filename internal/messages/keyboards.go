// Package messages holds the user-facing texts and keyboards.
package messages

import "daily-wager-bot/internal/transport"

// Inline button payloads.
const (
	DataSideA  = "A"
	DataSideB  = "B"
	DataNext   = "next"
	DataReject = "reject"
	DataReuse  = "reuse"
	DataChange = "change"
	DataCancel = "cancel"
)

// CancelText is the reply-keyboard button that aborts the wager flow.
const CancelText = "Cancel"

// Menu is the persistent reply keyboard.
func Menu() *transport.Keyboard {
	return &transport.Keyboard{Reply: [][]string{
		{"/how_many", "/bet"},
		{"/help", "/status"},
	}}
}

// CancelKeyboard offers a single Cancel button.
func CancelKeyboard() *transport.Keyboard {
	return &transport.Keyboard{Reply: [][]string{{CancelText}}}
}

// RemoveKeyboard hides the reply keyboard.
func RemoveKeyboard() *transport.Keyboard {
	return &transport.Keyboard{Remove: true}
}

// SideKeyboard lets the user pick a side.
func SideKeyboard() *transport.Keyboard {
	return transport.InlineRow(
		transport.Button{Text: "A", Data: DataSideA},
		transport.Button{Text: "B", Data: DataSideB},
	)
}

// WalletShownKeyboard follows the destination wallet and QR code.
func WalletShownKeyboard() *transport.Keyboard {
	return transport.InlineRow(
		transport.Button{Text: "Next", Data: DataNext},
		transport.Button{Text: CancelText, Data: DataReject},
	)
}

// ReuseWalletKeyboard asks whether to reuse the last wallet.
func ReuseWalletKeyboard() *transport.Keyboard {
	return &transport.Keyboard{Inline: [][]transport.Button{
		{{Text: "Yes", Data: DataReuse}, {Text: "Change", Data: DataChange}},
		{{Text: CancelText, Data: DataCancel}},
	}}
}
