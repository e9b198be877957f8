// Package chain talks to the settlement network: wallet validation and the
// Etherscan transaction feed used to confirm wagers.
package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	walletPrefix    = "0x"
	walletMinLength = 40
	walletMaxLength = 44
)

// ValidateWallet reports whether addr looks like a settlement wallet:
// a 0x prefix, 40 to 44 characters, ASCII letters and digits only.
func ValidateWallet(addr string) bool {
	if !strings.HasPrefix(addr, walletPrefix) {
		return false
	}
	if len(addr) < walletMinLength || len(addr) > walletMaxLength {
		return false
	}
	for i := 0; i < len(addr); i++ {
		c := addr[i]
		isDigit := c >= '0' && c <= '9'
		isLetter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		if !isDigit && !isLetter {
			return false
		}
	}
	return true
}

// SameAddress compares two addresses ignoring checksum casing.
func SameAddress(a, b string) bool {
	if common.IsHexAddress(a) && common.IsHexAddress(b) {
		return common.HexToAddress(a) == common.HexToAddress(b)
	}
	return strings.EqualFold(a, b)
}

// NormalizeAddress returns the canonical lower-case form used to group
// wagers by paying wallet.
func NormalizeAddress(addr string) string {
	if common.IsHexAddress(addr) {
		return strings.ToLower(common.HexToAddress(addr).Hex())
	}
	return strings.ToLower(addr)
}
