package chain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateWallet(t *testing.T) {
	tests := []struct {
		name   string
		wallet string
		want   bool
	}{
		{"checksummed address", "0x79289bb6B441cd337e2aD22b8F8202661D7b53f4", true},
		{"lower case address", "0x79289bb6b441cd337e2ad22b8f8202661d7b53f4", true},
		{"minimum length", "0x" + strings.Repeat("a", 38), true},
		{"maximum length", "0x" + strings.Repeat("a", 42), true},
		{"too short", "0x" + strings.Repeat("a", 37), false},
		{"too long", "0x" + strings.Repeat("a", 43), false},
		{"missing prefix", strings.Repeat("a", 42), false},
		{"upper case prefix", "0X" + strings.Repeat("a", 40), false},
		{"punctuation", "0x" + strings.Repeat("a", 39) + "!", false},
		{"non ascii", "0x" + strings.Repeat("a", 38) + "é", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateWallet(tt.wallet))
		})
	}
}

func TestSameAddress(t *testing.T) {
	assert.True(t, SameAddress(
		"0x79289bb6B441cd337e2aD22b8F8202661D7b53f4",
		"0x79289bb6b441cd337e2ad22b8f8202661d7b53f4",
	))
	assert.False(t, SameAddress(
		"0x79289bb6b441cd337e2ad22b8f8202661d7b53f4",
		"0x79289bb6b441cd337e2ad22b8f8202661d7b53f5",
	))
	assert.True(t, SameAddress("0xABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789abcdef", "0xabcdefghijklmnopqrstuvwxyz0123456789ABCDEF"))
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t,
		"0x79289bb6b441cd337e2ad22b8f8202661d7b53f4",
		NormalizeAddress("0x79289bb6B441cd337e2aD22b8F8202661D7b53f4"),
	)
	assert.Equal(t, "0xabcdefghijklmnopqrstuvwxyz0123456789abcdef", NormalizeAddress("0xABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789abcdef"))
}
