package domain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidAddress = errors.New("invalid address")

// ZeroAddress is the all-zero account.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// NormalizeAddress returns the lower-cased 0x-prefixed form of a 20-byte
// account address. Addresses compare case-insensitively everywhere.
func NormalizeAddress(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "0x") || len(s) != 42 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	if _, err := hex.DecodeString(s[2:]); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return s, nil
}

// SameAddress compares two addresses ignoring case.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
