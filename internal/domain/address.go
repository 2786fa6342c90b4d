package domain

import (
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// ValidatePairAddress checks that a pair address is plausible for its network.
// Solana-style networks use base58-encoded 32-byte account keys; EVM-style
// networks use 0x-prefixed 20-byte hex addresses. Other networks only require
// a non-empty address.
func ValidatePairAddress(network, address string) error {
	if address == "" {
		return fmt.Errorf("empty pair address")
	}

	switch {
	case strings.HasPrefix(strings.ToLower(network), "solana"):
		raw, err := base58.Decode(address)
		if err != nil {
			return fmt.Errorf("decode base58 address %q: %w", address, err)
		}
		if len(raw) != 32 {
			return fmt.Errorf("solana address %q: got %d bytes, want 32", address, len(raw))
		}
	case strings.HasPrefix(address, "0x"):
		if len(address) != 42 {
			return fmt.Errorf("evm address %q: got %d chars, want 42", address, len(address))
		}
		for _, c := range address[2:] {
			if !isHexDigit(c) {
				return fmt.Errorf("evm address %q: invalid hex character %q", address, c)
			}
		}
	}

	return nil
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
