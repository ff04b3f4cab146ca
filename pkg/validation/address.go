package validation

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// ValidateAddress validates a deposit address returned for the given network.
// Core blockchain addresses are checked strictly; other networks only get a
// sanity check since their formats are owned by the gateway.
func ValidateAddress(network, addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if strings.IndexFunc(addr, unicode.IsSpace) >= 0 {
		return fmt.Errorf("address contains whitespace")
	}

	switch network {
	case "xcb", "xab":
		return ValidateCoreAddress(addr)
	}

	if len(addr) < 20 || len(addr) > 128 {
		return fmt.Errorf("invalid address length: %d", len(addr))
	}

	return nil
}

// ValidateCoreAddress validates a Core blockchain address format
func ValidateCoreAddress(addr string) error {
	// Remove 0x prefix if present
	normalized := strings.TrimPrefix(addr, "0x")
	normalized = strings.TrimPrefix(normalized, "0X")

	// Check length (44 hex characters = 22 bytes)
	if len(normalized) != 44 {
		return fmt.Errorf("invalid address length: expected 44 characters (without 0x), got %d", len(normalized))
	}

	if _, err := hex.DecodeString(normalized); err != nil {
		return fmt.Errorf("invalid hex address: %w", err)
	}

	return nil
}

// NormalizeAddress converts a Core address to lowercase without 0x prefix.
// Addresses of other networks are returned trimmed but otherwise untouched,
// since several of them are case sensitive.
func NormalizeAddress(network, addr string) string {
	addr = strings.TrimSpace(addr)
	switch network {
	case "xcb", "xab":
		addr = strings.TrimPrefix(addr, "0x")
		addr = strings.TrimPrefix(addr, "0X")
		return strings.ToLower(addr)
	}
	return addr
}

// ValidateAndNormalizeAddress validates an address and returns its normalized form
func ValidateAndNormalizeAddress(network, addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if err := ValidateAddress(network, addr); err != nil {
		return "", err
	}
	return NormalizeAddress(network, addr), nil
}
