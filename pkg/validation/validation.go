// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyescrow.
//
// go-keyescrow is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package validation provides centralized identifier validation. Item ids
// end up in storage keys and URL paths, and addresses are compared byte
// for byte by custodians, so every entry point (REST, CLI, owner and buyer
// sessions) validates through here.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidInput is wrapped by every validation failure.
var ErrInvalidInput = errors.New("invalid input")

const (
	// MaxItemIDLength bounds item identifiers.
	MaxItemIDLength = 256

	// MaxCustodianIDLength bounds custodian identifiers.
	MaxCustodianIDLength = 64
)

var (
	// itemIDPattern matches safe item ids (alphanumeric, hyphen, underscore)
	itemIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

	// addressPattern matches a 20-byte hex account address
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

	// custodianIDPattern matches lowercase custodian names
	custodianIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]*$`)
)

// ValidateItemID validates an item identifier.
// Rejects empty strings, null bytes, control characters, separators and
// anything longer than MaxItemIDLength.
func ValidateItemID(itemID string) error {
	if itemID == "" {
		return fmt.Errorf("%w: item ID cannot be empty", ErrInvalidInput)
	}

	// Check length before the pattern (prevent ReDoS)
	if len(itemID) > MaxItemIDLength {
		return fmt.Errorf("%w: item ID too long (max %d characters)", ErrInvalidInput, MaxItemIDLength)
	}

	if strings.Contains(itemID, "\x00") {
		return fmt.Errorf("%w: item ID contains null byte", ErrInvalidInput)
	}

	if !itemIDPattern.MatchString(itemID) {
		return fmt.Errorf("%w: item ID contains invalid characters (allowed: a-z, A-Z, 0-9, -, _)", ErrInvalidInput)
	}

	return nil
}

// ValidateAddress validates an owner or requester address: "0x" followed
// by 40 hex digits.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("%w: address cannot be empty", ErrInvalidInput)
	}
	if len(address) != 42 || !addressPattern.MatchString(address) {
		return fmt.Errorf("%w: address must be 0x followed by 40 hex digits", ErrInvalidInput)
	}
	return nil
}

// NormalizeAddress lowercases a valid address so that two spellings of
// the same account compare equal.
func NormalizeAddress(address string) (string, error) {
	if err := ValidateAddress(address); err != nil {
		return "", err
	}
	return "0x" + strings.ToLower(address[2:]), nil
}

// ValidateCustodianID validates a custodian name used in configuration,
// logs and metric labels.
func ValidateCustodianID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: custodian ID cannot be empty", ErrInvalidInput)
	}
	if len(id) > MaxCustodianIDLength {
		return fmt.Errorf("%w: custodian ID too long (max %d characters)", ErrInvalidInput, MaxCustodianIDLength)
	}
	if !custodianIDPattern.MatchString(id) {
		return fmt.Errorf("%w: custodian ID contains invalid characters (allowed: a-z, 0-9, -)", ErrInvalidInput)
	}
	return nil
}

// SanitizeForLog sanitizes a string for safe logging (prevents log injection).
func SanitizeForLog(s string) string {
	// Remove control characters and null bytes
	s = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)

	// Limit length to prevent log flooding
	if len(s) > 1000 {
		s = s[:1000] + "...[truncated]"
	}

	return s
}
