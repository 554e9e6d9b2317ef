// Package uuid generates and validates the identifiers used by the sync core.
//
// Local record identifiers and queue operation identifiers are both UUID v4
// strings. Remote identifiers are opaque and never pass through here.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewRecordID returns a fresh local record identifier.
func NewRecordID() string {
	return New()
}

// NewOperationID returns a fresh queue operation identifier.
func NewOperationID() string {
	return New()
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// ValidateRecordID returns an error if s cannot be a local record identifier.
func ValidateRecordID(s string) error {
	if s == "" {
		return fmt.Errorf("record id is empty")
	}
	if _, err := uuid.Parse(s); err != nil {
		return fmt.Errorf("invalid record id %q: %w", s, err)
	}
	if !IsValid(s) {
		return fmt.Errorf("record id %q is not a UUID v4", s)
	}
	return nil
}
