// Package uuid provides unit tests for identifier generation and validation.
package uuid

import (
	"testing"
)

// TestNewRecordID tests that generated identifiers are valid v4 strings.
func TestNewRecordID(t *testing.T) {
	id := NewRecordID()
	if id == "" {
		t.Fatal("Expected non-empty UUID string")
	}
	if !IsValid(id) {
		t.Errorf("Generated id does not match v4 format: %s", id)
	}
	if err := ValidateRecordID(id); err != nil {
		t.Errorf("ValidateRecordID(%s) = %v", id, err)
	}
}

// TestNewUniqueness tests that identifiers never repeat.
func TestNewUniqueness(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewOperationID()
		if ids[id] {
			t.Fatalf("Duplicate UUID generated: %s", id)
		}
		ids[id] = true
	}
}

// TestValidateRecordID covers rejected identifiers.
func TestValidateRecordID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid", "f47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"empty", "", true},
		{"garbage", "not-a-uuid", true},
		{"version 1", "123e4567-e89b-12d3-a456-426614174000", true},
		{"no dashes", "f47ac10b58cc4372a5670e02b2c3d479", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRecordID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRecordID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}
