// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestErrorCodeValues verifies all error codes have non-empty values.
func TestErrorCodeValues(t *testing.T) {
	tests := []struct {
		name string
		code ErrorCode
	}{
		{"internal", ErrInternal},
		{"invalid", ErrInvalid},
		{"not found", ErrNotFound},
		{"storage unavailable", ErrStorageUnavailable},
		{"migration", ErrMigration},
		{"queue corrupt", ErrQueueCorrupt},
		{"remote write failed", ErrRemoteWriteFailed},
		{"max retries exceeded", ErrMaxRetriesExceeded},
		{"drain in progress", ErrDrainInProgress},
	}

	seen := make(map[ErrorCode]string)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.code == "" {
				t.Errorf("code for %s is empty", tt.name)
			}
			if other, dup := seen[tt.code]; dup {
				t.Errorf("code %s reused by %s and %s", tt.code, other, tt.name)
			}
			seen[tt.code] = tt.name
		})
	}
}

// TestAppErrorMessage verifies the formatted message with and without a cause.
func TestAppErrorMessage(t *testing.T) {
	plain := New(ErrNotFound, "record missing")
	if got := plain.Error(); got != "[NOT_FOUND] record missing" {
		t.Errorf("Error() = %q", got)
	}

	wrapped := Wrap(ErrStorageUnavailable, "put record", fmt.Errorf("disk I/O error"))
	if got := wrapped.Error(); !strings.Contains(got, "disk I/O error") || !strings.HasPrefix(got, "[STORAGE_UNAVAILABLE]") {
		t.Errorf("Error() = %q", got)
	}
}

// TestIsThroughWrapping verifies Is sees codes behind fmt.Errorf wrapping.
func TestIsThroughWrapping(t *testing.T) {
	base := NotFound("record", "abc")
	err := fmt.Errorf("update record: %w", base)

	if !Is(err, ErrNotFound) {
		t.Error("expected Is(err, ErrNotFound) to be true")
	}
	if Is(err, ErrStorageUnavailable) {
		t.Error("expected Is(err, ErrStorageUnavailable) to be false")
	}
	if Is(nil, ErrNotFound) {
		t.Error("expected Is(nil, ...) to be false")
	}
	if Is(errors.New("plain"), ErrNotFound) {
		t.Error("expected plain error to carry no code")
	}
}

// TestIsNestedAppErrors verifies Is walks through nested AppErrors.
func TestIsNestedAppErrors(t *testing.T) {
	inner := StorageUnavailable("open", errors.New("corrupt"))
	outer := Wrap(ErrInternal, "init", inner)

	if !Is(outer, ErrStorageUnavailable) {
		t.Error("expected nested STORAGE_UNAVAILABLE to be detected")
	}
	if CodeOf(outer) != ErrInternal {
		t.Errorf("CodeOf = %s, want %s", CodeOf(outer), ErrInternal)
	}
	if CodeOf(errors.New("x")) != ErrInternal {
		t.Error("CodeOf(plain) should default to INTERNAL_ERROR")
	}
}

// TestUnwrap verifies errors.Is compatibility with the wrapped cause.
func TestUnwrap(t *testing.T) {
	cause := errors.New("root")
	err := Wrap(ErrQueueCorrupt, "decode", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}
