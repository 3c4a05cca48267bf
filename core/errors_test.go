package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorWrapping(t *testing.T) {
	err := NewError("store.UpdateSchedule", "conflict", ErrUpdateConflict)
	err.ID = "s-42"

	if !errors.Is(err, ErrUpdateConflict) {
		t.Error("wrapped sentinel not found with errors.Is")
	}
	if !IsConflict(err) {
		t.Error("IsConflict should match")
	}

	msg := err.Error()
	if msg != "store.UpdateSchedule [s-42]: update conflict: record changed since read" {
		t.Errorf("unexpected message: %q", msg)
	}
}

func TestErrorWrappedDeep(t *testing.T) {
	inner := NewError("vendordb.Query", "transport", ErrTransport)
	outer := fmt.Errorf("tick failed: %w", inner)

	if !IsTransport(outer) {
		t.Error("transport kind should survive double wrapping")
	}
}

func TestValidationError(t *testing.T) {
	err := ValidationError("interval_hours", "must be > 0")
	if !IsValidation(err) {
		t.Error("IsValidation should match")
	}
	if err.ID != "interval_hours" {
		t.Errorf("field not carried in ID: %q", err.ID)
	}
	if got := err.Error(); got != "validate [interval_hours]: must be > 0" {
		t.Errorf("field-level message lost: %q", got)
	}
}

func TestErrorMessageWinsOverSentinel(t *testing.T) {
	err := &Error{
		Op:      "pipeline.Run",
		Kind:    "validation",
		ID:      "ResetHamiltonTables",
		Message: "reset hamilton tables: connection refused",
		Err:     ErrValidation,
	}
	want := "pipeline.Run [ResetHamiltonTables]: reset hamilton tables: connection refused"
	if got := err.Error(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if !errors.Is(err, ErrValidation) {
		t.Error("sentinel must still unwrap when a message is set")
	}
}

func TestKindPredicatesDisjoint(t *testing.T) {
	conflict := NewError("store.UpdateSchedule", "conflict", ErrUpdateConflict)
	if IsNotFound(conflict) || IsValidation(conflict) || IsVendorBusy(conflict) {
		t.Error("conflict error matched an unrelated predicate")
	}

	notFound := NewError("store.GetSchedule", "not_found", ErrScheduleNotFound)
	if !IsNotFound(notFound) {
		t.Error("IsNotFound should match")
	}
	if IsConflict(notFound) {
		t.Error("not-found error matched IsConflict")
	}
}

func TestErrorMessageFallbacks(t *testing.T) {
	e := &Error{Kind: "internal"}
	if e.Error() != "internal error" {
		t.Errorf("unexpected fallback: %q", e.Error())
	}

	e = &Error{Message: "something specific"}
	if e.Error() != "something specific" {
		t.Errorf("unexpected message: %q", e.Error())
	}
}
