package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindPredicates(t *testing.T) {
	t.Log("\n🔍 Testing error kind classification...")

	cases := []struct {
		err  error
		pred func(error) bool
		name string
	}{
		{Validation("op", errors.New("bad input")), IsValidation, "validation"},
		{Transient("op", errors.New("timeout")), IsTransient, "transient"},
		{Permanent("op", errors.New("no access")), IsPermanent, "permanent"},
		{Conflict("op", errors.New("stale")), IsConflict, "conflict"},
		{Exhausted("op", errors.New("gave up")), IsExhausted, "exhausted"},
	}
	for _, tc := range cases {
		if !tc.pred(tc.err) {
			t.Errorf("❌ %s predicate rejected its own kind", tc.name)
		}
	}
	t.Log("✅ predicates match their kinds")
}

func TestPredicatesThroughWrapping(t *testing.T) {
	inner := Transient("dial", errors.New("connection refused"))
	wrapped := fmt.Errorf("apply host-1: %w", inner)

	if !IsTransient(wrapped) {
		t.Error("❌ transient classification lost through fmt.Errorf wrapping")
	}
	if IsPermanent(wrapped) {
		t.Error("❌ wrapped transient error classified as permanent")
	}
}

func TestDeadlineExceededIsTransient(t *testing.T) {
	err := fmt.Errorf("probe: %w", context.DeadlineExceeded)
	if !IsTransient(err) {
		t.Error("❌ context.DeadlineExceeded should count as transient")
	}
}

func TestUnwrap(t *testing.T) {
	sentinel := errors.New("root cause")
	err := Exhausted("retry", fmt.Errorf("after 3 attempts: %w", sentinel))
	if !errors.Is(err, sentinel) {
		t.Error("❌ errors.Is cannot reach the wrapped cause")
	}
}

func TestValidationf(t *testing.T) {
	err := Validationf("ingest", "severity %v out of range", 42.0)
	if !IsValidation(err) {
		t.Error("❌ Validationf did not produce a validation error")
	}
	if err.Error() == "" {
		t.Error("❌ empty error message")
	}
}
