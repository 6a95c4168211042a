package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("store: apply: %w", ErrStaleVersion), KindStaleVersion},
		{fmt.Errorf("call platform: get call: %w", ErrRejectedCallID), KindPermanentExternal},
		{fmt.Errorf("call platform: start call: %w", ErrRetryableExternal), KindRetryableExternal},
		{fmt.Errorf("%w: batch size must be positive", ErrConfig), KindConfig},
		{fmt.Errorf("%w: pair", ErrInvariantViolation), KindInvariantViolation},
		{errors.New("boom"), KindOther},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestIsAlert(t *testing.T) {
	if !IsAlert(fmt.Errorf("x: %w", ErrConfig)) {
		t.Fatal("config errors must alert")
	}
	if !IsAlert(fmt.Errorf("x: %w", ErrInvariantViolation)) {
		t.Fatal("invariant violations must alert")
	}
	if IsAlert(fmt.Errorf("x: %w", ErrRetryableExternal)) {
		t.Fatal("retryable external errors are metrics only")
	}
}

func TestRejectedCallIDIsPermanent(t *testing.T) {
	if !errors.Is(ErrRejectedCallID, ErrPermanentExternal) {
		t.Fatal("expected rejected call id to be a permanent external error")
	}
}
