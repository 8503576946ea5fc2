package fault

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestWrapTransient(t *testing.T) {
	base := errors.New("connection reset")
	wrapped := WrapTransient(base)

	if !errors.Is(wrapped, ErrTransient) {
		t.Fatalf("expected wrapped error to be transient: %v", wrapped)
	}
	if !errors.Is(wrapped, base) {
		t.Fatalf("expected wrapped error to keep the cause")
	}
	if !strings.Contains(wrapped.Error(), base.Error()) {
		t.Fatalf("expected wrapped error message to include original message")
	}
}

func TestWrapPermanent(t *testing.T) {
	base := fmt.Errorf("%w: participant payeefsp", ErrNotFound)
	wrapped := WrapPermanent(base)

	if !errors.Is(wrapped, ErrPermanent) {
		t.Fatalf("expected wrapped error to be permanent: %v", wrapped)
	}
	if !errors.Is(wrapped, ErrNotFound) {
		t.Fatalf("expected taxonomy sentinel to survive wrapping")
	}
}

func TestWrapNil(t *testing.T) {
	if !errors.Is(WrapTransient(nil), ErrTransient) {
		t.Fatalf("expected nil transient wrap to fall back to ErrTransient")
	}
	if !errors.Is(WrapPermanent(nil), ErrPermanent) {
		t.Fatalf("expected nil permanent wrap to fall back to ErrPermanent")
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit transient", WrapTransient(errors.New("boom")), true},
		{"explicit permanent wins over delivery", WrapPermanent(fmt.Errorf("%w: 404", ErrDelivery)), false},
		{"delivery", fmt.Errorf("%w: http 503", ErrDelivery), true},
		{"infrastructure", fmt.Errorf("%w: directory down", ErrInfrastructure), true},
		{"not found", fmt.Errorf("%w: payeefsp", ErrNotFound), false},
		{"unclassified", errors.New("weird"), false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Fatalf("%s: IsTransient() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCode(t *testing.T) {
	if got := Code(Validation("missing %s", "transferId")); got != CodeValidation {
		t.Fatalf("expected validation code, got %s", got)
	}
	if got := Code(fmt.Errorf("%w: x", ErrNotFound)); got != CodeIDNotFound {
		t.Fatalf("expected not found code, got %s", got)
	}
	if got := Code(fmt.Errorf("%w: broker", ErrInfrastructure)); got != CodeUnavailable {
		t.Fatalf("expected unavailable code, got %s", got)
	}
	if got := Code(errors.New("other")); got != CodeInternal {
		t.Fatalf("expected internal code, got %s", got)
	}
}
