package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/vladislavdragonenkov/ims/internal/domain"
)

func TestIsVersionConflict(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "direct", err: domain.ErrStockVersionConflict, want: true},
		{name: "wrapped", err: fmt.Errorf("save stock: %w", domain.ErrStockVersionConflict), want: true},
		{name: "other", err: domain.ErrStockNotFound, want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := domain.IsVersionConflict(tc.err); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestTypedErrorHelpers(t *testing.T) {
	insufficient := fmt.Errorf("reserve: %w", &domain.InsufficientStockError{Requested: 5, Available: 2})
	if !domain.IsInsufficientStock(insufficient) {
		t.Fatal("expected wrapped InsufficientStockError to match")
	}
	if domain.IsInsufficientStock(errors.New("boom")) {
		t.Fatal("unexpected match for unrelated error")
	}

	over := fmt.Errorf("release: %w", &domain.OverReleaseError{Requested: 3, Outstanding: 1})
	if !domain.IsOverRelease(over) {
		t.Fatal("expected wrapped OverReleaseError to match")
	}
	if domain.IsOverRelease(insufficient) {
		t.Fatal("insufficient stock must not match over-release")
	}
}
