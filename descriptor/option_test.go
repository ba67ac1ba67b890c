package descriptor

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

func TestOptionResolveUsesDefaultWhenAbsent(t *testing.T) {
	def := 42
	opt := &Option[int]{Name: "count", Default: &def}

	v, err := opt.Resolve(context.Background(), slog.Default(), map[string]any{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != 42 || opt.Value() != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestOptionResolveRequiredMissingFails(t *testing.T) {
	opt := &Option[int]{Name: "count", Required: true}

	_, err := opt.Resolve(context.Background(), slog.Default(), map[string]any{})
	var required *ErrOptionRequired
	if !errors.As(err, &required) {
		t.Fatalf("expected ErrOptionRequired, got %v", err)
	}
}

func TestOptionResolveRunsChecker(t *testing.T) {
	opt := &Option[int]{
		Name:    "count",
		Checker: func(v int) bool { return v > 0 },
	}

	_, err := opt.Resolve(context.Background(), slog.Default(), map[string]any{"count": -1})
	var rejected *ErrOptionRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("expected ErrOptionRejected, got %v", err)
	}
}

func TestOptionResolveUsesConstructor(t *testing.T) {
	opt := &Option[int]{
		Name: "count",
		Constructor: func(raw any) (int, error) {
			s := raw.(string)
			return len(s), nil
		},
	}

	v, err := opt.Resolve(context.Background(), slog.Default(), map[string]any{"count": "abcd"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != 4 {
		t.Fatalf("expected 4, got %d", v)
	}
}

func TestOptionValuePanicsBeforeResolve(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic reading Value before Resolve")
		}
	}()
	opt := &Option[int]{Name: "count"}
	opt.Value()
}

func TestOptionSetAlwaysFrozen(t *testing.T) {
	opt := &Option[int]{Name: "count"}
	if err := opt.Set(1); err == nil {
		t.Fatal("expected ErrOptionFrozen")
	}
}
