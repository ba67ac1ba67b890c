package descriptor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestStatusStoreDumpThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	s := &Status[int]{Name: "counter", Default: 0}
	s.Set(55)
	fields := []Field{Bind(s)}

	ctx := context.Background()
	logger := slog.Default()
	if err := store.Dump(ctx, logger, "testmod", fields); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	path := filepath.Join(dir, "testmod.status.yml")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected status file at %s: %v", path, err)
	}

	loaded := &Status[int]{Name: "counter", Default: 0}
	if err := store.Load(ctx, logger, "testmod", []Field{Bind(loaded)}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Get() != 55 {
		t.Fatalf("expected 55, got %d", loaded.Get())
	}
}

func TestStatusStoreLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	s := &Status[int]{Name: "counter", Default: 9}
	if err := store.Load(context.Background(), slog.Default(), "nonexistent", []Field{Bind(s)}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Get() != 9 {
		t.Fatalf("expected default 9, got %d", s.Get())
	}
}
