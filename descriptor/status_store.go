package descriptor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store persists a module's Status fields to a single YAML document per
// module, at <dir>/<module>.status.yml. Writes go through a temp file then
// rename so a reader never observes a partial document. A single mutex,
// shared by every module the Store serves, serializes Dump calls without
// ever being held while the module's deactivation hook runs.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore returns a Store rooted at dir, creating it if necessary.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("status store: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(module string) string {
	return filepath.Join(s.dir, module+".status.yml")
}

// Load reads the persisted document for module, decodes it, and calls
// Load on every field with the result. A missing file is not an error:
// every field falls back to its Default, and a warn-level record is
// emitted.
func (s *Store) Load(ctx context.Context, logger *slog.Logger, module string, fields []Field) error {
	raw, err := os.ReadFile(s.path(module))
	if os.IsNotExist(err) {
		if logger != nil {
			logger.WarnContext(ctx, "no persisted status file, using defaults", "module", module)
		}
		doc := map[string]any{}
		for _, f := range fields {
			f.load(ctx, logger, doc)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("status store: reading %s: %w", module, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		if logger != nil {
			logger.WarnContext(ctx, "persisted status file malformed, using defaults", "module", module, "error", err)
		}
		doc = map[string]any{}
	}
	for _, f := range fields {
		f.load(ctx, logger, doc)
	}
	return nil
}

// Dump serializes every field and atomically writes the module's status
// file. Callers must invoke Dump on every deactivation regardless of
// whether the deactivation hook itself succeeded. A field whose Representer
// fails is logged and dropped from the document; it never blocks the dump
// of the remaining fields.
func (s *Store) Dump(ctx context.Context, logger *slog.Logger, module string, fields []Field) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := map[string]any{}
	for _, f := range fields {
		v, err := f.dump()
		if err != nil {
			if logger != nil {
				logger.WarnContext(ctx, "status representer failed, dropping variable", "module", module, "field", f.Name(), "error", err)
			}
			continue
		}
		doc[f.Name()] = v
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("status store: marshaling %s: %w", module, err)
	}

	final := s.path(module)
	tmp, err := os.CreateTemp(s.dir, module+".status.*.tmp")
	if err != nil {
		return fmt.Errorf("status store: creating temp file for %s: %w", module, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("status store: writing %s: %w", module, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("status store: syncing %s: %w", module, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("status store: closing %s: %w", module, err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return fmt.Errorf("status store: renaming %s: %w", module, err)
	}
	return nil
}
