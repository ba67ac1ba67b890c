package descriptor

import (
	"context"
	"log/slog"
)

// Status is a class-level declaration of a value that survives across
// activation cycles: loaded from the module's persisted YAML document at
// activation, and dumped back on every deactivation regardless of hook
// outcome.
type Status[T any] struct {
	Name string
	// Default seeds the value when no persisted document exists, or when
	// the persisted document is missing this key.
	Default T
	// Representer maps T onto a YAML-representable value. Omit it when T is
	// already one of the atomic/sequence/mapping shapes the store handles
	// directly.
	Representer func(T) (any, error)
	// Constructor is the inverse of Representer, applied when loading.
	Constructor func(any) (T, error)

	value T
}

// Load materializes the value from a decoded persisted document (nil if no
// document existed, or the key was absent), falling back to Default. A
// Constructor failure is logged and the field is dropped to Default rather
// than aborting the whole activation.
func (s *Status[T]) Load(ctx context.Context, logger *slog.Logger, doc map[string]any) {
	raw, present := doc[s.Name]
	if !present {
		s.value = s.Default
		return
	}

	if s.Constructor == nil {
		v, ok := raw.(T)
		if !ok {
			if logger != nil {
				logger.WarnContext(ctx, "status value of unexpected type, using default", "status", s.Name, "raw", raw)
			}
			s.value = s.Default
			return
		}
		s.value = v
		return
	}

	v, err := s.Constructor(raw)
	if err != nil {
		if logger != nil {
			logger.WarnContext(ctx, "status constructor failed, dropping to default", "status", s.Name, "error", err)
		}
		s.value = s.Default
		return
	}
	s.value = v
}

// Dump renders the current value into the YAML-representable shape the
// store will serialize and returns it; doc is not read or written, and the
// caller records the result under Name. A Representer
// failure is logged by the caller (descriptor.Store.Dump) and the variable
// is dropped from the document for this cycle — it does not block the
// deactivation that is dumping the rest of the module's status.
func (s *Status[T]) Dump(doc map[string]any) (any, error) {
	if s.Representer == nil {
		return s.value, nil
	}
	return s.Representer(s.value)
}

// Get returns the current in-memory value.
func (s *Status[T]) Get() T {
	return s.value
}

// Set updates the in-memory value; unlike Option, Status is ordinary
// read/write instance state at runtime.
func (s *Status[T]) Set(v T) {
	s.value = v
}

// Field is the type-erased view of a Status[T] a Store persists and
// reloads without needing to know T. Obtain one with Bind.
type Field interface {
	Name() string
	load(ctx context.Context, logger *slog.Logger, doc map[string]any)
	dump() (any, error)
}

type statusField[T any] struct {
	s *Status[T]
}

func (f statusField[T]) Name() string { return f.s.Name }
func (f statusField[T]) load(ctx context.Context, logger *slog.Logger, doc map[string]any) {
	f.s.Load(ctx, logger, doc)
}
func (f statusField[T]) dump() (any, error) { return f.s.Dump(nil) }

// Bind adapts a *Status[T] into the type-erased Field a Store tracks.
func Bind[T any](s *Status[T]) Field {
	return statusField[T]{s: s}
}
