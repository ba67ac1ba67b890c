// Package descriptor implements the class-level declarations ("meta
// descriptors") that become per-instance module data: Option, Status, and
// Connector. Small self-contained structs, explicit error returns, and slog
// for the default/missing-value trail, consistently across all three.
package descriptor

import (
	"context"
	"fmt"
	"log/slog"
)

// MissingPolicy controls what happens, besides using the default, when an
// Option's value is absent from the module's configured options.
type MissingPolicy int

const (
	MissingSilent MissingPolicy = iota
	MissingInfo
	MissingWarn
	MissingError
)

func (p MissingPolicy) logLevel() slog.Level {
	switch p {
	case MissingInfo:
		return slog.LevelInfo
	case MissingWarn:
		return slog.LevelWarn
	case MissingError:
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// ErrOptionFrozen is returned by Option.Set once a value has been
// materialized: options are immutable after construction.
type ErrOptionFrozen struct{ Name string }

func (e *ErrOptionFrozen) Error() string {
	return fmt.Sprintf("option %q: value is frozen after construction", e.Name)
}

// ErrOptionRequired is returned by Resolve when no value and no default are
// available.
type ErrOptionRequired struct{ Name string }

func (e *ErrOptionRequired) Error() string {
	return fmt.Sprintf("option %q: required, no value provided and no default set", e.Name)
}

// ErrOptionRejected is returned by Resolve when a Checker rejects the value.
type ErrOptionRejected struct {
	Name  string
	Value any
}

func (e *ErrOptionRejected) Error() string {
	return fmt.Sprintf("option %q: value %v rejected by checker", e.Name, e.Value)
}

// Option is a class-level declaration of a configuration value a module
// constructor consumes. A Default of nil without Required set still
// resolves to the zero value; declare Required when absence should fail
// construction instead.
type Option[T any] struct {
	Name string
	// Default, when non-nil, is used if Name is absent from the module's
	// configured options. A nil Default with Required=false still means the
	// zero value of T is used silently.
	Default *T
	// Required forbids a nil Default from silently defaulting to the zero
	// value; it must be set whenever Default is nil and the option cannot
	// be absent.
	Required bool
	// Missing controls the log level emitted when the default is used.
	Missing MissingPolicy
	// Checker, if set, must return true for the (possibly constructed)
	// value or Resolve fails.
	Checker func(T) bool
	// Constructor, if set, maps the raw configured value (as decoded from
	// YAML/JSON: string, int, float64, bool, []any, map[string]any, or nil) onto
	// T. Omit it when T itself is directly assignable from the raw value.
	Constructor func(raw any) (T, error)

	frozen bool
	value  T
}

// Resolve materializes the option's value from the module's configured
// options map, exactly once. It is intended to run during module
// construction, the only point at which an Option's value is set;
// subsequent calls to Value always return the materialized result without
// re-resolving.
func (o *Option[T]) Resolve(ctx context.Context, logger *slog.Logger, options map[string]any) (T, error) {
	var zero T
	raw, present := options[o.Name]
	if !present {
		if o.Default == nil && o.Required {
			return zero, &ErrOptionRequired{Name: o.Name}
		}
		var v T
		if o.Default != nil {
			v = *o.Default
		}
		if logger != nil && o.Missing != MissingSilent {
			logger.Log(ctx, o.Missing.logLevel(), "option defaulted", "option", o.Name, "default", v)
		}
		o.value = v
		o.frozen = true
		return v, nil
	}

	var value T
	if o.Constructor != nil {
		v, err := o.Constructor(raw)
		if err != nil {
			return zero, fmt.Errorf("option %q: constructor: %w", o.Name, err)
		}
		value = v
	} else {
		v, ok := raw.(T)
		if !ok {
			return zero, fmt.Errorf("option %q: value %v is not assignable to the declared type", o.Name, raw)
		}
		value = v
	}

	if o.Checker != nil && !o.Checker(value) {
		return zero, &ErrOptionRejected{Name: o.Name, Value: value}
	}

	o.value = value
	o.frozen = true
	return value, nil
}

// Value returns the materialized value. It panics if called before Resolve,
// which would indicate a programming error in the module (the base module
// type never exposes an Option before activation has resolved it).
func (o *Option[T]) Value() T {
	if !o.frozen {
		panic(fmt.Sprintf("option %q: read before Resolve", o.Name))
	}
	return o.value
}

// Set always fails after construction; it exists so user code that
// (incorrectly) tries to mutate an option gets ErrOptionFrozen instead of
// silently succeeding.
func (o *Option[T]) Set(T) error {
	return &ErrOptionFrozen{Name: o.Name}
}
