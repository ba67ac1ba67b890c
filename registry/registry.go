// Package registry maps a module's configured class locator (the
// "package.Type" string in a config document's module.Class field) onto
// the Go constructor that builds an instance of it. Hardware, logic, and
// GUI packages call Register from an init function; the module manager
// looks the locator up at activation time without ever importing the
// concrete package itself.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds one module instance from its resolved options map and
// returns it as an any; the caller type-asserts it to whatever base module
// interface the manager expects.
type Factory func(options map[string]any) (any, error)

var (
	mu    sync.RWMutex
	types = map[string]Factory{}
)

// Register associates locator with factory. Calling Register twice for the
// same locator replaces the previous factory; this mirrors how re-running
// an init-heavy test binary or hot-reloading a plugin package would behave,
// rather than panicking on the second call.
func Register(locator string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	types[locator] = factory
}

// ErrUnknownClass is returned by Build when locator has no registered
// factory: the configured module.Class names a package.Type that either
// was never imported (so its init never ran) or never called Register.
type ErrUnknownClass struct{ Locator string }

func (e *ErrUnknownClass) Error() string {
	return fmt.Sprintf("module class %q is not registered", e.Locator)
}

// Build constructs a module instance for locator with the given options.
func Build(locator string, options map[string]any) (any, error) {
	mu.RLock()
	factory, ok := types[locator]
	mu.RUnlock()
	if !ok {
		return nil, &ErrUnknownClass{Locator: locator}
	}
	return factory(options)
}

// Known reports whether locator currently resolves to a factory, without
// constructing anything. The module manager uses this to mark a module
// broken in its snapshot and to refuse activation before calling Build.
func Known(locator string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := types[locator]
	return ok
}

// Locators returns every currently-registered class locator, sorted, for
// diagnostics and the CLI's module-listing output.
func Locators() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(types))
	for l := range types {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
