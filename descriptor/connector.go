package descriptor

import (
	"context"
	"fmt"
)

// ErrConnectorUnbound is returned by an optional Connector's proxy when it
// has no target bound: attribute use on an unconfigured optional connector
// raises this rather than panicking on a nil dereference.
type ErrConnectorUnbound struct{ Connector string }

func (e *ErrConnectorUnbound) Error() string {
	return fmt.Sprintf("connector %q: not bound, no module configured for it", e.Connector)
}

// Target is whatever a Connector's proxy dispatches calls to: either a
// locally-activated module's implementation (satisfying Interface), or a
// remote client proxy over the wire. Both are handed to Bind by the module
// manager; the connector itself never distinguishes them.
type Target interface {
	// Invoke dispatches method against the target and returns its result.
	// The module manager's local dispatcher and the remote client's RPC
	// dispatcher both implement this the same way callers see it.
	Invoke(ctx context.Context, method string, args ...any) (any, error)
}

// Connector is a class-level declaration that a module depends on another
// module satisfying a named interface. Every connector with an entry in the
// module's configured connect map participates in the module manager's
// dependency graph and activation ordering. An Optional=false connector
// left without a target fails activation; Optional=true connectors are
// tolerated missing.
type Connector struct {
	Name      string
	Interface string
	Optional  bool

	target Target
	bound  bool
}

// Bind attaches target as this connector's resolved dependency. Called by
// the module manager once, at activation time, after the target module has
// itself reached idle/locked. Binding may be repeated across activation
// cycles with a different target.
func (c *Connector) Bind(target Target) {
	c.target = target
	c.bound = true
}

// Unbind clears the connector, e.g. when its target deactivates out from
// under it; subsequent use raises ErrConnectorUnbound exactly as an
// never-configured optional connector would.
func (c *Connector) Unbind() {
	c.target = nil
	c.bound = false
}

// Bound reports whether a target is currently attached.
func (c *Connector) Bound() bool {
	return c.bound
}

// Proxy returns the capability proxy callers use to reach the bound target.
// An unbound optional connector returns a proxy that fails any use with
// ErrConnectorUnbound rather than a nil value, so caller code can call
// methods on it unconditionally and handle the error uniformly.
func (c *Connector) Proxy() *Proxy {
	return &Proxy{connector: c}
}

// Proxy is the capability object a bound Connector hands to module code:
// attribute access and calls are forwarded to whatever Target is currently
// bound, transparently whether that target is local or remote.
type Proxy struct {
	connector *Connector
}

// Call forwards method/args to the bound target. Calling through an
// unbound (optional, unconfigured) connector returns ErrConnectorUnbound.
func (p *Proxy) Call(ctx context.Context, method string, args ...any) (any, error) {
	if !p.connector.bound || p.connector.target == nil {
		return nil, &ErrConnectorUnbound{Connector: p.connector.Name}
	}
	return p.connector.target.Invoke(ctx, method, args...)
}
