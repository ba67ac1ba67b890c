// Package module defines the base type every hardware, logic, and GUI
// module embeds: its read-only identity, its lifecycle state machine, its
// module-scoped logger, and the descriptor bookkeeping the manager needs to
// bind connectors and persist status on its behalf.
package module

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/qudi-go/qudicore/descriptor"
	"github.com/qudi-go/qudicore/fsm"
)

// Kind is the section of the configuration a module was declared under; it
// establishes default threading and the permitted direction of connections.
type Kind string

const (
	Hardware Kind = "hardware"
	Logic    Kind = "logic"
	GUI      Kind = "gui"
)

// DefaultThreaded returns the per-kind default for the threaded flag: logic
// modules run on a dedicated worker unless told otherwise, hardware and GUI
// modules run on the main thread unless told otherwise.
func DefaultThreaded(kind Kind) bool {
	return kind == Logic
}

// Lifecycle is the pair of hooks every concrete module must implement.
// Hooks run with the module's FSM already transitioned to Activating or
// Deactivating, and on the module's own worker thread when Threaded is
// true.
type Lifecycle interface {
	OnActivate(ctx context.Context) error
	OnDeactivate(ctx context.Context) error
}

// Base is embedded by every concrete module implementation. It owns the
// identity fields, the FSM, the logger, and the descriptor bookkeeping; it
// implements none of Lifecycle itself; concrete modules must.
type Base struct {
	mu sync.RWMutex

	name           string
	kind           Kind
	uuid           string
	threaded       bool
	defaultDataDir string

	logger   *slog.Logger
	fsm      *fsm.FSM
	lastSpan trace.SpanContext

	connectors map[string]*descriptor.Connector
	statuses   []descriptor.Field
}

// NewBase constructs a Base with a freshly generated instance identifier.
// The module manager calls this once, on the main thread, during
// instantiation — before any connector is bound or status is loaded.
func NewBase(name string, kind Kind, threaded bool, defaultDataDir string, logger *slog.Logger) *Base {
	return &Base{
		name:           name,
		kind:           kind,
		uuid:           uuid.NewString(),
		threaded:       threaded,
		defaultDataDir: defaultDataDir,
		logger:         logger,
		fsm:            fsm.New(),
		connectors:     map[string]*descriptor.Connector{},
	}
}

func (b *Base) Name() string           { return b.name }
func (b *Base) Kind() Kind             { return b.kind }
func (b *Base) UUID() string           { return b.uuid }
func (b *Base) Threaded() bool         { return b.threaded }
func (b *Base) DefaultDataDir() string { return b.defaultDataDir }
func (b *Base) Logger() *slog.Logger   { return b.logger }
func (b *Base) FSM() *fsm.FSM          { return b.fsm }

// LastTransitionSpan returns the trace context of the most recent
// Activate/Deactivate span the manager ran this module's hooks under, or a
// zero SpanContext before the first transition. Log lines a module writes
// from inside OnActivate/OnDeactivate can attach it to correlate with the
// trace backend.
func (b *Base) LastTransitionSpan() trace.SpanContext {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSpan
}

// SetLastTransitionSpan records the span context of the transition that
// just completed. Called by the module manager once the lifecycle hook has
// returned and the FSM has reached Idle (activation) or Deactivated
// (deactivation).
func (b *Base) SetLastTransitionSpan(sc trace.SpanContext) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSpan = sc
}

// RegisterConnector makes c reachable by name for the manager to bind at
// activation time and for module code to look up via Connector. Concrete
// module constructors call this once per declared Connector field.
func (b *Base) RegisterConnector(c *descriptor.Connector) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectors[c.Name] = c
}

// Connector looks up a previously registered connector by name.
func (b *Base) Connector(name string) (*descriptor.Connector, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.connectors[name]
	return c, ok
}

// Connectors returns every registered connector, keyed by name, for the
// manager's required-connector check at activation and its unbind sweep
// at deactivation.
func (b *Base) Connectors() map[string]*descriptor.Connector {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]*descriptor.Connector, len(b.connectors))
	for k, v := range b.connectors {
		out[k] = v
	}
	return out
}

// RegisterStatus makes f part of what the manager loads at activation and
// dumps at deactivation. Concrete module constructors call this once per
// declared Status field, via descriptor.Bind.
func (b *Base) RegisterStatus(f descriptor.Field) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = append(b.statuses, f)
}

// StatusFields returns every registered status field, in registration
// order, for the manager to pass to a descriptor.Store.
func (b *Base) StatusFields() []descriptor.Field {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]descriptor.Field, len(b.statuses))
	copy(out, b.statuses)
	return out
}

// ErrUnboundOptionalConnector names the exact failure callers see when they
// use an optional connector's proxy without a configured target, routed
// here so manager and remote code can recognize it without importing
// descriptor directly.
type ErrUnboundOptionalConnector = descriptor.ErrConnectorUnbound

// String implements fmt.Stringer for diagnostics and log fields.
func (b *Base) String() string {
	return fmt.Sprintf("%s(%s)[%s]", b.name, b.kind, b.uuid)
}
