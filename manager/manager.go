// Package manager implements the module manager: the single authority over
// the live module table, dependency-ordered activation and deactivation,
// and the operational event/journal trail around both.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/qudi-go/qudicore/config"
	"github.com/qudi-go/qudicore/descriptor"
	"github.com/qudi-go/qudicore/fsm"
	"github.com/qudi-go/qudicore/module"
	"github.com/qudi-go/qudicore/registry"
	"github.com/qudi-go/qudicore/remote"
	"github.com/qudi-go/qudicore/telemetry"
	"github.com/qudi-go/qudicore/thread"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = telemetry.Tracer("github.com/qudi-go/qudicore/manager")

// Instance is what registry.Build must return for every module class: the
// lifecycle hooks, the embedded Base the manager reads identity/FSM/
// descriptors from, and a uniform Call surface so a bound Connector's proxy
// can reach it the same way whether the target is local or remote.
type Instance interface {
	module.Lifecycle
	Base() *module.Base
	Call(ctx context.Context, method string, args ...any) (any, error)
}

// localTarget adapts an Instance to descriptor.Target for connector binding
// between two locally-activated modules.
type localTarget struct{ inst Instance }

func (l localTarget) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	return l.inst.Call(ctx, method, args...)
}

// ErrModuleStillRequired is returned by Deactivate when a dependent of the
// requested module is itself still required by an active module outside
// the deactivation closure: the recursion has reached a module it cannot
// remove without breaking something the caller did not ask to touch.
type ErrModuleStillRequired struct {
	Module  string
	Blocker string
	By      string
}

func (e *ErrModuleStillRequired) Error() string {
	return fmt.Sprintf("cannot deactivate %q: dependent %q is still required by %q", e.Module, e.Blocker, e.By)
}

// ErrUnknownModule is returned by any operation naming a module absent from
// the loaded configuration.
type ErrUnknownModule struct{ Name string }

func (e *ErrUnknownModule) Error() string {
	return fmt.Sprintf("module %q is not declared in the configuration", e.Name)
}

// defaultDrainTimeout bounds how long Deactivate waits for a module's
// worker to drain once its refcount reaches zero.
const defaultDrainTimeout = 5 * time.Second

// registry.Factory only ever receives a module's configured options map, so
// the two per-instance values a factory cannot otherwise know — its
// configured name and its default data directory — ride along under these
// reserved keys. A factory that wants them (most do, via module.NewBase)
// reads them back out; one that doesn't simply ignores the extra entries.
const (
	optionInstanceName   = "_instance_name"
	optionDefaultDataDir = "_default_data_dir"
)

type entry struct {
	name       string
	kind       module.Kind
	descriptor config.ModuleDescriptor
	instance   Instance
	worker     *thread.Worker

	// remoteClient is set instead of instance for a remote module
	// descriptor: its target is a peer process, not a locally-constructed
	// Instance, so it carries no FSM/connectors/worker of its own here.
	remoteClient *remote.Client

	// localHolds counts outstanding top-level Activate(name) calls against
	// this module that have not yet been matched by a Deactivate(name)
	// call. It only tracks direct local callers, not modules pulled in
	// transitively to satisfy someone else's dependency graph; the latter
	// are already protected by externalReferrer. A shared-exported module
	// a remote peer also acquired must not be torn down out from under a
	// local holder just because the remote side let go of it.
	localHolds int
}

func (e *entry) live() bool {
	if e.remoteClient != nil {
		return !e.remoteClient.Broken()
	}
	return e.instance != nil && e.instance.Base().FSM().State().Live()
}

// Event is emitted on every state transition, for GUIs, remote servers, and
// loggers that want to react without polling Snapshot.
type Event struct {
	Module string
	Kind   module.Kind
	State  fsm.State
}

// Row is one line of Snapshot's table-rendering view.
type Row struct {
	Name      string
	Kind      module.Kind
	State     fsm.State
	HasAppData bool
	Thread    string
	IsRemote  bool
	Broken    bool
}

// ModuleManager owns the module table end to end: it is the only code path
// that mutates an entry's instance or drives its FSM.
type ModuleManager struct {
	mu sync.Mutex

	cfg     *config.Config
	entries map[string]*entry
	order   []string // sorted by name within kind, hardware -> logic -> gui tie-break

	threads     *thread.Manager
	statusStore *descriptor.Store
	journal     *Journal
	logger      *slog.Logger

	// dataDir is the resolved base data directory (global.default_data_dir,
	// or the application's platform default when that key is unset); ""
	// means no module in this process gets a default_data_dir.
	dataDir string

	subsMu sync.Mutex
	subs   []chan Event
}

// New builds a ModuleManager's table from cfg without activating anything.
// dataDir is the already-resolved base data directory (the composition root
// applies global.default_data_dir or a platform default before calling in);
// "" disables default_data_dir for every module in this process.
func New(cfg *config.Config, threads *thread.Manager, statusStore *descriptor.Store, journal *Journal, logger *slog.Logger, dataDir string) *ModuleManager {
	m := &ModuleManager{
		cfg:         cfg,
		dataDir:     dataDir,
		entries:     map[string]*entry{},
		threads:     threads,
		statusStore: statusStore,
		journal:     journal,
		logger:      logger,
	}

	sections := []struct {
		kind module.Kind
		mods map[string]config.ModuleDescriptor
	}{
		{module.Hardware, cfg.Hardware},
		{module.Logic, cfg.Logic},
		{module.GUI, cfg.GUI},
	}

	for _, section := range sections {
		names := make([]string, 0, len(section.mods))
		for name := range section.mods {
			names = append(names, name)
		}
		// Declaration order within a kind section is not recoverable from a
		// decoded map[string]config.ModuleDescriptor (Go map iteration is
		// unordered and yaml.v3 does not preserve key order once decoded
		// into a plain map); sorting by name keeps activation deterministic
		// run to run, which is the property that matters operationally,
		// even though it is not byte-for-byte the declaration order.
		sort.Strings(names)
		for _, name := range names {
			desc := section.mods[name]
			m.entries[name] = &entry{name: name, kind: section.kind, descriptor: desc}
			m.order = append(m.order, name)
		}
	}

	return m
}

func (m *ModuleManager) buildGraph() *graph {
	g := newGraph()
	for name, e := range m.entries {
		for _, target := range e.descriptor.Connect {
			g.addEdge(name, target)
		}
	}
	return g
}

// Activate brings name, and every module it transitively requires, to
// idle. On any failure it stops where it is: modules already activated
// solely to satisfy this call are left running rather than rolled back, so
// they become roots awaiting their own explicit deactivation.
func (m *ModuleManager) Activate(ctx context.Context, name string) (err error) {
	ctx, span := tracer.Start(ctx, "ModuleManager.Activate", trace.WithAttributes(attribute.String("module", name)))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[name]; !ok {
		return &ErrUnknownModule{Name: name}
	}

	g := m.buildGraph()
	order, err := g.topoSort(name)
	if err != nil {
		return err
	}

	for _, node := range order {
		if err := m.activateOne(ctx, node); err != nil {
			return fmt.Errorf("activating %q (dependency of %q): %w", node, name, err)
		}
	}
	m.entries[name].localHolds++
	return nil
}

func (m *ModuleManager) activateOne(ctx context.Context, name string) error {
	e := m.entries[name]
	if e.live() {
		return nil
	}

	if e.descriptor.IsRemote() {
		return m.activateRemote(ctx, e)
	}

	if e.instance == nil {
		if !registry.Known(e.descriptor.Class) {
			return fmt.Errorf("module %q: class %q is broken (not registered)", name, e.descriptor.Class)
		}
		raw, err := registry.Build(e.descriptor.Class, m.factoryOptions(name, e.descriptor))
		if err != nil {
			return fmt.Errorf("module %q: constructing: %w", name, err)
		}
		inst, ok := raw.(Instance)
		if !ok {
			return fmt.Errorf("module %q: class %q does not implement manager.Instance", name, e.descriptor.Class)
		}
		e.instance = inst
	}

	inst := e.instance
	base := inst.Base()

	for connName, targetName := range e.descriptor.Connect {
		conn, ok := base.Connector(connName)
		if !ok {
			continue // module declares no connector by this config key; nothing to bind
		}
		target, ok := m.entries[targetName]
		if !ok || !target.live() {
			return fmt.Errorf("module %q: connector %q names undefined or inactive module %q", name, connName, targetName)
		}
		if target.remoteClient != nil {
			conn.Bind(target.remoteClient)
		} else {
			conn.Bind(localTarget{inst: target.instance})
		}
	}
	for connName, conn := range base.Connectors() {
		if !conn.Optional && !conn.Bound() {
			return fmt.Errorf("module %q: required connector %q has no configured target", name, connName)
		}
	}

	if m.statusStore != nil {
		if err := m.statusStore.Load(ctx, base.Logger(), name, base.StatusFields()); err != nil {
			return fmt.Errorf("module %q: loading status: %w", name, err)
		}
	}

	machine := base.FSM()
	if err := machine.BeginActivate(); err != nil {
		return fmt.Errorf("module %q: %w", name, err)
	}

	worker, err := m.acquireWorker(base)
	if err != nil {
		machine.AbortActivate()
		return fmt.Errorf("module %q: acquiring worker: %w", name, err)
	}
	e.worker = worker

	_, hookErr := worker.Dispatch(ctx, func(ctx context.Context) (any, error) {
		return nil, inst.OnActivate(ctx)
	})

	if hookErr != nil {
		machine.AbortActivate()
		if err := m.threads.Release(ctx, workerName(base), defaultDrainTimeout); err != nil {
			base.Logger().WarnContext(ctx, "releasing worker after failed activation", "module", name, "error", err)
		}
		e.worker = nil
		m.recordEvent(ctx, name, "activate_failed", hookErr.Error())
		return fmt.Errorf("module %q: on_activate: %w", name, hookErr)
	}

	if err := machine.FinishActivate(); err != nil {
		return fmt.Errorf("module %q: %w", name, err)
	}
	base.SetLastTransitionSpan(trace.SpanContextFromContext(ctx))
	m.recordEvent(ctx, name, "activated", "")
	m.publish(Event{Module: name, Kind: e.kind, State: machine.State()})
	return nil
}

// factoryOptions augments a descriptor's configured options with the
// instance name and default data directory, without mutating the
// descriptor's own map, for registry.Build to hand to the module's
// constructor.
func (m *ModuleManager) factoryOptions(name string, desc config.ModuleDescriptor) map[string]any {
	opts := make(map[string]any, len(desc.Options)+2)
	for k, v := range desc.Options {
		opts[k] = v
	}
	opts[optionInstanceName] = name
	opts[optionDefaultDataDir] = m.moduleDataDir(name)
	return opts
}

// moduleDataDir returns the default_data_dir a module instance gets: ""
// if this process has no base data directory configured, otherwise
// <dataDir>/<name>, with a further date-stamped subdirectory when
// global.daily_data_dirs is set (the default).
func (m *ModuleManager) moduleDataDir(name string) string {
	if m.dataDir == "" {
		return ""
	}
	dir := filepath.Join(m.dataDir, name)
	if m.cfg.Global.DailyDataDirs {
		dir = filepath.Join(dir, time.Now().Format("2006-01-02"))
	}
	return dir
}

// activateRemote dials the peer a remote module descriptor names and
// acquires a handle on it. A remote entry carries no Base/FSM of its own in
// this process; its "activation" is simply holding a live, unbroken Client.
func (m *ModuleManager) activateRemote(ctx context.Context, e *entry) error {
	client, err := remote.Dial(ctx, e.descriptor, m.logger)
	if err != nil {
		return fmt.Errorf("module %q: dialing remote peer: %w", e.name, err)
	}
	e.remoteClient = client
	m.recordEvent(ctx, e.name, "activated_remote", fmt.Sprintf("%s:%d/%s", e.descriptor.Address, e.descriptor.Port, e.descriptor.NativeModuleName))
	m.publish(Event{Module: e.name, Kind: e.kind, State: fsm.Idle})
	return nil
}

// Deactivate brings name, and every active dependent of it, to deactivated.
// It refuses (rather than partially unwind) if some dependent it would
// need to stop is still required by a module outside this call's closure.
func (m *ModuleManager) Deactivate(ctx context.Context, name string) (err error) {
	ctx, span := tracer.Start(ctx, "ModuleManager.Deactivate", trace.WithAttributes(attribute.String("module", name)))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[name]; !ok {
		return &ErrUnknownModule{Name: name}
	}

	reverse := newGraph()
	g := m.buildGraph()
	for from, tos := range g.edges {
		for _, to := range tos {
			reverse.addEdge(to, from)
		}
	}

	order, err := reverse.topoSort(name)
	if err != nil {
		return err
	}
	closure := map[string]bool{}
	for _, n := range order {
		closure[n] = true
	}

	for _, node := range order {
		if node == name {
			continue
		}
		if blocker := m.externalReferrer(node, closure); blocker != "" {
			return &ErrModuleStillRequired{Module: name, Blocker: node, By: blocker}
		}
	}

	for _, node := range order {
		if err := m.deactivateOne(ctx, node); err != nil {
			return err
		}
	}
	if e := m.entries[name]; e.localHolds > 0 {
		e.localHolds--
	}
	return nil
}

// HasLocalHold reports whether some local caller is still holding name
// active via a direct Activate call that has not yet been matched by a
// Deactivate call. remote.Server consults this before tearing down a
// shared-exported module whose remote refcount has reached zero.
func (m *ModuleManager) HasLocalHold(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	return ok && e.localHolds > 0
}

// externalReferrer returns the name of an active module outside closure
// that still connects to node, or "" if none.
func (m *ModuleManager) externalReferrer(node string, closure map[string]bool) string {
	for otherName, other := range m.entries {
		if closure[otherName] || !other.live() {
			continue
		}
		for _, target := range other.descriptor.Connect {
			if target == node {
				return otherName
			}
		}
	}
	return ""
}

func (m *ModuleManager) deactivateOne(ctx context.Context, name string) error {
	e := m.entries[name]
	if !e.live() {
		return nil
	}

	if e.remoteClient != nil {
		if err := e.remoteClient.Close(ctx); err != nil {
			m.logger.WarnContext(ctx, "closing remote client", "module", name, "error", err)
		}
		e.remoteClient = nil
		m.recordEvent(ctx, name, "deactivated_remote", "")
		m.publish(Event{Module: name, Kind: e.kind, State: fsm.Deactivated})
		return nil
	}

	inst := e.instance
	base := inst.Base()
	machine := base.FSM()

	if err := machine.BeginDeactivate(); err != nil {
		return fmt.Errorf("module %q: %w", name, err)
	}

	worker := e.worker
	if worker != nil {
		_, hookErr := worker.Dispatch(ctx, func(ctx context.Context) (any, error) {
			return nil, inst.OnDeactivate(ctx)
		})
		if hookErr != nil {
			base.Logger().ErrorContext(ctx, "on_deactivate failed, status is still persisted", "module", name, "error", hookErr)
		}
	} else {
		base.Logger().ErrorContext(ctx, "module has no worker recorded, running on_deactivate inline", "module", name)
		if hookErr := inst.OnDeactivate(ctx); hookErr != nil {
			base.Logger().ErrorContext(ctx, "on_deactivate failed, status is still persisted", "module", name, "error", hookErr)
		}
	}

	if m.statusStore != nil {
		if err := m.statusStore.Dump(ctx, base.Logger(), name, base.StatusFields()); err != nil {
			base.Logger().ErrorContext(ctx, "status dump failed", "module", name, "error", err)
		}
	}

	for _, c := range base.Connectors() {
		c.Unbind()
	}

	if err := machine.FinishDeactivate(); err != nil {
		return fmt.Errorf("module %q: %w", name, err)
	}
	base.SetLastTransitionSpan(trace.SpanContextFromContext(ctx))

	if worker != nil {
		if err := m.threads.Release(ctx, workerName(base), defaultDrainTimeout); err != nil {
			base.Logger().WarnContext(ctx, "releasing module worker", "module", name, "error", err)
		}
		e.worker = nil
	}

	m.recordEvent(ctx, name, "deactivated", "")
	m.publish(Event{Module: name, Kind: e.kind, State: machine.State()})
	return nil
}

// Reload deactivates then reactivates name. It does not re-resolve the
// module's implementation class; a fresh instance is still constructed
// from the same registered factory, so aliasing hazards from holding old
// in-process references are the caller's to manage, not this package's.
func (m *ModuleManager) Reload(ctx context.Context, name string) error {
	if err := m.Deactivate(ctx, name); err != nil {
		return err
	}
	m.mu.Lock()
	if e := m.entries[name]; !e.live() {
		e.instance = nil
	}
	m.mu.Unlock()
	return m.Activate(ctx, name)
}

// workerName is where a threaded module's own dedicated worker lives;
// non-threaded modules share the manager's single "main" worker, standing
// in for the application's own main thread.
func workerName(base *module.Base) string {
	if base.Threaded() {
		return "module:" + base.Name()
	}
	return "main"
}

func (m *ModuleManager) acquireWorker(base *module.Base) (*thread.Worker, error) {
	return m.threads.Acquire(workerName(base), base.Logger())
}

func (m *ModuleManager) recordEvent(ctx context.Context, name, event, detail string) {
	if m.journal == nil {
		return
	}
	if err := m.journal.RecordEvent(ctx, name, event, detail); err != nil {
		m.logger.WarnContext(ctx, "failed to record module event in journal", "module", name, "event", event, "error", err)
	}
}

// Subscribe returns a channel of every subsequent state-change Event. The
// channel is never closed by the manager; callers that stop reading should
// discard their reference.
func (m *ModuleManager) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ModuleManager) publish(evt Event) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- evt:
		default:
			// A slow subscriber misses events rather than blocking a
			// transition; Snapshot remains the consistent source of truth.
		}
	}
}

// Descriptor returns the configured descriptor for name, for callers (the
// remote server, in particular) that need to check allow_remote or kind
// without reaching into the manager's private table.
func (m *ModuleManager) Descriptor(name string) (config.ModuleDescriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return config.ModuleDescriptor{}, false
	}
	return e.descriptor, true
}

// Invoke activates name if it is not already live, then forwards method/args
// to its instance. This is the path the remote server's call/get_attr/
// set_attr handlers use to reach a module without the caller needing direct
// access to the manager's internal Instance type.
func (m *ModuleManager) Invoke(ctx context.Context, name, method string, args ...any) (any, error) {
	if err := m.Activate(ctx, name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	e, ok := m.entries[name]
	m.mu.Unlock()
	if !ok {
		return nil, &ErrUnknownModule{Name: name}
	}
	if !e.live() {
		return nil, fmt.Errorf("module %q: not active", name)
	}
	if e.remoteClient != nil {
		return e.remoteClient.Invoke(ctx, method, args...)
	}
	return e.instance.Call(ctx, method, args...)
}

// AllowRemoteModules returns the names of every locally-implemented module
// whose descriptor sets allow_remote=true, in table order (by name within
// each kind, hardware -> logic -> gui). This is
// what the remote server answers list-remotable with.
func (m *ModuleManager) AllowRemoteModules() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for _, name := range m.order {
		e := m.entries[name]
		if !e.descriptor.IsRemote() && e.descriptor.AllowRemote {
			names = append(names, name)
		}
	}
	return names
}

// Snapshot returns an ordered, read-only view of every configured module.
func (m *ModuleManager) Snapshot() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := make([]Row, 0, len(m.order))
	for _, name := range m.order {
		e := m.entries[name]
		row := Row{
			Name:     name,
			Kind:     e.kind,
			IsRemote: e.descriptor.IsRemote(),
			Broken:   !e.descriptor.IsRemote() && !registry.Known(e.descriptor.Class),
		}
		switch {
		case e.remoteClient != nil:
			if e.remoteClient.Broken() {
				row.State = fsm.Deactivated
			} else {
				row.State = fsm.Idle
			}
			row.Thread = "remote"
		case e.instance != nil:
			base := e.instance.Base()
			row.State = base.FSM().State()
			row.Thread = workerName(base)
			row.HasAppData = base.DefaultDataDir() != ""
		default:
			row.State = fsm.Deactivated
		}
		rows = append(rows, row)
	}
	return rows
}
