package manager

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/qudi-go/qudicore/config"
	"github.com/qudi-go/qudicore/descriptor"
	"github.com/qudi-go/qudicore/module"
	"github.com/qudi-go/qudicore/registry"
	"github.com/qudi-go/qudicore/thread"
)

type fakeModule struct {
	base            *module.Base
	onActivateErr   error
	activateCalls   int
	deactivateCalls int
}

func (f *fakeModule) Base() *module.Base { return f.base }
func (f *fakeModule) OnActivate(ctx context.Context) error {
	f.activateCalls++
	return f.onActivateErr
}
func (f *fakeModule) OnDeactivate(ctx context.Context) error {
	f.deactivateCalls++
	return nil
}
func (f *fakeModule) Call(ctx context.Context, method string, args ...any) (any, error) {
	return nil, fmt.Errorf("fakeModule: unknown method %q", method)
}

func registerFake(locator string, kind module.Kind, connectors []string, onActivateErr error) {
	registry.Register(locator, func(options map[string]any) (any, error) {
		name, _ := options[optionInstanceName].(string)
		dataDir, _ := options[optionDefaultDataDir].(string)
		base := module.NewBase(name, kind, module.DefaultThreaded(kind), dataDir, slog.Default())
		for _, cname := range connectors {
			base.RegisterConnector(&descriptor.Connector{Name: cname, Interface: "any"})
		}
		return &fakeModule{base: base, onActivateErr: onActivateErr}, nil
	})
}

func newTestManager(t *testing.T, cfg *config.Config) *ModuleManager {
	t.Helper()
	threads := thread.NewManager()
	return New(cfg, threads, nil, nil, slog.Default(), "")
}

func TestActivateRespectsDependencyOrder(t *testing.T) {
	registerFake("test.HwA", module.Hardware, nil, nil)
	registerFake("test.LgB", module.Logic, []string{"hardware"}, nil)

	cfg := &config.Config{
		Hardware: map[string]config.ModuleDescriptor{
			"hw_a": {Class: "test.HwA"},
		},
		Logic: map[string]config.ModuleDescriptor{
			"lg_b": {Class: "test.LgB", Connect: map[string]string{"hardware": "hw_a"}},
		},
	}
	m := newTestManager(t, cfg)

	if err := m.Activate(context.Background(), "lg_b"); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	rows := m.Snapshot()
	states := map[string]string{}
	for _, r := range rows {
		states[r.Name] = r.State.String()
	}
	if states["hw_a"] != "idle" || states["lg_b"] != "idle" {
		t.Fatalf("expected both idle, got %v", states)
	}
}

func TestDeactivateRequiresDependentsFirst(t *testing.T) {
	registerFake("test.HwA2", module.Hardware, nil, nil)
	registerFake("test.LgB2", module.Logic, []string{"hardware"}, nil)

	cfg := &config.Config{
		Hardware: map[string]config.ModuleDescriptor{
			"hw_a": {Class: "test.HwA2"},
		},
		Logic: map[string]config.ModuleDescriptor{
			"lg_b": {Class: "test.LgB2", Connect: map[string]string{"hardware": "hw_a"}},
		},
	}
	m := newTestManager(t, cfg)
	ctx := context.Background()
	if err := m.Activate(ctx, "lg_b"); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if err := m.Deactivate(ctx, "hw_a"); err != nil {
		t.Fatalf("Deactivate hw_a (should cascade through lg_b): %v", err)
	}

	rows := m.Snapshot()
	for _, r := range rows {
		if r.State.String() != "deactivated" {
			t.Fatalf("expected %s deactivated, got %s", r.Name, r.State)
		}
	}
}

func TestActivateFailureAbortsToDeactivated(t *testing.T) {
	registerFake("test.Failing", module.Hardware, nil, fmt.Errorf("boom"))

	cfg := &config.Config{
		Hardware: map[string]config.ModuleDescriptor{
			"hw_f": {Class: "test.Failing"},
		},
	}
	m := newTestManager(t, cfg)

	err := m.Activate(context.Background(), "hw_f")
	if err == nil {
		t.Fatal("expected activation failure to propagate")
	}
	rows := m.Snapshot()
	if rows[0].State.String() != "deactivated" {
		t.Fatalf("expected deactivated after aborted activation, got %s", rows[0].State)
	}
}

func TestHasLocalHoldTracksDirectActivateDeactivateCalls(t *testing.T) {
	registerFake("test.HwHold", module.Hardware, nil, nil)

	cfg := &config.Config{
		Hardware: map[string]config.ModuleDescriptor{
			"hw_a": {Class: "test.HwHold"},
		},
	}
	m := newTestManager(t, cfg)
	ctx := context.Background()

	if m.HasLocalHold("hw_a") {
		t.Fatal("expected no local hold before Activate")
	}
	if err := m.Activate(ctx, "hw_a"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if !m.HasLocalHold("hw_a") {
		t.Fatal("expected a local hold after a direct Activate call")
	}
	if err := m.Deactivate(ctx, "hw_a"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if m.HasLocalHold("hw_a") {
		t.Fatal("expected no local hold after the matching Deactivate call")
	}
}

func TestActivateThreadsInstanceNameAndDataDirToFactory(t *testing.T) {
	registry.Register("test.DataDirAware", func(options map[string]any) (any, error) {
		name, _ := options[optionInstanceName].(string)
		dataDir, _ := options[optionDefaultDataDir].(string)
		base := module.NewBase(name, module.Hardware, false, dataDir, slog.Default())
		return &fakeModule{base: base}, nil
	})

	cfg := &config.Config{
		Hardware: map[string]config.ModuleDescriptor{
			"spectrometer": {Class: "test.DataDirAware"},
		},
	}
	threads := thread.NewManager()
	m := New(cfg, threads, nil, nil, slog.Default(), "/var/lib/qudicore/data")

	if err := m.Activate(context.Background(), "spectrometer"); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	e := m.entries["spectrometer"]
	base := e.instance.Base()
	if base.Name() != "spectrometer" {
		t.Fatalf("expected instance name %q, got %q", "spectrometer", base.Name())
	}
	want := "/var/lib/qudicore/data/spectrometer"
	if got := base.DefaultDataDir(); got != want {
		t.Fatalf("expected default data dir %q, got %q", want, got)
	}
}
