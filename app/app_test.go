package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/qudi-go/qudicore/module"
	"github.com/qudi-go/qudicore/registry"
)

type probeModule struct {
	base *module.Base
}

func newProbeModule(options map[string]any) *probeModule {
	name, _ := options["_instance_name"].(string)
	return &probeModule{base: module.NewBase(name, module.Hardware, false, "", slog.Default())}
}

func (p *probeModule) Base() *module.Base                  { return p.base }
func (p *probeModule) OnActivate(context.Context) error    { return nil }
func (p *probeModule) OnDeactivate(context.Context) error  { return nil }
func (p *probeModule) Call(ctx context.Context, method string, args ...any) (any, error) {
	return nil, fmt.Errorf("probeModule: unknown method %q", method)
}

func writeMinimalConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "qudicore.cfg.yml")
	doc := "global:\n  startup_modules: []\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestNewBuildsEverySubsystemFromAMinimalConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeMinimalConfig(t, dir)

	a, err := New(context.Background(), Options{ConfigPath: cfgPath, AppDataDir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Manager() == nil {
		t.Fatal("expected a non-nil module manager")
	}
	if a.Config() == nil {
		t.Fatal("expected a non-nil config")
	}

	a.shutdown(context.Background())
}

func TestRunActivatesStartupModulesThenShutsDownOnTrigger(t *testing.T) {
	registry.Register("test.app.Probe", func(options map[string]any) (any, error) {
		return newProbeModule(options), nil
	})

	dir := t.TempDir()
	path := filepath.Join(dir, "qudicore.cfg.yml")
	doc := "global:\n  startup_modules: [\"probe\"]\nhardware:\n  probe:\n    module.Class: test.app.Probe\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	a, err := New(context.Background(), Options{ConfigPath: path, AppDataDir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan int, 1)
	go func() { done <- a.Run(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		rows := a.Manager().Snapshot()
		if len(rows) == 1 && rows[0].State.String() == "idle" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	a.TriggerShutdown()

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("expected exit code 0, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after TriggerShutdown")
	}
}
