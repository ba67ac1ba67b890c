package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateMinimalDocument(t *testing.T) {
	doc := []byte(`
global: {}
hardware:
  hw_a:
    module.Class: drivers.DummyThermometer
logic:
  lg_b:
    module.Class: logic.ThermoLogic
    connect:
      hardware: hw_a
`)
	cfg, err := Validate(doc)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Global.NamespaceServerPort != 18861 {
		t.Errorf("expected default namespace_server_port 18861, got %d", cfg.Global.NamespaceServerPort)
	}
	if !cfg.Global.ForceRemoteCallsByValue {
		t.Errorf("expected default force_remote_calls_by_value true")
	}
	if cfg.Hardware["hw_a"].Class != "drivers.DummyThermometer" {
		t.Errorf("unexpected hardware descriptor: %+v", cfg.Hardware["hw_a"])
	}
	if cfg.Logic["lg_b"].Connect["hardware"] != "hw_a" {
		t.Errorf("unexpected connect map: %+v", cfg.Logic["lg_b"].Connect)
	}
}

func TestValidateExplicitFalseSurvivesDefaulting(t *testing.T) {
	doc := []byte(`
global:
  daily_data_dirs: false
`)
	cfg, err := Validate(doc)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Global.DailyDataDirs {
		t.Fatal("expected explicit daily_data_dirs: false to survive default application")
	}
}

func TestValidateRejectsDuplicateModuleNameAcrossKinds(t *testing.T) {
	doc := []byte(`
global: {}
hardware:
  shared:
    module.Class: drivers.A
logic:
  shared:
    module.Class: logic.B
`)
	_, err := Validate(doc)
	if err == nil {
		t.Fatal("expected a duplicate-name validation error")
	}
}

func TestValidateRejectsInvalidModuleName(t *testing.T) {
	doc := []byte(`
global: {}
hardware:
  "1bad":
    module.Class: drivers.A
`)
	_, err := Validate(doc)
	if err == nil {
		t.Fatal("expected an invalid-module-name validation error")
	}
}

func TestValidateRejectsOptionsOnRemoteDescriptor(t *testing.T) {
	doc := []byte(`
global: {}
hardware:
  remote_hw:
    native_module_name: hw_a
    address: peer.example.org
    port: 18862
    options:
      foo: bar
`)
	_, err := Validate(doc)
	if err == nil {
		t.Fatal("expected options-on-remote-descriptor validation error")
	}
}

func TestDumpPreservesUnknownTopLevelAndGlobalKeys(t *testing.T) {
	doc := []byte(`
global:
  experimental_feature: true
hardware:
  hw_a:
    module.Class: drivers.DummyThermometer
site_notes: built on bench 3
`)
	cfg, err := Validate(doc)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Extra["site_notes"] != "built on bench 3" {
		t.Fatalf("expected unknown top-level key preserved, got %+v", cfg.Extra)
	}
	if cfg.Global.Extra["experimental_feature"] != true {
		t.Fatalf("expected unknown global key preserved, got %+v", cfg.Global.Extra)
	}

	path := filepath.Join(t.TempDir(), "roundtrip.cfg.yml")
	if err := Dump(cfg, path); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading dumped config: %v", err)
	}

	reloaded, err := Validate(out)
	if err != nil {
		t.Fatalf("re-validating dumped config: %v", err)
	}
	if reloaded.Extra["site_notes"] != "built on bench 3" {
		t.Fatalf("expected unknown top-level key to survive the Dump round trip, got %+v", reloaded.Extra)
	}
	if reloaded.Global.Extra["experimental_feature"] != true {
		t.Fatalf("expected unknown global key to survive the Dump round trip, got %+v", reloaded.Global.Extra)
	}
}

func TestValidateRejectsLocalDescriptorMissingClass(t *testing.T) {
	doc := []byte(`
global: {}
hardware:
  hw_a: {}
`)
	_, err := Validate(doc)
	if err == nil {
		t.Fatal("expected missing-module.Class validation error")
	}
}
