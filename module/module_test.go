package module

import (
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/qudi-go/qudicore/descriptor"
)

func TestDefaultThreaded(t *testing.T) {
	cases := map[Kind]bool{
		Hardware: false,
		Logic:    true,
		GUI:      false,
	}
	for kind, want := range cases {
		if got := DefaultThreaded(kind); got != want {
			t.Errorf("DefaultThreaded(%s) = %v, want %v", kind, got, want)
		}
	}
}

func TestBaseIdentity(t *testing.T) {
	b := NewBase("hw_a", Hardware, false, "/tmp/hw_a", slog.Default())
	if b.Name() != "hw_a" {
		t.Errorf("Name() = %q", b.Name())
	}
	if b.Kind() != Hardware {
		t.Errorf("Kind() = %q", b.Kind())
	}
	if b.UUID() == "" {
		t.Error("expected a non-empty UUID")
	}
	if b.Threaded() {
		t.Error("expected Threaded() false for hardware module with threaded=false")
	}

	other := NewBase("hw_b", Hardware, false, "/tmp/hw_b", slog.Default())
	if b.UUID() == other.UUID() {
		t.Error("expected distinct UUIDs across instances")
	}
}

func TestRegisterAndLookupConnector(t *testing.T) {
	b := NewBase("lg_b", Logic, true, "", slog.Default())
	c := &descriptor.Connector{Name: "hardware", Interface: "Thermometer"}
	b.RegisterConnector(c)

	got, ok := b.Connector("hardware")
	if !ok || got != c {
		t.Fatal("expected to find the registered connector by name")
	}
	if _, ok := b.Connector("missing"); ok {
		t.Fatal("expected no connector registered under that name")
	}

	all := b.Connectors()
	if len(all) != 1 || all["hardware"] != c {
		t.Fatalf("expected one connector named hardware, got %v", all)
	}
}

func TestRegisterAndCollectStatusFields(t *testing.T) {
	b := NewBase("lg_b", Logic, true, "", slog.Default())
	count := &descriptor.Status[int]{Name: "count", Default: 0}
	b.RegisterStatus(descriptor.Bind(count))

	fields := b.StatusFields()
	if len(fields) != 1 || fields[0].Name() != "count" {
		t.Fatalf("expected one status field named count, got %v", fields)
	}
}

func TestLastTransitionSpanDefaultsToZeroValue(t *testing.T) {
	b := NewBase("hw_a", Hardware, false, "", slog.Default())
	if b.LastTransitionSpan().IsValid() {
		t.Fatal("expected a zero-value SpanContext before any transition")
	}

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: [16]byte{1},
		SpanID:  [8]byte{1},
		TraceFlags: trace.FlagsSampled,
	})
	b.SetLastTransitionSpan(sc)
	if got := b.LastTransitionSpan(); got != sc {
		t.Fatalf("LastTransitionSpan() = %v, want %v", got, sc)
	}
}
