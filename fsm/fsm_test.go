package fsm

import "testing"

func TestActivateDeactivateCycle(t *testing.T) {
	f := New()
	if f.State() != Deactivated {
		t.Fatalf("expected initial state Deactivated, got %s", f.State())
	}

	if err := f.BeginActivate(); err != nil {
		t.Fatalf("BeginActivate: %v", err)
	}
	if f.State() != Activating {
		t.Fatalf("expected Activating, got %s", f.State())
	}
	if err := f.FinishActivate(); err != nil {
		t.Fatalf("FinishActivate: %v", err)
	}
	if f.State() != Idle {
		t.Fatalf("expected Idle, got %s", f.State())
	}

	if err := f.BeginDeactivate(); err != nil {
		t.Fatalf("BeginDeactivate: %v", err)
	}
	if err := f.FinishDeactivate(); err != nil {
		t.Fatalf("FinishDeactivate: %v", err)
	}
	if f.State() != Deactivated {
		t.Fatalf("expected Deactivated, got %s", f.State())
	}
}

func TestAbortActivateReturnsToDeactivated(t *testing.T) {
	f := New()
	if err := f.BeginActivate(); err != nil {
		t.Fatalf("BeginActivate: %v", err)
	}
	if err := f.AbortActivate(); err != nil {
		t.Fatalf("AbortActivate: %v", err)
	}
	if f.State() != Deactivated {
		t.Fatalf("expected Deactivated after abort, got %s", f.State())
	}
}

func TestSelfLockRoundTrip(t *testing.T) {
	f := New()
	must(t, f.BeginActivate())
	must(t, f.FinishActivate())

	if err := f.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if f.State() != Locked {
		t.Fatalf("expected Locked, got %s", f.State())
	}
	if err := f.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if f.State() != Idle {
		t.Fatalf("expected Idle after unlock, got %s", f.State())
	}
}

func TestDeactivateFromLocked(t *testing.T) {
	f := New()
	must(t, f.BeginActivate())
	must(t, f.FinishActivate())
	must(t, f.Lock())

	if err := f.BeginDeactivate(); err != nil {
		t.Fatalf("BeginDeactivate from Locked: %v", err)
	}
	if err := f.FinishDeactivate(); err != nil {
		t.Fatalf("FinishDeactivate: %v", err)
	}
	if f.State() != Deactivated {
		t.Fatalf("expected Deactivated, got %s", f.State())
	}
}

func TestInvalidTransitions(t *testing.T) {
	f := New()
	if err := f.FinishActivate(); err == nil {
		t.Fatal("expected error finishing activation from Deactivated")
	}
	if err := f.Lock(); err == nil {
		t.Fatal("expected error locking from Deactivated")
	}
	if err := f.BeginDeactivate(); err == nil {
		t.Fatal("expected error deactivating from Deactivated")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
