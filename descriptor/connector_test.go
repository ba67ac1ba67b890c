package descriptor

import (
	"context"
	"errors"
	"testing"
)

type fakeTarget struct {
	lastMethod string
	lastArgs   []any
	result     any
	err        error
}

func (f *fakeTarget) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	f.lastMethod = method
	f.lastArgs = args
	return f.result, f.err
}

func TestConnectorProxyCallUnboundReturnsErrConnectorUnbound(t *testing.T) {
	c := &Connector{Name: "hardware", Interface: "any", Optional: true}
	_, err := c.Proxy().Call(context.Background(), "move", 1)
	var unbound *ErrConnectorUnbound
	if !errors.As(err, &unbound) {
		t.Fatalf("expected ErrConnectorUnbound, got %v", err)
	}
}

func TestConnectorBindThenProxyCallForwardsToTarget(t *testing.T) {
	c := &Connector{Name: "hardware", Interface: "any"}
	target := &fakeTarget{result: 42}
	c.Bind(target)

	if !c.Bound() {
		t.Fatal("expected Bound() true after Bind")
	}

	result, err := c.Proxy().Call(context.Background(), "move", 1, 2)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != 42 {
		t.Fatalf("expected 42, got %v", result)
	}
	if target.lastMethod != "move" {
		t.Fatalf("expected method %q, got %q", "move", target.lastMethod)
	}
}

func TestConnectorUnbindReturnsToUnboundBehavior(t *testing.T) {
	c := &Connector{Name: "hardware", Interface: "any"}
	c.Bind(&fakeTarget{})
	c.Unbind()

	if c.Bound() {
		t.Fatal("expected Bound() false after Unbind")
	}
	_, err := c.Proxy().Call(context.Background(), "move")
	var unbound *ErrConnectorUnbound
	if !errors.As(err, &unbound) {
		t.Fatalf("expected ErrConnectorUnbound after Unbind, got %v", err)
	}
}
