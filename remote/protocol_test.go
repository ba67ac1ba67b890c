package remote

import (
	"bytes"
	"testing"
)

func TestFrameWriterReaderRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	fw := newFrameWriter(&buf)
	fr := newFrameReader(&buf)

	req := Request{ID: 7, Op: OpCall, Module: "laser", Attr: "set_power", Args: []any{1.5}}
	if err := fw.writeFrame(req); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	var got Request
	if err := fr.readFrame(&got); err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if got.ID != req.ID || got.Op != req.Op || got.Module != req.Module || got.Attr != req.Attr {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, req)
	}
}

func TestFrameWriterRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	fw := newFrameWriter(&buf)

	huge := make([]byte, maxFrameSize+1)
	err := fw.writeFrame(Request{ID: 1, Op: OpCall, Attr: string(huge)})
	if err == nil {
		t.Fatal("expected oversized frame to be rejected")
	}
}

func TestMultipleFramesReadInOrder(t *testing.T) {
	var buf bytes.Buffer
	fw := newFrameWriter(&buf)
	fr := newFrameReader(&buf)

	for i := uint64(0); i < 3; i++ {
		if err := fw.writeFrame(Request{ID: i, Op: OpGetAttr}); err != nil {
			t.Fatalf("writeFrame %d: %v", i, err)
		}
	}
	for i := uint64(0); i < 3; i++ {
		var got Request
		if err := fr.readFrame(&got); err != nil {
			t.Fatalf("readFrame %d: %v", i, err)
		}
		if got.ID != i {
			t.Fatalf("expected ID %d, got %d", i, got.ID)
		}
	}
}
