package pool

import (
	"testing"

	"bken/a2dp-source/a2dperr"
)

func newBuffers(n int) []*Buffer {
	out := make([]*Buffer, n)
	for i := range out {
		out[i] = &Buffer{ID: i, Segments: []Segment{{Mapped: true, Data: make([]byte, 4096)}}}
	}
	return out
}

func TestResetBuffersPlacesAllOnFree(t *testing.T) {
	p := New()
	if err := p.ResetBuffers(newBuffers(4)); err != nil {
		t.Fatalf("ResetBuffers: %v", err)
	}
	if p.FreeLen() != 4 || p.ReadyLen() != 0 {
		t.Fatalf("free=%d ready=%d, want free=4 ready=0", p.FreeLen(), p.ReadyLen())
	}
}

func TestResetBuffersRejectsOverMax(t *testing.T) {
	p := New()
	if err := p.ResetBuffers(newBuffers(MaxBuffers + 1)); !a2dperr.Is(err, a2dperr.InvalidArg) {
		t.Fatalf("ResetBuffers(%d buffers) err = %v, want InvalidArg", MaxBuffers+1, err)
	}
}

func TestDequeueEnqueueRoundTripPreservesCount(t *testing.T) {
	p := New()
	p.ResetBuffers(newBuffers(3))

	b, ok := p.DequeueFree()
	if !ok {
		t.Fatalf("DequeueFree returned ok=false with buffers available")
	}
	if !b.Outstanding {
		t.Fatalf("dequeued buffer should be marked outstanding")
	}
	if p.FreeLen() != 2 {
		t.Fatalf("FreeLen() = %d, want 2", p.FreeLen())
	}

	p.EnqueueReady(b)
	if p.ReadyLen() != 1 {
		t.Fatalf("ReadyLen() = %d, want 1", p.ReadyLen())
	}

	got, ok := p.DequeueReady()
	if !ok || got.ID != b.ID {
		t.Fatalf("DequeueReady() = (%v, %v), want (%v, true)", got, ok, b.ID)
	}

	if err := p.Recycle(got.ID); err != nil {
		t.Fatalf("Recycle: %v", err)
	}
	if p.FreeLen() != 3 {
		t.Fatalf("FreeLen() after full round trip = %d, want 3 (no leak)", p.FreeLen())
	}
}

func TestResetReturnsAllBuffersToFree(t *testing.T) {
	p := New()
	p.ResetBuffers(newBuffers(3))

	ready, _ := p.DequeueFree()
	p.EnqueueReady(ready)
	outstanding, _ := p.DequeueFree()

	p.Reset()

	if p.FreeLen() != 3 || p.ReadyLen() != 0 {
		t.Fatalf("free=%d ready=%d after Reset, want free=3 ready=0", p.FreeLen(), p.ReadyLen())
	}
	if outstanding.Outstanding {
		t.Fatalf("outstanding flag not cleared by Reset")
	}
	if p.NBuffers() != 3 {
		t.Fatalf("NBuffers() = %d, want configured set kept", p.NBuffers())
	}
}

func TestRecycleIsIdempotent(t *testing.T) {
	p := New()
	p.ResetBuffers(newBuffers(2))
	b, _ := p.DequeueFree()

	if err := p.Recycle(b.ID); err != nil {
		t.Fatalf("first Recycle: %v", err)
	}
	if err := p.Recycle(b.ID); err != nil {
		t.Fatalf("second Recycle (no-op expected): %v", err)
	}
	if p.FreeLen() != 2 {
		t.Fatalf("FreeLen() = %d, want 2 (idempotent recycle should not duplicate)", p.FreeLen())
	}
}

func TestRecycleUnknownIDIsInvalidArg(t *testing.T) {
	p := New()
	p.ResetBuffers(newBuffers(2))
	if err := p.Recycle(99); !a2dperr.Is(err, a2dperr.InvalidArg) {
		t.Fatalf("Recycle(unknown) err = %v, want InvalidArg", err)
	}
}

func TestRecycleWithNoBuffersConfiguredIsIoState(t *testing.T) {
	p := New()
	if err := p.Recycle(0); !a2dperr.Is(err, a2dperr.IoState) {
		t.Fatalf("Recycle with none configured err = %v, want IoState", err)
	}
}

func TestDequeueFreeEmptyReturnsFalse(t *testing.T) {
	p := New()
	p.ResetBuffers(newBuffers(1))
	b, _ := p.DequeueFree()
	_, ok := p.DequeueFree()
	if ok {
		t.Fatalf("DequeueFree on empty free list returned ok=true")
	}
	_ = b
}
