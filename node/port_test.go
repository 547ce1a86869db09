package node

import (
	"testing"

	"bken/a2dp-source/a2dperr"
	"bken/a2dp-source/clock"
	"bken/a2dp-source/codec"
	"bken/a2dp-source/pool"
)

func bufferSpecs(count, bytesPerBuffer int) []BufferSpec {
	specs := make([]BufferSpec, count)
	for i := range specs {
		specs[i] = BufferSpec{
			ID: i,
			Segments: []pool.Segment{
				{Mapped: true, Data: make([]byte, bytesPerBuffer), Chunk: pool.Chunk{Size: bytesPerBuffer, Stride: testFrameSize}},
			},
			Header: &pool.Header{},
		}
	}
	return specs
}

func TestPortSetParamRejectsZeroRate(t *testing.T) {
	n, _, _ := newTestNode(t)
	err := n.port.PortSetParam(&AudioFormat{Channels: 2, Rate: 0})
	if !a2dperr.Is(err, a2dperr.InvalidArg) {
		t.Fatalf("err = %v, want InvalidArg", err)
	}
}

func TestPortSetParamNilClearsFormatAndEmitsInfo(t *testing.T) {
	n, _, _ := newTestNode(t)
	negotiateFormat(t, n)

	if _, have := n.port.Format(); !have {
		t.Fatalf("expected format to be set")
	}

	if err := n.port.PortSetParam(nil); err != nil {
		t.Fatalf("PortSetParam(nil): %v", err)
	}
	if _, have := n.port.Format(); have {
		t.Fatalf("expected format cleared")
	}
}

func TestPortSetParamRejectsUnsupportedSampleFormat(t *testing.T) {
	n, _, _ := newTestNode(t)
	err := n.port.PortSetParam(&AudioFormat{SampleFormat: codec.SampleFormat(99), Channels: 2, Rate: 48000})
	if !a2dperr.Is(err, a2dperr.InvalidArg) {
		t.Fatalf("err = %v, want InvalidArg", err)
	}
}

func TestPortSetIOInstallsWindows(t *testing.T) {
	n, _, _ := newTestNode(t)

	io := clock.NewBufferIO()
	if err := n.port.PortSetIO(IOBuffers, io); err != nil {
		t.Fatalf("PortSetIO(Buffers): %v", err)
	}
	var rm clock.RateMatch
	if err := n.port.PortSetIO(IORateMatch, &rm); err != nil {
		t.Fatalf("PortSetIO(RateMatch): %v", err)
	}
	if err := n.port.PortSetIO(IORateMatch, nil); err != nil {
		t.Fatalf("PortSetIO(RateMatch, nil): %v", err)
	}
}

func TestPortSetIOUnknownIDIsNotFound(t *testing.T) {
	n, _, _ := newTestNode(t)
	err := n.port.PortSetIO(IOID(42), nil)
	if !a2dperr.Is(err, a2dperr.NotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestSetIOUnknownIDIsNotFound(t *testing.T) {
	n, _, _ := newTestNode(t)
	err := n.SetIO(IOID(42), nil)
	if !a2dperr.Is(err, a2dperr.NotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestPortUseBuffersRequiresFormat(t *testing.T) {
	n, _, _ := newTestNode(t)
	err := n.port.PortUseBuffers(bufferSpecs(2, 4096))
	if !a2dperr.Is(err, a2dperr.IoState) {
		t.Fatalf("err = %v, want IoState", err)
	}
}

func TestPortUseBuffersRejectsUnmappedFirstSegment(t *testing.T) {
	n, _, _ := newTestNode(t)
	negotiateFormat(t, n)

	specs := bufferSpecs(1, 4096)
	specs[0].Segments[0].Mapped = false

	err := n.port.PortUseBuffers(specs)
	if !a2dperr.Is(err, a2dperr.InvalidArg) {
		t.Fatalf("err = %v, want InvalidArg", err)
	}
}

func TestPortUseBuffersInstallsPoolBuffers(t *testing.T) {
	n, _, _ := newTestNode(t)
	negotiateFormat(t, n)

	if err := n.port.PortUseBuffers(bufferSpecs(4, 4096)); err != nil {
		t.Fatalf("PortUseBuffers: %v", err)
	}
	if got := n.engine.pool.NBuffers(); got != 4 {
		t.Fatalf("NBuffers = %d, want 4", got)
	}
	if got := n.engine.pool.FreeLen(); got != 4 {
		t.Fatalf("FreeLen = %d, want 4", got)
	}
}

func TestPortUseBuffersRejectsOverMax(t *testing.T) {
	n, _, _ := newTestNode(t)
	negotiateFormat(t, n)

	err := n.port.PortUseBuffers(bufferSpecs(pool.MaxBuffers+1, 64))
	if err == nil {
		t.Fatalf("expected error for over-max buffer count")
	}
	if !a2dperr.Is(err, a2dperr.InvalidArg) {
		t.Fatalf("err = %v, want InvalidArg", err)
	}
}

func TestEnumBuffersAdvertisesPreferredSize(t *testing.T) {
	n, _, _ := newTestNode(t)
	negotiateFormat(t, n)

	descs := n.EnumParams(ParamBuffers, 0, 1, nil)
	if len(descs) != 1 {
		t.Fatalf("got %d descriptors, want 1", len(descs))
	}
	bp, ok := descs[0].Value.(BuffersParam)
	if !ok {
		t.Fatalf("descriptor value type = %T", descs[0].Value)
	}
	if bp.Stride != testFrameSize {
		t.Fatalf("stride = %d, want %d", bp.Stride, testFrameSize)
	}
	if bp.Count != 32 || bp.Blocks != 1 {
		t.Fatalf("unexpected count/blocks: %+v", bp)
	}
	wantSize := int(n.cfg.QuantumLimit) * testFrameSize
	if bp.Size != wantSize {
		t.Fatalf("size = %d, want %d", bp.Size, wantSize)
	}
}

func TestEnumBuffersEmptyWithoutFormat(t *testing.T) {
	n, _, _ := newTestNode(t)
	descs := n.EnumParams(ParamBuffers, 0, 1, nil)
	if len(descs) != 0 {
		t.Fatalf("got %d descriptors, want 0 before format negotiated", len(descs))
	}
}
