package node

import (
	"log/slog"
	"sync"

	"bken/a2dp-source/a2dperr"
	"bken/a2dp-source/clock"
	"bken/a2dp-source/pool"
)

// Port is the node's single output port (§3, §4.4). It owns format and
// buffer negotiation state; the IO windows it is handed
// (Buffers/RateMatch memory) are forwarded to the engine, which is the
// actual reader/writer on the data thread.
type Port struct {
	node *Node

	mu         sync.Mutex
	haveFormat bool
	format     AudioFormat

	io        *clock.BufferIO
	rateMatch *clock.RateMatch
}

func newPort(n *Node) *Port {
	return &Port{node: n}
}

func (p *Port) info() PortInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	rateNum, rateDenom := 0, 0
	flags := PortFlagLive | PortFlagTerminal
	if p.haveFormat {
		rateNum, rateDenom = 1, p.format.Rate
	}
	return PortInfo{
		Direction: DirOutput,
		ID:        0,
		Flags:     flags,
		RateNum:   rateNum,
		RateDenom: rateDenom,
	}
}

// PortSetParam sets or clears the port's negotiated format (§4.4). The
// format must be raw audio in one of the supported sample formats. A nil
// format clears any existing format and tears down the installed
// buffers, which stops the engine first — a running engine without a
// format is not a representable state.
func (p *Port) PortSetParam(format *AudioFormat) error {
	if format == nil {
		p.mu.Lock()
		p.haveFormat = false
		p.format = AudioFormat{}
		p.mu.Unlock()

		p.clearBuffers()
		p.node.emitPortInfo()
		return nil
	}

	if format.Channels <= 0 || format.Rate <= 0 || format.SampleFormat.BytesPerSample() == 0 {
		return a2dperr.New(a2dperr.InvalidArg, "port.PortSetParam")
	}

	p.mu.Lock()
	p.haveFormat = true
	p.format = *format
	p.mu.Unlock()

	slog.Debug("port format set", "component", "port", "rate", format.Rate, "channels", format.Channels)
	p.node.emitPortInfo()
	return nil
}

// clearBuffers stops the engine and drops the installed buffer set, so
// a subsequent Start fails with IoState until new buffers arrive.
func (p *Port) clearBuffers() {
	if err := p.node.engine.Stop(); err != nil {
		slog.Warn("clear buffers: engine stop failed", "component", "port", "err", err)
	}
	if err := p.node.engine.pool.ResetBuffers(nil); err != nil {
		slog.Warn("clear buffers: pool reset failed", "component", "port", "err", err)
	}
}

// Format returns the currently negotiated format and whether one is set.
func (p *Port) Format() (AudioFormat, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format, p.haveFormat
}

// PortUseBuffers installs the downstream-owned buffer set (§4.4). A
// format must already be negotiated. Any previously installed set is
// dropped first. The first segment of every spec must be mapped, or the
// whole call is rejected with InvalidArg — a source can't fill memory it
// was never actually given.
func (p *Port) PortUseBuffers(specs []BufferSpec) error {
	p.mu.Lock()
	haveFormat := p.haveFormat
	p.mu.Unlock()

	if !haveFormat {
		return a2dperr.New(a2dperr.IoState, "port.PortUseBuffers")
	}

	buffers := make([]*pool.Buffer, 0, len(specs))
	for _, s := range specs {
		if len(s.Segments) == 0 || !s.Segments[0].Mapped {
			return a2dperr.New(a2dperr.InvalidArg, "port.PortUseBuffers")
		}
		buffers = append(buffers, &pool.Buffer{
			ID:       s.ID,
			Segments: s.Segments,
			Header:   s.Header,
		})
	}

	if err := p.node.engine.pool.ResetBuffers(buffers); err != nil {
		return err
	}

	slog.Debug("port buffers installed", "component", "port", "n_buffers", len(buffers))
	p.node.emitPortInfo()
	return nil
}

// PortSetIO installs a port-scoped shared-memory window (§4.4): the
// Buffers exchange window or the RateMatch window. mem may be nil to
// uninstall. Unknown ids fail with NotFound.
func (p *Port) PortSetIO(id IOID, mem any) error {
	switch id {
	case IOBuffers:
		io, ok := mem.(*clock.BufferIO)
		if mem != nil && !ok {
			return a2dperr.New(a2dperr.InvalidArg, "port.PortSetIO")
		}
		p.mu.Lock()
		p.io = io
		p.mu.Unlock()
		p.node.engine.setBufferIO(io)
	case IORateMatch:
		rm, ok := mem.(*clock.RateMatch)
		if mem != nil && !ok {
			return a2dperr.New(a2dperr.InvalidArg, "port.PortSetIO")
		}
		p.mu.Lock()
		p.rateMatch = rm
		p.mu.Unlock()
		p.node.engine.setRateMatch(rm)
	default:
		return a2dperr.New(a2dperr.NotFound, "port.PortSetIO")
	}
	return nil
}
