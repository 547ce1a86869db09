// Package pool manages downstream-owned PCM buffers via free/ready
// lists (§4.2 of the spec). The bookkeeping style — a map keyed by id,
// guarded by a mutex, logging each reset of the buffer set (individual
// dequeue, enqueue and recycle steps are not logged) — follows
// server/internal/core/channel_state.go's ChannelState, generalized
// from user/session membership to buffer membership.
package pool

import (
	"log/slog"
	"sort"
	"sync"

	"bken/a2dp-source/a2dperr"
)

// MaxBuffers is the hard cap on configured pool buffers (§3).
const MaxBuffers = 32

// Chunk describes one downstream memory segment a buffer exposes.
type Chunk struct {
	Offset int
	Size   int
	Stride int
}

// Header carries optional per-buffer timestamping metadata (§3).
type Header struct {
	Seq       uint64
	PTS       int64
	DTSOffset int64
}

// Segment is one downstream-owned memory region backing a Buffer's data.
// Mapped must be true for the first segment, or port_use_buffers (§4.4)
// rejects the buffer with InvalidArg.
type Segment struct {
	Mapped bool
	Data   []byte
	Chunk  Chunk
}

// Buffer is a PoolBuffer (§3): a downstream-owned memory region the node
// fills with PCM and hands back via the IO window.
type Buffer struct {
	ID          int
	Segments    []Segment
	Outstanding bool
	Header      *Header
}

// membership is which list a buffer currently belongs to.
type membership int

const (
	memberFree membership = iota
	memberReady
	memberOutstanding
)

// Pool holds the free and ready intrusive lists described in §4.2. A
// Buffer is, at any observable point, in exactly one of
// {free, ready, outstanding}.
type Pool struct {
	mu      sync.Mutex
	buffers map[int]*Buffer
	member  map[int]membership
	free    []int // ids, in FIFO dequeue order
	ready   []int // ids, in FIFO dequeue order
}

// New returns an empty Pool.
func New() *Pool {
	return &Pool{
		buffers: make(map[int]*Buffer),
		member:  make(map[int]membership),
	}
}

// ResetBuffers replaces the configured buffer set and places every
// buffer on free, per §4.2's reset_buffers.
func (p *Pool) ResetBuffers(buffers []*Buffer) error {
	if len(buffers) > MaxBuffers {
		return a2dperr.New(a2dperr.InvalidArg, "pool.ResetBuffers")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.buffers = make(map[int]*Buffer, len(buffers))
	p.member = make(map[int]membership, len(buffers))
	p.free = p.free[:0]
	p.ready = p.ready[:0]

	for _, b := range buffers {
		b.Outstanding = false
		p.buffers[b.ID] = b
		p.member[b.ID] = memberFree
		p.free = append(p.free, b.ID)
	}

	slog.Debug("pool reset", "component", "pool", "n_buffers", len(buffers))
	return nil
}

// Reset keeps the configured buffer set but places every buffer back on
// free and clears outstanding, per §4.2's reset_buffers. Buffers still
// sitting on ready from before a stop are forced back to free so a
// restart never serves stale frames.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.free = p.free[:0]
	p.ready = p.ready[:0]
	for id, b := range p.buffers {
		b.Outstanding = false
		p.member[id] = memberFree
		p.free = append(p.free, id)
	}
	sort.Ints(p.free)

	slog.Debug("pool reset to free", "component", "pool", "n_buffers", len(p.buffers))
}

// NBuffers returns the number of configured buffers.
func (p *Pool) NBuffers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}

// DequeueFree removes and returns the head of the free list.
func (p *Pool) DequeueFree() (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, false
	}
	id := p.free[0]
	p.free = p.free[1:]
	p.member[id] = memberOutstanding
	b := p.buffers[id]
	b.Outstanding = true
	return b, true
}

// EnqueueReady appends b to the ready list.
func (p *Pool) EnqueueReady(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.member[b.ID] = memberReady
	p.ready = append(p.ready, b.ID)
}

// DequeueReady removes and returns the head of the ready list, marking
// it outstanding.
func (p *Pool) DequeueReady() (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.ready) == 0 {
		return nil, false
	}
	id := p.ready[0]
	p.ready = p.ready[1:]
	p.member[id] = memberOutstanding
	b := p.buffers[id]
	b.Outstanding = true
	return b, true
}

// Recycle returns id to the free list. It is idempotent: recycling a
// buffer that is not outstanding is a no-op, matching §4.2. An id that
// cannot possibly be valid because no buffers are configured at all
// fails with IoState; an id that is simply unknown among configured
// buffers fails with InvalidArg.
func (p *Pool) Recycle(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buffers) == 0 {
		return a2dperr.New(a2dperr.IoState, "pool.Recycle")
	}
	b, ok := p.buffers[id]
	if !ok {
		return a2dperr.New(a2dperr.InvalidArg, "pool.Recycle")
	}
	if !b.Outstanding {
		return nil
	}
	b.Outstanding = false
	p.member[id] = memberFree
	p.free = append(p.free, id)
	return nil
}

// Lookup returns the configured buffer with the given id.
func (p *Pool) Lookup(id int) (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buffers[id]
	return b, ok
}

// ReadyLen reports how many buffers are currently on the ready list.
func (p *Pool) ReadyLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready)
}

// FreeLen reports how many buffers are currently on the free list.
func (p *Pool) FreeLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
