// Package clock models the shared-memory windows the host graph scheduler
// exposes to a node: the running Clock, the Position within the graph's
// driving cycle, and the RateMatch window used to steer a downstream
// resampler. In the real host these are memory-mapped regions shared
// between processes; here they are plain structs with atomically
// updated fields, borrowed by pointer. A nil pointer is always a valid,
// transient state — callers must check before dereferencing.
package clock

import "sync/atomic"

// NsecPerSec is the number of nanoseconds in one second, used throughout
// the engine's timer math.
const NsecPerSec = 1_000_000_000

// Clock is the scheduler's published notion of "now" for this node's
// graph cycle. Fields are written by the data thread during a timer tick
// and read by the control thread or diagnostics; all access goes through
// atomics so there is no tearing on the word boundaries the fields
// occupy.
type Clock struct {
	nsec     atomic.Int64  // current tick's timestamp
	position atomic.Int64  // running sample position
	duration atomic.Int64  // frames represented by this tick
	rateDiff atomic.Uint64 // float64 bits: corr published this tick
	nextNsec atomic.Int64  // timestamp of the next tick
}

// Publish records one tick's worth of clock state, matching §4.5.2 step 6.
func (c *Clock) Publish(nsec int64, durationFrames int64, rateDiff float64, nextNsec int64) {
	c.nsec.Store(nsec)
	c.position.Add(durationFrames)
	c.duration.Store(durationFrames)
	c.rateDiff.Store(float64bits(rateDiff))
	c.nextNsec.Store(nextNsec)
}

// Nsec returns the last published tick timestamp.
func (c *Clock) Nsec() int64 { return c.nsec.Load() }

// Position returns the running sample position.
func (c *Clock) Position() int64 { return c.position.Load() }

// Duration returns the last published tick's duration in frames.
func (c *Clock) Duration() int64 { return c.duration.Load() }

// RateDiff returns the last published drift coefficient.
func (c *Clock) RateDiff() float64 { return float64frombits(c.rateDiff.Load()) }

// NextNsec returns the timestamp the next tick is scheduled for.
func (c *Clock) NextNsec() int64 { return c.nextNsec.Load() }

// Position is the scheduler's notion of the graph's driving rate and
// current duration, read by the engine to size its per-tick request.
// ClockID identifies which clock is currently driving the graph; the
// engine compares it against its own clock's identity to decide whether
// it is following (§5, "Follower").
type Position struct {
	RateNum        atomic.Int64 // numerator of the driving rate fraction
	RateDenom      atomic.Int64 // denominator of the driving rate fraction (e.g. 48000)
	DurationFrames atomic.Int64
	ClockID        atomic.Int64 // identity of the clock currently driving the graph
}

// Rate returns (num, denom) as currently published.
func (p *Position) Rate() (int64, int64) {
	num := p.RateNum.Load()
	if num == 0 {
		num = 1
	}
	return num, p.RateDenom.Load()
}

// Buffer IO status values exchanged through a BufferIO window.
const (
	// StatusNeedData means the host has consumed the last buffer (or
	// never received one) and wants more.
	StatusNeedData int32 = 0
	// StatusHaveData means the node has published a buffer id the host
	// has not consumed yet.
	StatusHaveData int32 = 1
)

// InvalidBufferID marks the BufferID field as carrying no buffer.
const InvalidBufferID int32 = -1

// BufferIO is the port's shared buffer-exchange window: the node
// publishes the id of each produced pool buffer and sets Status to
// StatusHaveData; the host writes back the id of a consumed buffer for
// recycling and resets Status to StatusNeedData.
type BufferIO struct {
	Status   atomic.Int32
	BufferID atomic.Int32
}

// NewBufferIO returns a BufferIO with no pending buffer.
func NewBufferIO() *BufferIO {
	io := &BufferIO{}
	io.BufferID.Store(InvalidBufferID)
	return io
}

// RateMatch is the shared window a node writes to steer a downstream
// resampler, matching §3's RateMatch row.
type RateMatch struct {
	Rate  atomic.Uint64 // float64 bits: 1/corr
	Size  atomic.Int32  // samples the downstream resampler wants per cycle
	Flags atomic.Uint32
}

// RateMatch flag bits.
const (
	RateMatchActive uint32 = 1 << iota
)

// SetRate publishes rate (1/corr) to the window.
func (r *RateMatch) SetRate(rate float64) { r.Rate.Store(float64bits(rate)) }

// GetRate returns the last published rate.
func (r *RateMatch) GetRate() float64 { return float64frombits(r.Rate.Load()) }

// SetActive sets or clears the ACTIVE flag.
func (r *RateMatch) SetActive(active bool) {
	for {
		old := r.Flags.Load()
		next := old
		if active {
			next |= RateMatchActive
		} else {
			next &^= RateMatchActive
		}
		if r.Flags.CompareAndSwap(old, next) {
			return
		}
	}
}

// Active reports whether the ACTIVE flag is set.
func (r *RateMatch) Active() bool {
	return r.Flags.Load()&RateMatchActive != 0
}
