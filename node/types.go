// Package node implements the NodeStateMachine and RealtimeEngine
// described in spec.md §4.4–§4.5: the negotiation surface a host graph
// uses to configure format/IO/buffers and issue Start/Pause/Suspend,
// and the running data path those commands drive. The bookkeeping
// shape — a struct with a mutex, atomics for hot flags, and listener
// callbacks invoked outside the lock — follows
// server/internal/core/channel_state.go and client/audio.go in the
// teacher repo.
package node

import (
	"bken/a2dp-source/codec"
	"bken/a2dp-source/pool"
)

// Direction of a port. This core has exactly one output port (§3).
type Direction int

const (
	DirOutput Direction = iota
)

// ParamID identifies a kind of parameter enum_params/set_param can
// target, per §4.4.
type ParamID int

const (
	ParamPropInfo ParamID = iota
	ParamProps
	ParamEnumFormat
	ParamFormat
	ParamBuffers
	ParamMeta
	ParamIO
	ParamLatency
)

func (p ParamID) String() string {
	switch p {
	case ParamPropInfo:
		return "PropInfo"
	case ParamProps:
		return "Props"
	case ParamEnumFormat:
		return "EnumFormat"
	case ParamFormat:
		return "Format"
	case ParamBuffers:
		return "Buffers"
	case ParamMeta:
		return "Meta"
	case ParamIO:
		return "IO"
	case ParamLatency:
		return "Latency"
	default:
		return "Unknown"
	}
}

// IOID identifies which shared-memory window port_set_io/set_io targets.
type IOID int

const (
	IOBuffers IOID = iota
	IORateMatch
	IOClock
	IOPosition
)

// Command is one of the three commands send_command accepts (§4.4).
type Command int

const (
	CmdStart Command = iota
	CmdPause
	CmdSuspend
)

// PortFlags advertised on the single output port (§6).
type PortFlags uint32

const (
	PortFlagLive PortFlags = 1 << iota
	PortFlagTerminal
)

// AudioFormat mirrors §3's AudioFormat row.
type AudioFormat struct {
	SampleFormat codec.SampleFormat
	Channels     int
	Rate         int
}

// FrameSize returns channels * bytes_per_sample(format).
func (f AudioFormat) FrameSize() int {
	return f.Channels * f.SampleFormat.BytesPerSample()
}

// BuffersParam is what enum_params(Buffers) advertises (§4.4).
type BuffersParam struct {
	Count  int
	Blocks int
	Size   int
	Stride int
}

// Descriptor is one entry produced by EnumParams; Filter narrows which
// descriptors are actually emitted for a given call.
type Descriptor struct {
	ID    ParamID
	Value any
}

// Filter decides whether to keep a Descriptor. Descriptors that fail the
// filter are skipped without advancing the emitted count, per §4.4.
type Filter func(Descriptor) bool

// AcceptAll is the default Filter used when the caller has no criteria.
func AcceptAll(Descriptor) bool { return true }

// NodeInfo is the dictionary-of-properties snapshot emitted to listeners
// (§6).
type NodeInfo struct {
	Props       map[string]string
	RealTime    bool
	ParamsDirty bool
}

// PortInfo is the port-level snapshot emitted alongside NodeInfo (§6).
type PortInfo struct {
	Direction Direction
	ID        int
	Flags     PortFlags
	RateNum   int
	RateDenom int
}

// Listener receives node/port info snapshots. add_listener (§4.4)
// immediately re-emits a full snapshot to a newly registered listener as
// if every change bit were set.
type Listener interface {
	OnNodeInfo(NodeInfo)
	OnPortInfo(PortInfo)
}

// BufferSpec is the caller-supplied description of one downstream pool
// buffer, used by PortUseBuffers.
type BufferSpec struct {
	ID       int
	Segments []pool.Segment
	Header   *pool.Header
}
