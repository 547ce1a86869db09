// Package transport declares the Transport collaborator the node
// consumes (§6 of the spec): Bluetooth transport acquisition/release is
// out of scope for this core, so the package defines only the narrow
// contract the data path needs, the same way client/interfaces.go
// defines Transporter as the seam between App and its real/mock
// WebTransport session.
package transport

import "context"

// State is the lifecycle state of a transport as seen by the node.
type State int

const (
	// StateIdle is the initial state before any attempt to use the transport.
	StateIdle State = iota
	// StatePending means the transport is present but not yet acquired;
	// Acquire may be called.
	StatePending
	// StateActive means Acquire succeeded; the fd is usable.
	StateActive
	// StateReleased means Release was called or the remote device
	// disappeared; the fd is no longer usable.
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// DeviceInfo describes the remote Bluetooth peer a transport connects to.
type DeviceInfo struct {
	Name     string
	Settings map[string]string
}

// Listener receives transport lifecycle notifications. A transport calls
// Destroyed exactly once, from whatever goroutine detects the loss (e.g.
// a D-Bus watch goroutine); the node's observer (node.transportObserver)
// marshals the resulting teardown onto the data loop.
type Listener interface {
	Destroyed()
}

// Transport is the contract the node depends on for Bluetooth transport
// acquisition (out of scope for this core — see spec.md §1). A concrete
// implementation talks to BlueZ/D-Bus; tests use a fake.
type Transport interface {
	// FD returns the transport's socket file descriptor. Only valid
	// after a successful Acquire, until Release.
	FD() int
	// ReadMTU is the maximum payload size of one incoming packet.
	ReadMTU() int
	// WriteMTU is the maximum payload size of one outgoing packet.
	WriteMTU() int
	// Configuration is the opaque codec configuration blob negotiated
	// during A2DP stream setup (SBC/AAC/etc. configuration bytes).
	Configuration() []byte
	// A2DPCodec identifies which codec variant this transport was
	// negotiated for (e.g. "sbc", "aac", "aptx", "ldac", "opus").
	A2DPCodec() string
	// Device describes the remote peer.
	Device() DeviceInfo
	// State returns the current lifecycle state.
	State() State

	// Acquire transitions the transport to StateActive. optimistic
	// requests a non-blocking best-effort acquire; the node always
	// passes false per §4.5.4 step 2.
	Acquire(ctx context.Context, optimistic bool) error
	// Release transitions the transport back to StatePending/StateIdle.
	Release() error
	// AddListener registers l to be notified of Destroy. Returns an
	// unsubscribe function.
	AddListener(l Listener) (remove func())
}
