package transport

import (
	"context"
	"sync"

	"golang.org/x/sys/unix"
)

// Fake is an in-memory Transport backed by a connected AF_UNIX
// SOCK_DGRAM socketpair, letting tests drive the engine's real
// unix.Recvfrom/unix.SetsockoptInt socket path without a real
// Bluetooth stack — the same role client/audio_test.go's mockPAStream
// plays for PortAudio in the teacher repo. A datagram socketpair
// preserves packet boundaries the way a real L2CAP transport does, so
// one test Write is one decodable packet.
type Fake struct {
	mu        sync.Mutex
	state     State
	readMTU   int
	writeMTU  int
	config    []byte
	codec     string
	device    DeviceInfo
	listeners []Listener

	// localFD is the node-facing end returned by FD(); remoteFD is the
	// test-facing end a test writes packets into.
	localFD, remoteFD int

	AcquireErr error
}

// NewFake returns a Fake transport in StatePending, with a connected
// datagram socketpair and the given MTUs. Panics if the socketpair
// cannot be created, since that indicates a broken test environment
// rather than a condition a test should assert on.
func NewFake(codec string, config []byte, readMTU, writeMTU int) *Fake {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		panic("transport.NewFake: socketpair: " + err.Error())
	}
	return &Fake{
		state:    StatePending,
		readMTU:  readMTU,
		writeMTU: writeMTU,
		config:   config,
		codec:    codec,
		device:   DeviceInfo{Name: "fake-device"},
		localFD:  fds[0],
		remoteFD: fds[1],
	}
}

// FD returns the node-facing socket descriptor. Valid for the Fake's
// whole lifetime (unlike a real transport, Release/Acquire don't open
// or close it), since tests reuse the same Fake across commands.
func (f *Fake) FD() int { return f.localFD }

// WriteRemote writes one datagram from the test-facing end, readable
// by the node as a single packet via FD().
func (f *Fake) WriteRemote(b []byte) error {
	return unix.Sendto(f.remoteFD, b, 0, nil)
}

// Close releases both ends of the socketpair. Tests should defer this.
func (f *Fake) Close() {
	unix.Close(f.localFD)
	unix.Close(f.remoteFD)
}

func (f *Fake) ReadMTU() int          { return f.readMTU }
func (f *Fake) WriteMTU() int         { return f.writeMTU }
func (f *Fake) Configuration() []byte { return f.config }
func (f *Fake) A2DPCodec() string     { return f.codec }
func (f *Fake) Device() DeviceInfo    { return f.device }

func (f *Fake) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) Acquire(ctx context.Context, optimistic bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AcquireErr != nil {
		return f.AcquireErr
	}
	f.state = StateActive
	return nil
}

func (f *Fake) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = StatePending
	return nil
}

func (f *Fake) AddListener(l Listener) (remove func()) {
	f.mu.Lock()
	f.listeners = append(f.listeners, l)
	idx := len(f.listeners) - 1
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if idx < len(f.listeners) {
			f.listeners[idx] = nil
		}
	}
}

// Destroy simulates ResourceLoss (§7): fires Destroyed on every listener
// and marks the transport released.
func (f *Fake) Destroy() {
	f.mu.Lock()
	f.state = StateReleased
	ls := append([]Listener(nil), f.listeners...)
	f.mu.Unlock()

	for _, l := range ls {
		if l != nil {
			l.Destroyed()
		}
	}
}
