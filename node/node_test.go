package node

import (
	"sync"
	"testing"
	"time"

	"bken/a2dp-source/a2dperr"
	"bken/a2dp-source/codec"
	"bken/a2dp-source/codec/rawcodec"
	"bken/a2dp-source/config"
	"bken/a2dp-source/loop"
	"bken/a2dp-source/transport"
)

// fakeLoop is a non-reactor stand-in for loop.Loop: Invoke runs
// synchronously on the calling goroutine (tests are single-threaded),
// and timers/sources are just recorded so a test can fire them
// directly, the same role client/audio_test.go's fake output device
// plays for the real PortAudio stream in the teacher repo.
type fakeLoop struct {
	mu      sync.Mutex
	sockets map[int]loop.FDHandler
	timers  []*fakeTimer
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{sockets: make(map[int]loop.FDHandler)}
}

func (l *fakeLoop) AddSocketSource(fd int, h loop.FDHandler) (func() error, error) {
	l.mu.Lock()
	l.sockets[fd] = h
	l.mu.Unlock()
	return func() error {
		l.mu.Lock()
		delete(l.sockets, fd)
		l.mu.Unlock()
		return nil
	}, nil
}

func (l *fakeLoop) NewTimer(h loop.TimerHandler) (loop.Timer, error) {
	t := &fakeTimer{handler: h}
	l.mu.Lock()
	l.timers = append(l.timers, t)
	l.mu.Unlock()
	return t, nil
}

func (l *fakeLoop) Invoke(fn func()) { fn() }
func (l *fakeLoop) Run() error       { return nil }
func (l *fakeLoop) Close() error     { return nil }

// fireSocket invokes the handler registered for fd with the given
// readiness mask, as EpollWait dispatch would on the real loop.
func (l *fakeLoop) fireSocket(fd int, events uint32) {
	l.mu.Lock()
	h := l.sockets[fd]
	l.mu.Unlock()
	if h != nil {
		h(events)
	}
}

type fakeTimer struct {
	handler  loop.TimerHandler
	armed    bool
	deadline int64
	period   time.Duration
	closed   bool
}

func (t *fakeTimer) ArmAbsolute(nsec int64) error {
	t.armed = true
	t.deadline = nsec
	return nil
}
func (t *fakeTimer) ArmPeriodic(p time.Duration) error { t.period = p; t.armed = true; return nil }
func (t *fakeTimer) Disarm() error                     { t.armed = false; return nil }
func (t *fakeTimer) Close() error                       { t.closed = true; return nil }
func (t *fakeTimer) fire()                              { t.handler(1) }

type fakeListener struct {
	nodeInfos []NodeInfo
	portInfos []PortInfo
}

func (f *fakeListener) OnNodeInfo(i NodeInfo) { f.nodeInfos = append(f.nodeInfos, i) }
func (f *fakeListener) OnPortInfo(i PortInfo) { f.portInfos = append(f.portInfos, i) }

const testFrameSize = 4 // stereo S16

func testFormat() codec.Format {
	return codec.Format{SampleFormat: codec.S16, Channels: 2, Rate: 48000}
}

func newTestNode(t *testing.T) (*Node, *fakeLoop, *transport.Fake) {
	t.Helper()
	l := newFakeLoop()
	tp := transport.NewFake("raw", nil, 1024, 1024)
	t.Cleanup(tp.Close)
	c := rawcodec.New(testFormat())
	cfg := config.Default()
	n := New(l, tp, c, cfg)
	return n, l, tp
}

func negotiateFormat(t *testing.T, n *Node) {
	t.Helper()
	f := testFormat()
	if err := n.port.PortSetParam(&AudioFormat{SampleFormat: f.SampleFormat, Channels: f.Channels, Rate: f.Rate}); err != nil {
		t.Fatalf("PortSetParam: %v", err)
	}
}

func TestAddListenerEmitsSnapshotImmediately(t *testing.T) {
	n, _, _ := newTestNode(t)
	l := &fakeListener{}
	n.AddListener(l)

	if len(l.nodeInfos) != 1 {
		t.Fatalf("got %d node infos, want 1", len(l.nodeInfos))
	}
	if len(l.portInfos) != 1 {
		t.Fatalf("got %d port infos, want 1", len(l.portInfos))
	}
	if l.nodeInfos[0].Props["media.class"] != "Stream/Output/Audio" {
		t.Fatalf("media.class = %q", l.nodeInfos[0].Props["media.class"])
	}
}

func TestSetParamUpdatesClockNameAndReemits(t *testing.T) {
	n, _, _ := newTestNode(t)
	l := &fakeListener{}
	n.AddListener(l)

	if err := n.SetParam("clock.custom", nil); err != nil {
		t.Fatalf("SetParam: %v", err)
	}
	if len(l.nodeInfos) != 2 {
		t.Fatalf("got %d node infos after SetParam, want 2", len(l.nodeInfos))
	}
	if got := l.nodeInfos[1].Props["clock.name"]; got != "clock.custom" {
		t.Fatalf("clock.name = %q, want clock.custom", got)
	}
}

func TestSetParamNoopWhenUnchanged(t *testing.T) {
	n, _, _ := newTestNode(t)
	l := &fakeListener{}
	n.AddListener(l)

	if err := n.SetParam("", nil); err != nil {
		t.Fatalf("SetParam: %v", err)
	}
	if len(l.nodeInfos) != 1 {
		t.Fatalf("got %d node infos, want 1 (no re-emit for no-op)", len(l.nodeInfos))
	}
}

func TestSetParamMarksParamsDirty(t *testing.T) {
	n, _, _ := newTestNode(t)
	l := &fakeListener{}
	n.AddListener(l)

	if err := n.SetParam("clock.custom", nil); err != nil {
		t.Fatalf("SetParam: %v", err)
	}
	if len(l.nodeInfos) != 2 {
		t.Fatalf("got %d node infos, want 2", len(l.nodeInfos))
	}
	if !l.nodeInfos[1].ParamsDirty {
		t.Fatalf("expected ParamsDirty set on the re-emitted snapshot")
	}
}

func TestAddRemovePortUnsupported(t *testing.T) {
	n, _, _ := newTestNode(t)
	if err := n.AddPort(DirOutput); !a2dperr.Is(err, a2dperr.Unsupported) {
		t.Fatalf("AddPort err = %v, want Unsupported", err)
	}
	if err := n.RemovePort(0); !a2dperr.Is(err, a2dperr.Unsupported) {
		t.Fatalf("RemovePort err = %v, want Unsupported", err)
	}
}

func TestClearIsIdempotentWithoutTransportAcquired(t *testing.T) {
	n, _, _ := newTestNode(t)
	if err := n.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := n.Clear(); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
}

func TestTransportDestroyedClearsNodeTransport(t *testing.T) {
	n, _, tp := newTestNode(t)
	tp.Destroy()

	n.mu.Lock()
	gotNil := n.transport == nil
	n.mu.Unlock()
	if !gotNil {
		t.Fatalf("node.transport still set after transport Destroyed")
	}
}
