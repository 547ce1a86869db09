package node

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"bken/a2dp-source/a2dperr"
	"bken/a2dp-source/clock"
	"bken/a2dp-source/codec"
	"bken/a2dp-source/decodebuf"
	"bken/a2dp-source/loop"
	"bken/a2dp-source/pool"
)

// defaultQuantum/defaultRate are the fallback scheduler duration and
// rate used before a Position window has ever been published, per
// §4.5.2 step 3's "1024 frames at 48kHz" default.
const (
	defaultQuantum = 1024
	defaultRate    = 48000
)

// fillFrames sizes the transport socket's kernel buffers as a multiple
// of one MTU (FILL_FRAMES, §6), giving the reactor headroom for a
// scheduling hiccup without the kernel dropping a datagram.
const fillFrames = 2

// stagingBufSize is the fixed size of the socket read staging buffer
// (§6). One recv drains at most this much; a real A2DP MTU is far
// smaller.
const stagingBufSize = 4096

// duplexPollInterval is the polling period used for codecs that report
// DuplexCapable: some duplex transports don't deliver reliable socket
// readiness events, so the reactor falls back to timed polling instead
// (§4.5, Open Question in §9).
const duplexPollInterval = 2500 * time.Microsecond

// Status is the result of one Process call, mirroring the host graph's
// process-return contract (§4.5.3).
type Status int

const (
	StatusOK Status = iota
	StatusHaveData
)

func (s Status) String() string {
	if s == StatusHaveData {
		return "have-data"
	}
	return "ok"
}

// Engine is the RealtimeEngine (§4.5): the socket reactor and graph
// timer that drive decoding and pool-buffer production once the node is
// started. Exactly one Engine exists per Node. All source/timer/session
// mutation happens on the data-loop goroutine (via Invoke); Process is
// expected to run there too, from the host's ready callback.
type Engine struct {
	node *Node

	mu sync.Mutex

	running atomic.Bool

	sess        codec.Session
	activeCodec codec.Codec
	format      codec.Format

	pool *pool.Pool
	dbuf *decodebuf.Buffer

	clockWindow    *clock.Clock
	positionWindow *clock.Position
	rateMatch      *clock.RateMatch
	io             *clock.BufferIO

	removeSocketSource func() error
	graphTimer         loop.Timer
	duplexTimer        loop.Timer

	currentTimeNsec int64
	nextTimeNsec    int64
	lastPacketNsec  int64  // inter-arrival tracking, diagnostics only
	seq             uint64 // running sample count stamped into Header.Seq

	// ownClockID is this node's clock identity; the node is a follower
	// whenever the Position window names a different driving clock.
	ownClockID int64
	following  atomic.Bool
	matching   bool
	resampling bool

	haveData   atomic.Bool
	propsDirty atomic.Bool

	readBuf [stagingBufSize]byte
}

func newEngine(n *Node) *Engine {
	return &Engine{
		node: n,
		pool: pool.New(),
	}
}

func (e *Engine) codecSession() codec.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess
}

func (e *Engine) markPropsDirty() {
	e.propsDirty.Store(true)
}

func (e *Engine) setRateMatch(rm *clock.RateMatch) {
	e.mu.Lock()
	e.rateMatch = rm
	e.mu.Unlock()
}

func (e *Engine) setBufferIO(io *clock.BufferIO) {
	e.mu.Lock()
	e.io = io
	e.mu.Unlock()
}

func (e *Engine) setClock(c *clock.Clock) {
	e.mu.Lock()
	e.clockWindow = c
	e.mu.Unlock()
}

func (e *Engine) setPosition(p *clock.Position) {
	e.mu.Lock()
	e.positionWindow = p
	e.mu.Unlock()
}

// SendCommand dispatches a NodeStateMachine command (§4.4). Start
// requires a negotiated format and at least one installed buffer; Pause
// and Suspend both map to stop.
func (n *Node) SendCommand(cmd Command) error {
	switch cmd {
	case CmdStart:
		format, haveFormat := n.port.Format()
		if !haveFormat {
			return a2dperr.New(a2dperr.IoState, "node.SendCommand(Start)")
		}
		if n.engine.pool.NBuffers() == 0 {
			return a2dperr.New(a2dperr.IoState, "node.SendCommand(Start)")
		}
		return n.engine.start(format)
	case CmdPause, CmdSuspend:
		return n.engine.stop()
	default:
		return a2dperr.New(a2dperr.Unsupported, "node.SendCommand")
	}
}

// SetIO installs a node/graph-scoped shared-memory window (§4.4). mem
// may be nil to uninstall. If the node is running and the follower role
// flipped, a recover is scheduled on the data loop. Unknown ids fail
// with NotFound.
func (n *Node) SetIO(id IOID, mem any) error {
	switch id {
	case IOClock:
		c, ok := mem.(*clock.Clock)
		if mem != nil && !ok {
			return a2dperr.New(a2dperr.InvalidArg, "node.SetIO")
		}
		n.engine.setClock(c)
	case IOPosition:
		p, ok := mem.(*clock.Position)
		if mem != nil && !ok {
			return a2dperr.New(a2dperr.InvalidArg, "node.SetIO")
		}
		n.engine.setPosition(p)
		if n.engine.running.Load() {
			n.loop.Invoke(n.engine.updateFollowing)
		}
	default:
		return a2dperr.New(a2dperr.NotFound, "node.SetIO")
	}
	return nil
}

// updateFollowing recomputes the follower flag from the Position
// window's driving-clock identity and, on a flip, re-centers the drift
// controller (§5, scenario 4). Runs on the data loop.
func (e *Engine) updateFollowing() {
	e.mu.Lock()
	pos := e.positionWindow
	dbuf := e.dbuf
	own := e.ownClockID
	e.mu.Unlock()

	f := pos != nil && pos.ClockID.Load() != own
	if e.following.Swap(f) != f && dbuf != nil {
		dbuf.Recover()
	}
}

// Stop is the idempotent teardown entrypoint used by Node.Clear and
// Port.PortSetParam(nil); it never returns an error for "already
// stopped".
func (e *Engine) Stop() error {
	if !e.running.Load() {
		return nil
	}
	return e.stop()
}

func (e *Engine) start(format AudioFormat) error {
	var err error
	e.node.loop.Invoke(func() {
		err = e.transportStart(format)
	})
	return err
}

func (e *Engine) stop() error {
	var err error
	e.node.loop.Invoke(func() {
		err = e.transportStop()
	})
	return err
}

// transportStart implements §4.5.4: acquire, codec init, socket tuning,
// decode-buffer sizing, source registration and the first timer arm.
// Runs on the data-loop goroutine via Invoke.
func (e *Engine) transportStart(portFormat AudioFormat) error {
	n := e.node

	n.mu.Lock()
	tp := n.transport
	alreadyAcquired := n.transportAcquired
	n.mu.Unlock()
	if tp == nil {
		return a2dperr.New(a2dperr.IoState, "engine.transportStart")
	}
	if alreadyAcquired {
		return nil
	}

	if err := tp.Acquire(context.Background(), false); err != nil {
		return a2dperr.Wrap(a2dperr.TransportFailure, "engine.transportStart", err)
	}
	n.mu.Lock()
	n.transportAcquired = true
	n.mu.Unlock()

	release := func() {
		n.mu.Lock()
		n.transportAcquired = false
		n.mu.Unlock()
		tp.Release()
	}

	activeCodec := n.codec
	flags := codec.FlagSink
	if n.cfg.Duplex && n.codec != nil && n.codec.DuplexCapable() {
		if d := n.codec.DuplexCodec(); d != nil {
			activeCodec = d
		}
		flags = 0
	}

	sess, format, _, err := activeCodec.Init(flags, tp.Configuration(), tp.ReadMTU())
	if err != nil {
		release()
		return a2dperr.Wrap(a2dperr.TransportFailure, "engine.transportStart", err)
	}

	if err := tuneSocket(tp.FD(), tp.ReadMTU(), tp.WriteMTU()); err != nil {
		slog.Warn("socket tuning failed", "component", "engine", "err", err)
	}
	if err := unix.SetNonblock(tp.FD(), true); err != nil {
		slog.Warn("set nonblocking failed", "component", "engine", "err", err)
	}

	frameSize := portFormat.FrameSize()
	if frameSize <= 0 {
		frameSize = format.FrameSize()
	}

	e.pool.Reset()

	e.mu.Lock()
	e.sess = sess
	e.activeCodec = activeCodec
	e.format = format
	e.dbuf = decodebuf.New(frameSize, format.Rate, int(n.cfg.QuantumLimit), int(n.cfg.QuantumLimit))
	e.seq = 0
	e.mu.Unlock()

	useDuplexTimer := n.cfg.Duplex && activeCodec.DuplexCapable()
	if useDuplexTimer {
		dt, err := n.loop.NewTimer(func(uint64) { e.onReadyRead(loop.Readable) })
		if err != nil {
			activeCodec.Deinit(sess)
			release()
			return a2dperr.Wrap(a2dperr.TransportFailure, "engine.transportStart", err)
		}
		if err := dt.ArmPeriodic(duplexPollInterval); err != nil {
			dt.Close()
			activeCodec.Deinit(sess)
			release()
			return a2dperr.Wrap(a2dperr.TransportFailure, "engine.transportStart", err)
		}
		e.mu.Lock()
		e.duplexTimer = dt
		e.mu.Unlock()
	} else {
		remove, err := n.loop.AddSocketSource(tp.FD(), e.onReadyRead)
		if err != nil {
			activeCodec.Deinit(sess)
			release()
			return a2dperr.Wrap(a2dperr.TransportFailure, "engine.transportStart", err)
		}
		e.mu.Lock()
		e.removeSocketSource = remove
		e.mu.Unlock()
	}

	timer, err := n.loop.NewTimer(e.onTimeout)
	if err != nil {
		e.deregisterSocket()
		e.mu.Lock()
		dt := e.duplexTimer
		e.duplexTimer = nil
		e.mu.Unlock()
		if dt != nil {
			dt.Close()
		}
		activeCodec.Deinit(sess)
		release()
		return a2dperr.Wrap(a2dperr.TransportFailure, "engine.transportStart", err)
	}

	e.updateFollowing()
	e.setupMatching(1.0)

	now := loop.Now()
	e.mu.Lock()
	e.graphTimer = timer
	e.currentTimeNsec = now
	e.nextTimeNsec = now
	e.mu.Unlock()

	e.running.Store(true)

	if err := timer.ArmAbsolute(now); err != nil {
		e.running.Store(false)
		return a2dperr.Wrap(a2dperr.TransportFailure, "engine.transportStart", err)
	}

	slog.Info("engine started", "component", "engine", "node_id", n.id, "codec", activeCodec.Name(), "rate", format.Rate)
	return nil
}

// transportStop implements §4.5.4's teardown: remove every source,
// disarm the timers, release the transport, destroy the codec session,
// clear the decode buffer. Runs on the data-loop goroutine via Invoke,
// so it never races a handler.
func (e *Engine) transportStop() error {
	n := e.node
	e.running.Store(false)
	e.haveData.Store(false)

	e.mu.Lock()
	gt := e.graphTimer
	dt := e.duplexTimer
	e.graphTimer = nil
	e.duplexTimer = nil
	e.mu.Unlock()
	if gt != nil {
		gt.Close()
	}
	if dt != nil {
		dt.Close()
	}
	e.deregisterSocket()

	n.mu.Lock()
	tp := n.transport
	acquired := n.transportAcquired
	n.transportAcquired = false
	n.mu.Unlock()
	if acquired && tp != nil {
		if err := tp.Release(); err != nil {
			slog.Warn("transport release failed", "component", "engine", "err", err)
		}
	}

	e.mu.Lock()
	sess := e.sess
	activeCodec := e.activeCodec
	dbuf := e.dbuf
	e.sess = nil
	e.activeCodec = nil
	e.dbuf = nil
	e.mu.Unlock()

	if sess != nil && activeCodec != nil {
		if err := activeCodec.Deinit(sess); err != nil {
			slog.Warn("codec deinit failed", "component", "engine", "err", err)
		}
	}
	if dbuf != nil {
		dbuf.Clear()
	}

	slog.Info("engine stopped", "component", "engine", "node_id", n.id)
	return nil
}

// deregisterSocket removes the socket source, or the duplex poll timer
// registered in its place, if either is present. Used both for teardown
// and when a handler hits a fatal socket condition (§4.5.1's "any other
// error deregisters").
func (e *Engine) deregisterSocket() {
	e.mu.Lock()
	remove := e.removeSocketSource
	e.removeSocketSource = nil
	dt := e.duplexTimer
	e.duplexTimer = nil
	e.mu.Unlock()
	if remove != nil {
		if err := remove(); err != nil {
			slog.Warn("remove socket source failed", "component", "engine", "err", err)
		}
	}
	if dt != nil {
		if err := dt.Close(); err != nil {
			slog.Warn("remove duplex poll timer failed", "component", "engine", "err", err)
		}
	}
}

func tuneSocket(fd, readMTU, writeMTU int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY, 6); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, readMTU*fillFrames); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, writeMTU*fillFrames); err != nil {
		return err
	}
	return nil
}

// onReadyRead implements §4.5.1: drain one packet into the fixed
// staging buffer, strip its framing header, decode it into the ring.
// Codec failures drop the packet and wait for the next one; socket
// failures other than EINTR/EAGAIN deregister the source.
func (e *Engine) onReadyRead(events uint32) {
	if events&(loop.Err|loop.HangUp) != 0 {
		slog.Warn("transport socket error/hangup", "component", "engine", "events", events)
		e.deregisterSocket()
		return
	}
	if events&loop.Readable == 0 {
		slog.Warn("unexpected readiness mask", "component", "engine", "events", events)
		e.deregisterSocket()
		return
	}

	n := e.node
	n.mu.Lock()
	tp := n.transport
	n.mu.Unlock()
	if tp == nil {
		e.deregisterSocket()
		return
	}

	e.mu.Lock()
	sess := e.sess
	activeCodec := e.activeCodec
	dbuf := e.dbuf
	e.mu.Unlock()
	if sess == nil || activeCodec == nil || dbuf == nil {
		return
	}

	if e.propsDirty.CompareAndSwap(true, false) {
		if err := activeCodec.UpdateProps(sess); err != nil {
			slog.Warn("update_props failed", "component", "engine", "err", err)
		}
	}

	var nRead int
	var err error
	for {
		nRead, _, err = unix.Recvfrom(tp.FD(), e.readBuf[:], unix.MSG_DONTWAIT)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return
	}
	if err != nil {
		slog.Warn("recv failed", "component", "engine", "err", err)
		e.deregisterSocket()
		return
	}
	if nRead <= 0 {
		// A zero-sized datagram with the transport present is a no-op.
		return
	}
	src := e.readBuf[:nRead]

	now := loop.Now()
	e.mu.Lock()
	last := e.lastPacketNsec
	e.lastPacketNsec = now
	e.mu.Unlock()
	if last != 0 {
		slog.Debug("packet received", "component", "engine", "bytes", nRead, "interval_ns", now-last)
	}

	headerLen, err := activeCodec.StartDecode(sess, src)
	if err != nil {
		slog.Debug("start_decode rejected packet", "component", "engine", "err", err)
		return
	}
	if headerLen < 0 || headerLen > len(src) {
		slog.Warn("start_decode returned bad header length", "component", "engine", "header_len", headerLen)
		return
	}
	src = src[headerLen:]

	// One reservation covers the whole packet: sub-decodes accumulate
	// into it and the run commits once, so a mid-packet codec failure
	// discards everything instead of leaving a partial run in the ring.
	dst, avail := dbuf.GetWrite()
	if avail == 0 {
		return
	}

	total := 0
	for len(src) > 0 {
		if total >= avail {
			slog.Warn("decoded run exceeds reservation", "component", "engine", "avail", avail)
			return
		}
		consumed, written, err := activeCodec.Decode(sess, src, dst[total:])
		if err != nil {
			slog.Warn("decode failed, dropping packet", "component", "engine", "err", err)
			return
		}
		if written > avail-total {
			slog.Warn("decode overran reservation", "component", "engine", "written", written, "avail", avail-total)
			return
		}
		if consumed <= 0 || written <= 0 {
			break
		}
		total += written
		src = src[consumed:]
	}

	// Runs that race a stop are discarded rather than committed.
	if !e.running.Load() {
		return
	}
	dbuf.WritePacket(total)
}

// tickParams resolves the duration (in frames) and rate the engine
// should use to size this cycle, from the Position window if present
// and defaults otherwise (§4.5.2 step 3).
func (e *Engine) tickParams() (quantum, rate int) {
	e.mu.Lock()
	pos := e.positionWindow
	e.mu.Unlock()

	if pos != nil {
		_, denom := pos.Rate()
		duration := pos.DurationFrames.Load()
		if duration > 0 && denom > 0 {
			return int(duration), int(denom)
		}
	}
	return defaultQuantum, defaultRate
}

// setupMatching publishes the node's current rate-match state (§4.5.2
// step 4). When both the Position and RateMatch windows are present:
// rate = 1/corr, matching follows the follower flag, resampling when
// matching or the stream rate differs from the graph rate, and the
// window's ACTIVE flag tracks resampling. Otherwise both flags clear.
func (e *Engine) setupMatching(corr float64) {
	e.mu.Lock()
	rm := e.rateMatch
	pos := e.positionWindow
	format := e.format
	e.mu.Unlock()

	if rm == nil || pos == nil {
		e.mu.Lock()
		e.matching, e.resampling = false, false
		e.mu.Unlock()
		if rm != nil {
			rm.SetActive(false)
		}
		return
	}

	if corr <= 0 {
		corr = 1.0
	}
	rm.SetRate(1.0 / corr)

	matching := e.following.Load()
	_, denom := pos.Rate()
	resampling := matching || (format.Rate > 0 && denom > 0 && int64(format.Rate) != denom)
	rm.SetActive(resampling)

	e.mu.Lock()
	e.matching, e.resampling = matching, resampling
	e.mu.Unlock()
}

// onTimeout implements the graph timer tick (§4.5.2): advance
// current_time to the previously computed next_time, refresh rate
// matching, publish the clock window, announce data availability to the
// host, and re-arm for the next deadline.
func (e *Engine) onTimeout(expirations uint64) {
	if !e.running.Load() {
		return
	}

	e.mu.Lock()
	currentTime := e.nextTimeNsec
	if currentTime == 0 {
		currentTime = loop.Now()
	}
	e.currentTimeNsec = currentTime
	dbuf := e.dbuf
	clockWindow := e.clockWindow
	timer := e.graphTimer
	io := e.io
	e.mu.Unlock()

	e.updateFollowing()

	quantum, rate := e.tickParams()

	corr := 1.0
	if dbuf != nil {
		corr = dbuf.Corr()
	}
	e.setupMatching(corr)

	interval := int64(float64(quantum) * float64(clock.NsecPerSec) / corr / float64(rate))
	nextTime := currentTime + interval

	if clockWindow != nil {
		clockWindow.Publish(currentTime, int64(quantum), corr, nextTime)
	}

	e.mu.Lock()
	e.nextTimeNsec = nextTime
	e.mu.Unlock()

	if io != nil {
		io.Status.Store(clock.StatusHaveData)
	}
	if cb := e.node.readyCallback(); cb != nil {
		cb(StatusHaveData)
	}

	if timer != nil {
		if err := timer.ArmAbsolute(nextTime); err != nil {
			slog.Warn("re-arm timer failed", "component", "engine", "err", err)
		}
	}
}

// Process is the host-graph pull entrypoint (§4.5.3). It runs on the
// data thread (from the host's ready callback): recycle the buffer the
// host handed back, run the drift controller and buffer production, and
// publish the head of the ready list through the IO window.
func (e *Engine) Process() Status {
	e.mu.Lock()
	io := e.io
	e.mu.Unlock()

	if io != nil {
		if io.Status.Load() == clock.StatusHaveData {
			return StatusHaveData
		}
	} else if e.haveData.Load() {
		return StatusHaveData
	}

	if io != nil {
		if id := io.BufferID.Load(); id >= 0 && int(id) < e.pool.NBuffers() {
			if err := e.pool.Recycle(int(id)); err != nil {
				slog.Warn("recycle failed", "component", "engine", "buffer_id", id, "err", err)
			}
			io.BufferID.Store(clock.InvalidBufferID)
		}
	}

	e.processBuffering()

	b, ok := e.pool.DequeueReady()
	if !ok {
		return StatusOK
	}
	if io != nil {
		io.BufferID.Store(int32(b.ID))
		io.Status.Store(clock.StatusHaveData)
	}
	e.haveData.Store(true)
	return StatusHaveData
}

// AckBuffer clears the HAVE_DATA latch for hosts that exchange buffers
// without a BufferIO window; hosts with one reset its Status instead.
func (e *Engine) AckBuffer() {
	e.mu.Lock()
	io := e.io
	e.mu.Unlock()
	if io != nil {
		io.Status.Store(clock.StatusNeedData)
	}
	e.haveData.Store(false)
}

// processBuffering determines how many samples this cycle wants, runs
// the drift controller, and, if any PCM is buffered, fills one free
// pool buffer and appends it to ready (§4.5.3).
func (e *Engine) processBuffering() {
	e.mu.Lock()
	dbuf := e.dbuf
	format := e.format
	rm := e.rateMatch
	pos := e.positionWindow
	clockWindow := e.clockWindow
	resampling := e.resampling
	e.mu.Unlock()

	if dbuf == nil || !e.running.Load() {
		return
	}

	localRate := format.Rate
	if localRate <= 0 {
		localRate = defaultRate
	}
	quantum, graphRate := e.tickParams()

	var samples int
	switch {
	case resampling && rm != nil && rm.Size.Load() > 0:
		samples = int(rm.Size.Load())
	case pos != nil:
		samples = quantum * localRate / graphRate
	case clockWindow != nil && clockWindow.Duration() > 0:
		samples = int(clockWindow.Duration()) * localRate / defaultRate
	default:
		samples = defaultQuantum * localRate / defaultRate
	}
	if samples <= 0 {
		samples = quantum
	}

	dbuf.Process(samples, int64(quantum))

	frameSize := format.FrameSize()
	if frameSize <= 0 {
		return
	}
	if dbuf.Filled() == 0 {
		return
	}

	buf, ok := e.pool.DequeueFree()
	if !ok {
		return
	}

	wantBytes := samples * frameSize
	dst := buf.Segments[0].Data
	if len(dst) > wantBytes {
		dst = dst[:wantBytes]
	}

	total := 0
	for total < len(dst) {
		src, avail := dbuf.GetRead()
		if avail == 0 {
			break
		}
		nc := copy(dst[total:], src)
		dbuf.Read(nc)
		total += nc
		if nc < avail {
			break
		}
	}
	if total == 0 {
		if err := e.pool.Recycle(buf.ID); err != nil {
			slog.Warn("return empty buffer failed", "component", "engine", "err", err)
		}
		return
	}

	buf.Segments[0].Chunk = pool.Chunk{Offset: 0, Size: total, Stride: frameSize}
	if buf.Header != nil {
		e.mu.Lock()
		buf.Header.Seq = e.seq
		e.seq += uint64(total / frameSize)
		e.mu.Unlock()
		buf.Header.PTS = loop.Now()
		buf.Header.DTSOffset = 0
	} else {
		e.mu.Lock()
		e.seq += uint64(total / frameSize)
		e.mu.Unlock()
	}

	e.pool.EnqueueReady(buf)
}

// Pool exposes the engine's buffer pool so a host can dequeue ready
// buffers and recycle them once consumed.
func (e *Engine) Pool() *pool.Pool { return e.pool }
