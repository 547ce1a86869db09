//go:build linux

package loop

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// maxEvents bounds one EpollWait call's batch size; the sources this
// node registers (socket, graph timer, optional duplex timer, wake fd)
// never exceed a handful, so this is generous headroom, not a tuning
// knob.
const maxEvents = 16

type epollLoop struct {
	epfd   int
	wakeFD int

	mu      sync.Mutex
	sources map[int]FDHandler
	timers  map[int]*epollTimer
	closed  bool

	cmdCh chan func()
	doneC chan struct{}
}

// New returns a Loop backed by Linux epoll and timerfd.
func New() (Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("loop: epoll_create1: %w", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("loop: eventfd: %w", err)
	}

	l := &epollLoop{
		epfd:    epfd,
		wakeFD:  wakeFD,
		sources: make(map[int]FDHandler),
		timers:  make(map[int]*epollTimer),
		cmdCh:   make(chan func(), 64),
		doneC:   make(chan struct{}),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(wakeFD)
		return nil, fmt.Errorf("loop: register wake fd: %w", err)
	}

	return l, nil
}

func (l *epollLoop) AddSocketSource(fd int, handler FDHandler) (func() error, error) {
	l.mu.Lock()
	l.sources[fd] = handler
	l.mu.Unlock()

	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		l.mu.Lock()
		delete(l.sources, fd)
		l.mu.Unlock()
		return nil, fmt.Errorf("loop: add socket source: %w", err)
	}

	return func() error {
		l.mu.Lock()
		delete(l.sources, fd)
		l.mu.Unlock()
		if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			return fmt.Errorf("loop: remove socket source: %w", err)
		}
		return nil
	}, nil
}

func (l *epollLoop) NewTimer(handler TimerHandler) (Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("loop: timerfd_create: %w", err)
	}

	t := &epollTimer{fd: fd, loop: l, handler: handler}

	l.mu.Lock()
	l.timers[fd] = t
	l.mu.Unlock()

	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}); err != nil {
		l.mu.Lock()
		delete(l.timers, fd)
		l.mu.Unlock()
		unix.Close(fd)
		return nil, fmt.Errorf("loop: register timer source: %w", err)
	}
	return t, nil
}

func (l *epollLoop) Invoke(fn func()) {
	done := make(chan struct{})
	l.cmdCh <- func() {
		fn()
		close(done)
	}
	l.wake()
	<-done
}

func (l *epollLoop) wake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(l.wakeFD, buf[:])
}

func (l *epollLoop) Run() error {
	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("loop: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			mask := events[i].Events

			switch {
			case fd == l.wakeFD:
				l.drainWake()
			default:
				l.mu.Lock()
				timer, isTimer := l.timers[fd]
				handler, isSource := l.sources[fd]
				l.mu.Unlock()

				switch {
				case isTimer:
					timer.onReadable()
				case isSource:
					handler(translateMask(mask))
				default:
					// Source was removed between EpollWait returning
					// and dispatch; nothing to do.
				}
			}
		}

		select {
		case <-l.doneC:
			return nil
		default:
		}
	}
}

func (l *epollLoop) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(l.wakeFD, buf[:])

	for {
		select {
		case fn := <-l.cmdCh:
			fn()
		default:
			return
		}
	}
}

func (l *epollLoop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.doneC)
	l.wake()

	if err := unix.Close(l.epfd); err != nil {
		slog.Warn("loop close epfd", "component", "loop", "err", err)
	}
	return unix.Close(l.wakeFD)
}

// Now returns the current CLOCK_MONOTONIC time in nanoseconds, the
// clock timerfd's absolute-time arming is relative to. Engine code must
// use this instead of time.Now() when computing ArmAbsolute deadlines.
func Now() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Nano()
}

func translateMask(mask uint32) uint32 {
	var out uint32
	if mask&unix.EPOLLIN != 0 {
		out |= Readable
	}
	if mask&unix.EPOLLHUP != 0 {
		out |= HangUp
	}
	if mask&unix.EPOLLERR != 0 {
		out |= Err
	}
	return out
}

type epollTimer struct {
	fd      int
	loop    *epollLoop
	handler TimerHandler
}

func (t *epollTimer) ArmAbsolute(nsec int64) error {
	spec := &unix.ItimerSpec{
		Value: unix.NsecToTimespec(nsec),
	}
	if err := unix.TimerfdSettime(t.fd, unix.TFD_TIMER_ABSTIME, spec, nil); err != nil {
		return fmt.Errorf("loop: timerfd_settime(absolute): %w", err)
	}
	return nil
}

func (t *epollTimer) ArmPeriodic(period time.Duration) error {
	ts := unix.NsecToTimespec(period.Nanoseconds())
	spec := &unix.ItimerSpec{
		Interval: ts,
		Value:    ts,
	}
	if err := unix.TimerfdSettime(t.fd, 0, spec, nil); err != nil {
		return fmt.Errorf("loop: timerfd_settime(periodic): %w", err)
	}
	return nil
}

func (t *epollTimer) Disarm() error {
	var zero unix.ItimerSpec
	return unix.TimerfdSettime(t.fd, 0, &zero, nil)
}

func (t *epollTimer) Close() error {
	t.loop.mu.Lock()
	delete(t.loop.timers, t.fd)
	t.loop.mu.Unlock()

	if err := unix.EpollCtl(t.loop.epfd, unix.EPOLL_CTL_DEL, t.fd, nil); err != nil {
		return fmt.Errorf("loop: remove timer source: %w", err)
	}
	return unix.Close(t.fd)
}

func (t *epollTimer) onReadable() {
	var buf [8]byte
	n, err := unix.Read(t.fd, buf[:])
	if err != nil || n != 8 {
		return
	}
	expirations := binary.LittleEndian.Uint64(buf[:])
	t.handler(expirations)
}
