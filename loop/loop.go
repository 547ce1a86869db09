// Package loop implements the DataLoop/DataSystem collaborators from
// §6 of the spec: the single-threaded reactor the data path runs on,
// plus timer-fd creation on CLOCK_MONOTONIC. It is the idiomatic-Go
// equivalent of the host graph's callback-based event loop described in
// §9 — one goroutine owns an epoll instance, dispatches socket and
// timer readiness to registered handlers, and drains a command queue
// for cross-thread invocation, instead of a worker pool.
package loop

import "time"

// FDHandler is invoked when a registered fd becomes ready. events is the
// readiness mask observed (Readable/etc.); handlers that see a mask they
// don't expect should log and deregister, per §4.5.1.
type FDHandler func(events uint32)

// Readiness bits passed to FDHandler, a small subset of epoll's that the
// spec's sources actually care about.
const (
	Readable uint32 = 1 << iota
	HangUp
	Err
)

// TimerHandler is invoked when a timer fires. expirations counts how
// many periods elapsed since the last read (normally 1; >1 signals the
// loop fell behind).
type TimerHandler func(expirations uint64)

// Timer is a registered timer-fd source.
type Timer interface {
	// ArmAbsolute schedules the next (single-shot) expiration at the
	// given CLOCK_MONOTONIC nanosecond timestamp, per §4.5.2 step 8.
	ArmAbsolute(nsec int64) error
	// ArmPeriodic schedules a recurring timer at the given period,
	// used for the duplex polling workaround (§4.5).
	ArmPeriodic(period time.Duration) error
	// Disarm stops the timer without removing its source registration.
	Disarm() error
	// Close removes the timer's source and releases its fd.
	Close() error
}

// Loop is the data-thread reactor: one goroutine, one poll, dispatching
// to FDHandler/TimerHandler callbacks and draining a cross-thread
// command queue each time its wake eventfd is reported readable (§5, §9).
type Loop interface {
	// AddSocketSource registers fd for readability and returns a
	// removal function. Level-triggered, matching §4.5's socket source.
	AddSocketSource(fd int, handler FDHandler) (remove func() error, err error)
	// NewTimer creates a new, initially disarmed timer source on
	// CLOCK_MONOTONIC.
	NewTimer(handler TimerHandler) (Timer, error)

	// Invoke marshals fn onto the data thread and blocks until it has
	// run, the synchronous cross-thread invoke primitive §5 and §9
	// require for source add/remove and codec teardown.
	Invoke(fn func())

	// Run blocks, dispatching events, until Close is called.
	Run() error
	// Close stops Run and releases the loop's own resources (but not
	// sources the caller forgot to remove).
	Close() error
}
