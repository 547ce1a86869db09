// Package decodebuf implements the DecodeBuffer described in spec.md
// §4.1: a single-producer/single-consumer ring of decoded PCM plus the
// drift controller that reconciles the remote device's clock against
// the local graph clock. The ring's indexing is grounded on the
// power-of-two masked ring in client/internal/jitter.go; the drift
// controller's smoothing is grounded on the EWMA technique in
// client/internal/adapt.go's SmoothLoss, generalized from a scalar loss
// estimate to a continuously-converging rate-correction coefficient.
package decodebuf

// Bounds on the correction coefficient corr = local_rate / remote_rate.
// A coefficient this far from 1.0 would imply a ~1% clock error, already
// far outside what any real Bluetooth crystal drifts.
const (
	CorrMin = 0.990
	CorrMax = 1.010
)

// alpha is the EWMA weight given to each new fill-level sample, the same
// role client/internal/adapt.go's SmoothLoss alpha plays for packet
// loss smoothing.
const alpha = 0.1

// gain is the proportional gain applied to the smoothed fill-level
// error when adjusting corr.
const gain = 0.25

// Buffer is a single-producer/single-consumer ring of decoded PCM bytes
// plus drift-tracking state. It is not safe for concurrent use across
// goroutines beyond the classic SPSC pattern (one writer thread calling
// GetWrite/WritePacket, one reader thread calling GetRead/Read/Process);
// in this engine both happen to run on the same data-loop goroutine.
type Buffer struct {
	data []byte
	// readPos/writePos are byte offsets into data, both taken mod
	// len(data). Equal positions mean either empty or full, so the fill
	// level is tracked separately in filled.
	readPos, writePos int
	filled            int // bytes currently buffered, 0..len(data)

	frameSize int
	rate      int

	targetFill   int
	corr         float64
	smoothedFill float64
	haveSmoothed bool

	// reservation tracks an in-flight GetWrite() region awaiting
	// WritePacket(); zero when no reservation is outstanding.
	reservation int
}

// New allocates a Buffer sized for rate and a scheduler quantum bounded
// by [quantumLimitMin, quantumLimitMax] frames, per Init's contract.
func New(frameSize, rate int, quantumLimitMin, quantumLimitMax int) *Buffer {
	b := &Buffer{}
	b.Init(frameSize, rate, quantumLimitMin, quantumLimitMax)
	return b
}

// Init (re)allocates capacity for the given format and scheduler
// quantum bounds. Capacity holds several quanta of audio at the upper
// quantum bound so transient scheduler jitter never starves the ring.
func (b *Buffer) Init(frameSize, rate int, quantumLimitMin, quantumLimitMax int) {
	if frameSize <= 0 {
		frameSize = 1
	}
	if rate <= 0 {
		rate = 48000
	}
	quantum := quantumLimitMax
	if quantum <= 0 {
		quantum = quantumLimitMin
	}
	if quantum <= 0 {
		quantum = 1024
	}

	const quantaOfCapacity = 4
	capacityFrames := quantum * quantaOfCapacity
	capacityBytes := capacityFrames * frameSize
	if capacityBytes < frameSize {
		capacityBytes = frameSize
	}

	b.data = make([]byte, capacityBytes)
	b.frameSize = frameSize
	b.rate = rate
	b.readPos, b.writePos, b.filled = 0, 0, 0
	b.reservation = 0

	const targetQuanta = 2
	b.targetFill = quantum * targetQuanta * frameSize
	if b.targetFill > capacityBytes {
		b.targetFill = capacityBytes
	}
	b.corr = 1.0
	b.smoothedFill = 0
	b.haveSmoothed = false
}

// GetWrite reserves a contiguous write region and returns it along with
// its maximum byte length. The caller must write at most maxBytes
// before calling WritePacket.
func (b *Buffer) GetWrite() (ptr []byte, maxBytes int) {
	free := len(b.data) - b.filled
	if free <= 0 {
		return nil, 0
	}
	// Contiguous run from writePos to either free bytes or the
	// physical end of the ring, whichever is smaller.
	run := len(b.data) - b.writePos
	if run > free {
		run = free
	}
	b.reservation = run
	return b.data[b.writePos : b.writePos+run], run
}

// WritePacket commits nBytes of the most recent GetWrite reservation.
func (b *Buffer) WritePacket(nBytes int) {
	if nBytes < 0 {
		nBytes = 0
	}
	if nBytes > b.reservation {
		nBytes = b.reservation
	}
	b.writePos = (b.writePos + nBytes) % len(b.data)
	b.filled += nBytes
	b.reservation = 0
}

// GetRead returns the current readable region (bounded to one
// contiguous run; a consumer needing more than one run calls Read and
// GetRead again).
func (b *Buffer) GetRead() (ptr []byte, avail int) {
	if b.filled == 0 {
		return nil, 0
	}
	run := len(b.data) - b.readPos
	if run > b.filled {
		run = b.filled
	}
	return b.data[b.readPos : b.readPos+run], run
}

// Read consumes nBytes from the readable region.
func (b *Buffer) Read(nBytes int) {
	if nBytes < 0 {
		nBytes = 0
	}
	if nBytes > b.filled {
		nBytes = b.filled
	}
	b.readPos = (b.readPos + nBytes) % len(b.data)
	b.filled -= nBytes
}

// Filled returns the number of bytes currently buffered.
func (b *Buffer) Filled() int { return b.filled }

// Corr returns the current drift-correction coefficient
// (local_sample_rate / remote_sample_rate).
func (b *Buffer) Corr() float64 { return b.corr }

// Process runs the drift controller for one graph tick: it compares the
// current fill level against the target fill level and updates corr,
// clamped to [CorrMin, CorrMax]. samplesWanted and clockDuration are
// accepted per the spec's contract (the control law is a pure function
// of a bounded history of (fill, samplesWanted, clockDuration) triples)
// but this implementation's law depends only on the smoothed fill
// error; samplesWanted/clockDuration are retained for callers that want
// to log or extend the law, and so the signature matches §4.1 exactly.
func (b *Buffer) Process(samplesWanted int, clockDuration int64) float64 {
	fill := float64(b.filled)

	if !b.haveSmoothed {
		b.smoothedFill = fill
		b.haveSmoothed = true
	} else {
		b.smoothedFill = alpha*fill + (1-alpha)*b.smoothedFill
	}

	target := float64(b.targetFill)
	if target <= 0 {
		target = 1
	}
	errFrac := (target - b.smoothedFill) / target

	// errFrac > 0 means the buffer is running below target (the remote
	// is effectively producing slower than the local graph consumes),
	// so corr (local/remote) moves up; errFrac < 0 moves it down. This
	// keeps corr monotone in the fill-level error, as required.
	corr := 1.0 + gain*errFrac
	if corr < CorrMin {
		corr = CorrMin
	}
	if corr > CorrMax {
		corr = CorrMax
	}
	b.corr = corr
	return corr
}

// Recover re-centers the drift history after a follower-role change or
// an underrun, so a stale fill-error estimate doesn't cause a corr
// overshoot on the next tick.
func (b *Buffer) Recover() {
	b.haveSmoothed = false
	b.corr = 1.0
}

// Clear empties the ring and resets drift state, without releasing the
// underlying allocation (a later Init still resizes as needed).
func (b *Buffer) Clear() {
	b.readPos, b.writePos, b.filled, b.reservation = 0, 0, 0, 0
	b.Recover()
}
