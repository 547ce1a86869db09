// Package codec defines the Codec adapter contract (§4.3 of the spec):
// a uniform capability set wrapping whichever concrete variant
// (SBC, AAC, aptX, LDAC, Opus, ...) a transport negotiated. Concrete
// codecs are stateless with respect to the node; all per-stream state
// lives behind the opaque Session they return from Init.
package codec

// SampleFormat is one of the sample formats the node's AudioFormat can
// carry (§3).
type SampleFormat int

const (
	S16 SampleFormat = iota
	S24
	S24_32
	S32
	F32
)

// BytesPerSample returns the storage size of one sample in fmt.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case S16:
		return 2
	case S24:
		return 3
	case S24_32, S32, F32:
		return 4
	default:
		return 0
	}
}

// Format describes the decoded PCM a codec produces.
type Format struct {
	SampleFormat SampleFormat
	Channels     int
	Rate         int
}

// FrameSize returns channels * bytes_per_sample(format), per §3.
func (f Format) FrameSize() int {
	return f.Channels * f.SampleFormat.BytesPerSample()
}

// Props is the node-visible property bag a codec exposes via
// enum_props/set_props (§4.3). Only the fields a real codec plugin
// commonly negotiates are modeled; everything else is opaque to this
// core and left to the concrete codec.
type Props struct {
	// ChannelMode is a codec-specific hint ("mono", "joint_stereo",
	// "dual_channel", "stereo"); empty means "use codec default".
	ChannelMode string
	// MinBitpool/MaxBitpool bound SBC-style bitpool negotiation; codecs
	// that don't use a bitpool ignore these.
	MinBitpool, MaxBitpool int
}

// Session is opaque per-stream codec state, created by Init and
// destroyed by Deinit. The node never inspects its contents.
type Session interface{}

// InitFlags modifies codec session construction.
type InitFlags uint32

// FlagSink marks a node acting as an A2DP sink (decoding), the flag the
// engine passes unless the session is duplex (§4.5.4 step 3).
const FlagSink InitFlags = 1 << 0

// Codec is the capability set every concrete codec variant implements.
type Codec interface {
	// Name identifies the codec in logs ("sbc", "aac", "aptx", "ldac",
	// "opus"); media.class does not depend on it.
	Name() string

	// Init creates a session from the transport-negotiated configuration
	// blob and the transport's read MTU, returning the decoded PCM format
	// and the codec's default props.
	Init(flags InitFlags, configBlob []byte, readMTU int) (sess Session, format Format, props Props, err error)
	// Deinit releases sess. The node calls this exactly once per session
	// returned by Init.
	Deinit(sess Session) error

	// StartDecode consumes any framing header (e.g. RTP) at the front of
	// src and returns how many bytes it consumed. An error aborts the
	// current read (non-fatal — §4.3).
	StartDecode(sess Session, src []byte) (headerLen int, err error)
	// Decode consumes as much of src as one decode step produces; the
	// caller loops until src is exhausted. Returns bytes consumed from
	// src and bytes written to dst. A zero or negative dstWritten (with
	// nil error) tells the caller to stop looping early.
	Decode(sess Session, src []byte, dst []byte) (srcConsumed, dstWritten int, err error)

	// EnumConfig produces configuration descriptors for negotiation
	// (delegated-to target of NodeStateMachine's EnumFormat, §4.4).
	EnumConfig(sess Session, index int) (Format, bool)
	// EnumProps produces property descriptors for negotiation (delegated
	// target of NodeStateMachine's PropInfo, §4.4).
	EnumProps(sess Session, index int) (name string, ok bool)
	// SetProps applies a property update; nil resets to codec defaults
	// per the Open Question in spec.md §9 ("apply_props ... is
	// effectively a no-op aside from reset-to-defaults on a null
	// parameter").
	SetProps(sess Session, props *Props) error
	// UpdateProps applies props marked dirty by a prior SetProps,
	// called by the socket reactor before the next decode (§4.5.1).
	UpdateProps(sess Session) error

	// DuplexCapable reports whether this codec needs the duplex polling
	// timer workaround instead of socket readiness (§4.5, Open Question
	// in §9: a capability bit rather than a hardcoded condition).
	DuplexCapable() bool
	// DuplexCodec returns the alternate codec to use when the node is
	// configured for duplex operation, or nil if this codec has none.
	DuplexCodec() Codec
}
