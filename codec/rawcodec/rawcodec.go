// Package rawcodec implements an RTP-framed, identity-decode Codec: the
// payload after the RTP header is raw PCM already, so Decode is a
// straight copy. It exists for two reasons: it is what the testable
// property in spec.md §8 ("For a codec whose decode is the identity on
// PCM, bytes_in == bytes_out") needs to exercise, and it demonstrates
// the RTP-header-stripping half of §4.3's start_decode contract using
// github.com/pion/rtp, the same package other_examples' ka9q-radio
// audio.go uses to parse an inbound RTP stream before handling PCM.
package rawcodec

import (
	"fmt"

	"github.com/pion/rtp"

	"bken/a2dp-source/codec"
)

// Codec is a stateless identity codec operating on RTP-framed PCM.
type Codec struct {
	format codec.Format
}

// New returns a rawcodec.Codec that will decode to the given PCM format.
func New(format codec.Format) *Codec {
	return &Codec{format: format}
}

func (c *Codec) Name() string { return "raw" }

type session struct {
	format codec.Format
	props  codec.Props
}

func (c *Codec) Init(flags codec.InitFlags, configBlob []byte, readMTU int) (codec.Session, codec.Format, codec.Props, error) {
	return &session{format: c.format}, c.format, codec.Props{}, nil
}

func (c *Codec) Deinit(sess codec.Session) error { return nil }

// StartDecode parses and strips the RTP header, returning its length.
func (c *Codec) StartDecode(sess codec.Session, src []byte) (int, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(src); err != nil {
		return 0, fmt.Errorf("rawcodec: parse rtp header: %w", err)
	}
	return len(src) - len(pkt.Payload), nil
}

// Decode copies src to dst unchanged (identity), bounded by dst's
// capacity — matching §4.3's "written < avail" invariant enforced by
// the caller, not here.
func (c *Codec) Decode(sess codec.Session, src []byte, dst []byte) (int, int, error) {
	if len(src) == 0 {
		return 0, 0, nil
	}
	n := len(src)
	if n > len(dst) {
		n = len(dst)
	}
	copy(dst[:n], src[:n])
	return n, n, nil
}

func (c *Codec) EnumConfig(sess codec.Session, index int) (codec.Format, bool) {
	if index != 0 {
		return codec.Format{}, false
	}
	return c.format, true
}

func (c *Codec) EnumProps(sess codec.Session, index int) (string, bool) { return "", false }

func (c *Codec) SetProps(sess codec.Session, props *codec.Props) error {
	s, ok := sess.(*session)
	if !ok {
		return fmt.Errorf("rawcodec: SetProps: wrong session type")
	}
	if props == nil {
		s.props = codec.Props{}
		return nil
	}
	s.props = *props
	return nil
}

func (c *Codec) UpdateProps(sess codec.Session) error { return nil }

func (c *Codec) DuplexCapable() bool   { return false }
func (c *Codec) DuplexCodec() codec.Codec { return nil }
