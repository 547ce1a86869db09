// Package opuscodec adapts gopkg.in/hraban/opus.v2 to the codec.Codec
// contract, standing in for the Opus member of the codec family
// spec.md §2 names (SBC, AAC, aptX, LDAC, Opus). The decode half of the
// interface mirrors the opusDecoder seam in the teacher's
// client/audio.go (Decode(data []byte, pcm []int16) (int, error)),
// adapted from a full-duplex VoIP engine to this node's decode-only,
// session-per-stream contract.
package opuscodec

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
	opus "gopkg.in/hraban/opus.v2"

	"bken/a2dp-source/codec"
)

// maxFrameSamples bounds one Opus decode call; 120 ms at 48 kHz stereo
// is the largest frame Opus defines.
const maxFrameSamples = 48000 / 1000 * 120

type session struct {
	decoder *opus.Decoder
	format  codec.Format
	props   codec.Props
	pcm     []int16 // reused decode scratch buffer
}

// Codec decodes Opus-in-RTP payloads to interleaved PCM.
type Codec struct{}

// New returns an opuscodec.Codec.
func New() *Codec { return &Codec{} }

func (c *Codec) Name() string { return "opus" }

// Init creates an Opus decoder for the negotiated sample rate/channel
// count. configBlob is expected to carry the rate and the channel count
// as two big-endian uint32 values (8 bytes), the minimal negotiated
// configuration an A2DP Opus profile would exchange. A shorter blob, a
// zero rate or a channel count outside 1..2 falls back to 48 kHz and/or
// stereo, so callers that already know the format may pass nil and rely
// on the codec.Format returned being the 48 kHz/stereo default.
func (c *Codec) Init(flags codec.InitFlags, configBlob []byte, readMTU int) (codec.Session, codec.Format, codec.Props, error) {
	rate, channels := parseConfig(configBlob)

	dec, err := opus.NewDecoder(rate, channels)
	if err != nil {
		return nil, codec.Format{}, codec.Props{}, fmt.Errorf("opuscodec: new decoder: %w", err)
	}

	format := codec.Format{SampleFormat: codec.S16, Channels: channels, Rate: rate}
	return &session{
		decoder: dec,
		format:  format,
		pcm:     make([]int16, maxFrameSamples*channels),
	}, format, codec.Props{}, nil
}

func parseConfig(blob []byte) (rate, channels int) {
	rate, channels = 48000, 2
	if len(blob) < 8 {
		return
	}
	if r := int(binary.BigEndian.Uint32(blob[0:4])); r > 0 {
		rate = r
	}
	if ch := int(binary.BigEndian.Uint32(blob[4:8])); ch > 0 && ch <= 2 {
		channels = ch
	}
	return
}

func (c *Codec) Deinit(sess codec.Session) error { return nil }

// StartDecode strips the RTP header the transport wraps Opus payloads
// in, per §4.3.
func (c *Codec) StartDecode(sess codec.Session, src []byte) (int, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(src); err != nil {
		return 0, fmt.Errorf("opuscodec: parse rtp header: %w", err)
	}
	return len(src) - len(pkt.Payload), nil
}

// Decode runs one Opus decode call on src (one Opus packet = one call;
// looping across multiple packets in a read is the caller's job per
// §4.3) and writes interleaved S16LE PCM into dst.
func (c *Codec) Decode(sess codec.Session, src []byte, dst []byte) (int, int, error) {
	s, ok := sess.(*session)
	if !ok {
		return 0, 0, fmt.Errorf("opuscodec: Decode: wrong session type")
	}
	if len(src) == 0 {
		return 0, 0, nil
	}

	n, err := s.decoder.Decode(src, s.pcm)
	if err != nil {
		return 0, 0, fmt.Errorf("opuscodec: decode: %w", err)
	}

	samples := n * s.format.Channels
	needBytes := samples * 2
	if needBytes > len(dst) {
		samples = len(dst) / 2
		needBytes = samples * 2
	}
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(s.pcm[i]))
	}
	return len(src), needBytes, nil
}

func (c *Codec) EnumConfig(sess codec.Session, index int) (codec.Format, bool) {
	s, ok := sess.(*session)
	if !ok || index != 0 {
		return codec.Format{}, false
	}
	return s.format, true
}

func (c *Codec) EnumProps(sess codec.Session, index int) (string, bool) { return "", false }

func (c *Codec) SetProps(sess codec.Session, props *codec.Props) error {
	s, ok := sess.(*session)
	if !ok {
		return fmt.Errorf("opuscodec: SetProps: wrong session type")
	}
	if props == nil {
		s.props = codec.Props{}
		return nil
	}
	s.props = *props
	return nil
}

// UpdateProps is a no-op: Opus negotiates bitrate/FEC on the encode
// side, which this decode-only adapter never owns (§9 Open Question:
// apply_props has no node-level fields to apply for this codec).
func (c *Codec) UpdateProps(sess codec.Session) error { return nil }

func (c *Codec) DuplexCapable() bool      { return false }
func (c *Codec) DuplexCodec() codec.Codec { return nil }
