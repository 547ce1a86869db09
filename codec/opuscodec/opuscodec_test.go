package opuscodec

import (
	"encoding/binary"
	"testing"

	"github.com/pion/rtp"
)

func TestParseConfigDefaults(t *testing.T) {
	rate, channels := parseConfig(nil)
	if rate != 48000 || channels != 2 {
		t.Fatalf("parseConfig(nil) = (%d, %d), want (48000, 2)", rate, channels)
	}
}

func TestParseConfigHonorsBlob(t *testing.T) {
	blob := make([]byte, 8)
	binary.BigEndian.PutUint32(blob[0:4], 24000)
	binary.BigEndian.PutUint32(blob[4:8], 1)

	rate, channels := parseConfig(blob)
	if rate != 24000 || channels != 1 {
		t.Fatalf("parseConfig(blob) = (%d, %d), want (24000, 1)", rate, channels)
	}
}

func TestParseConfigRejectsInvalidChannelCount(t *testing.T) {
	blob := make([]byte, 8)
	binary.BigEndian.PutUint32(blob[0:4], 48000)
	binary.BigEndian.PutUint32(blob[4:8], 6) // opus mono/stereo only in this adapter
	_, channels := parseConfig(blob)
	if channels != 2 {
		t.Fatalf("parseConfig with invalid channel count = %d, want fallback 2", channels)
	}
}

func TestStartDecodeStripsRTPHeaderLength(t *testing.T) {
	c := New()
	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: 7, Timestamp: 960, SSRC: 1},
		Payload: []byte{0xAA, 0xBB, 0xCC},
	}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	n, err := c.StartDecode(nil, raw)
	if err != nil {
		t.Fatalf("StartDecode: %v", err)
	}
	if got := len(raw) - n; got != 3 {
		t.Fatalf("payload remaining = %d, want 3", got)
	}
}
