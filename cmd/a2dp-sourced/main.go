// Command a2dp-sourced wires a single Bluetooth A2DP source node into a
// minimal host loop, for local testing without a full graph process.
// It negotiates a fixed format against a loopback transport and logs
// every pool buffer the engine produces.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/pion/rtp"

	"bken/a2dp-source/clock"
	"bken/a2dp-source/codec"
	"bken/a2dp-source/codec/rawcodec"
	"bken/a2dp-source/config"
	"bken/a2dp-source/loop"
	"bken/a2dp-source/node"
	"bken/a2dp-source/pool"
	"bken/a2dp-source/transport"
)

func main() {
	rate := flag.Int("rate", 48000, "PCM sample rate to negotiate")
	channels := flag.Int("channels", 2, "PCM channel count to negotiate")
	nBuffers := flag.Int("buffers", 4, "number of pool buffers to configure")
	quantumLimit := flag.Uint("quantum-limit", config.DefaultQuantumLimit, "scheduler quantum limit in frames")
	duration := flag.Duration("run", 5*time.Second, "how long to run before exiting (0 = until interrupted)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	l, err := loop.New()
	if err != nil {
		slog.Error("create loop", "err", err)
		os.Exit(1)
	}
	defer l.Close()
	go func() {
		if err := l.Run(); err != nil {
			slog.Error("loop run", "err", err)
		}
	}()

	format := codec.Format{SampleFormat: codec.S16, Channels: *channels, Rate: *rate}
	fake := transport.NewFake("raw", nil, 1024, 1024)
	defer fake.Close()
	c := rawcodec.New(format)
	cfg := config.Parse(map[string]string{
		"clock.quantum-limit": strconv.FormatUint(uint64(*quantumLimit), 10),
	})

	n := node.New(l, fake, c, cfg)
	n.AddListener(logListener{})

	if err := n.Port().PortSetParam(&node.AudioFormat{
		SampleFormat: format.SampleFormat,
		Channels:     format.Channels,
		Rate:         format.Rate,
	}); err != nil {
		slog.Error("negotiate format", "err", err)
		os.Exit(1)
	}

	frameSize := format.FrameSize()
	bufBytes := int(*quantumLimit) * 2 * frameSize
	specs := make([]node.BufferSpec, *nBuffers)
	for i := range specs {
		specs[i] = node.BufferSpec{
			ID: i,
			Segments: []pool.Segment{
				{Mapped: true, Data: make([]byte, bufBytes), Chunk: pool.Chunk{Size: bufBytes, Stride: frameSize}},
			},
			Header: &pool.Header{},
		}
	}
	if err := n.Port().PortUseBuffers(specs); err != nil {
		slog.Error("install buffers", "err", err)
		os.Exit(1)
	}

	io := clock.NewBufferIO()
	if err := n.Port().PortSetIO(node.IOBuffers, io); err != nil {
		slog.Error("install buffer io", "err", err)
		os.Exit(1)
	}
	cw := &clock.Clock{}
	if err := n.SetIO(node.IOClock, cw); err != nil {
		slog.Error("install clock io", "err", err)
		os.Exit(1)
	}

	// The ready callback stands in for the graph scheduler: on every
	// tick it pulls, consumes whatever buffer id the node published, and
	// hands the id straight back for recycling.
	n.SetReadyCallback(func(node.Status) {
		io.Status.Store(clock.StatusNeedData)
		if n.Process() != node.StatusHaveData {
			return
		}
		slog.Info("buffer produced",
			"buffer_id", io.BufferID.Load(),
			"clock_position", cw.Position(),
			"rate_diff", cw.RateDiff())
		io.Status.Store(clock.StatusNeedData)
	})

	if err := n.SendCommand(node.CmdStart); err != nil {
		slog.Error("start node", "err", err)
		os.Exit(1)
	}
	defer n.Clear()

	stopFeed := make(chan struct{})
	defer close(stopFeed)
	go feedSilence(fake, frameSize, *rate, stopFeed)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	var timeoutCh <-chan time.Time
	if *duration > 0 {
		timer := time.NewTimer(*duration)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-sigCh:
		slog.Info("interrupted")
	case <-timeoutCh:
		slog.Info("run duration elapsed")
	}
}

// feedSilence stands in for the remote Bluetooth peer: it writes
// RTP-framed silent PCM to the fake transport's remote end at one
// packet per 10ms quantum, the cadence the engine's socket reactor
// expects to service (§4.5.1).
func feedSilence(fake *transport.Fake, frameSize, rate int, stop <-chan struct{}) {
	const quantumMs = 10
	frames := rate * quantumMs / 1000
	payload := make([]byte, frames*frameSize)

	ticker := time.NewTicker(quantumMs * time.Millisecond)
	defer ticker.Stop()

	var seq uint16
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			pkt := rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					SequenceNumber: seq,
					Timestamp:      uint32(seq) * uint32(frames),
				},
				Payload: payload,
			}
			seq++
			raw, err := pkt.Marshal()
			if err != nil {
				slog.Warn("marshal demo packet", "err", err)
				continue
			}
			if err := fake.WriteRemote(raw); err != nil {
				slog.Warn("write demo packet", "err", err)
				return
			}
		}
	}
}

type logListener struct{}

func (logListener) OnNodeInfo(info node.NodeInfo) {
	slog.Info("node info", "media.class", info.Props["media.class"], "latency", info.Props["node.latency"])
}

func (logListener) OnPortInfo(info node.PortInfo) {
	slog.Debug("port info", "rate", info.RateNum, "denom", info.RateDenom)
}
