package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

// Node is one playback processor node. PCM pushed through Play runs the
// module chain and feeds the Pulse playback stream opened by ConnectOutput.
type Node struct {
	module *Module
	client *pulse.Client // borrowed from the owning engine

	pr *io.PipeReader
	pw *io.PipeWriter

	mu        sync.Mutex
	stream    *pulse.PlaybackStream
	connected bool
	closed    bool
}

// Module returns the processor chain this node was built from.
func (n *Node) Module() *Module {
	return n.module
}

// ConnectOutput opens the playback stream toward the default sink.
// Audio pushed before ConnectOutput blocks until the stream drains it.
func (n *Node) ConnectOutput() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return errors.New("node is closed")
	}
	if n.connected {
		return nil
	}

	stream, err := n.client.NewPlayback(
		pulse.NewReader(n.pr, pulseproto.FormatInt16LE),
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(SampleRate),
		pulse.PlaybackLatency(0.1),
	)
	if err != nil {
		return fmt.Errorf("open playback stream: %w", err)
	}

	n.stream = stream
	n.connected = true
	stream.Start()
	return nil
}

// Connected reports whether the node output is wired to the sink.
func (n *Node) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

// Play processes one block of s16le PCM through the module chain and
// queues it for playback.
func (n *Node) Play(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm block length %d is not sample-aligned", len(pcm))
	}

	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return errors.New("node is closed")
	}

	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	n.module.Process(samples)

	out := make([]byte, len(pcm))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}

	if _, err := n.pw.Write(out); err != nil {
		return fmt.Errorf("queue playback block: %w", err)
	}
	return nil
}

// Close tears the node down and stops playback. Safe to call twice.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true

	_ = n.pw.Close()
	if n.stream != nil {
		n.stream.Stop()
		n.stream.Close()
		n.stream = nil
	}
	_ = n.pr.Close()
	return nil
}
