package registry

import (
	"sync"

	"github.com/nodecrate/mqttbridge/pkg/buffer"
)

// sinkWarnThreshold is the queued-message count above which
// WarnThresholdExceeded reports true; it is not a hard cap.
const sinkWarnThreshold = 10_000

// sinkInitialCapacity is only a size hint for the backing buffer.Buffer; it
// grows past this without blocking the writer.
const sinkInitialCapacity = 16

// PeerSink is a non-blocking, unbounded outbound queue to one peer, backed
// by buffer.Buffer so sends never block the caller (a broker loop or the
// dispatcher) even when the peer's WebSocket write side is slow to drain.
type PeerSink struct {
	addr  string
	queue *buffer.Buffer[[]byte]
}

// NewPeerSink creates an open sink for addr.
func NewPeerSink(addr string) *PeerSink {
	return &PeerSink{addr: addr, queue: buffer.N[[]byte](sinkInitialCapacity)}
}

// Addr returns the peer address this sink was created for.
func (s *PeerSink) Addr() string { return s.addr }

// Send enqueues a frame for delivery. It reports false if the sink has
// already been closed, in which case the caller should treat the send as
// failed-closed and may opportunistically remove the sink from its
// registry.
func (s *PeerSink) Send(frame []byte) bool {
	return s.queue.Add(frame) == nil
}

// QueueDepth reports the number of frames currently queued, for telemetry.
func (s *PeerSink) QueueDepth() int {
	return s.queue.Len()
}

// WarnThresholdExceeded reports whether the queue has grown past the point
// worth logging.
func (s *PeerSink) WarnThresholdExceeded() bool {
	return s.QueueDepth() > sinkWarnThreshold
}

// Next blocks until a frame is available or the sink is closed and drained.
// It returns ok=false once there is nothing left to deliver, signalling the
// drain loop to stop.
//
// It reads one frame through buffer.Buffer.Read, which consumes from the
// head of the queue and so preserves delivery order.
func (s *PeerSink) Next() (frame []byte, ok bool) {
	out := make([][]byte, 1)
	n, err := s.queue.Read(out)
	if err != nil || n == 0 {
		return nil, false
	}
	return out[0], true
}

// Close marks the sink closed for further sends and wakes any blocked drain
// loop once the remaining queued frames have been delivered. Idempotent.
func (s *PeerSink) Close() {
	s.queue.CloseWrite()
}

// PeerRegistry is the concurrent map from peer address to PeerSink.
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[string]*PeerSink
}

// NewPeerRegistry creates an empty peer registry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{peers: make(map[string]*PeerSink)}
}

// Insert adds sink under its own address.
func (p *PeerRegistry) Insert(sink *PeerSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers[sink.Addr()] = sink
}

// Remove deletes the sink for addr, if present.
func (p *PeerRegistry) Remove(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.peers, addr)
}

// snapshot returns the current set of sinks without holding the registry
// lock during delivery.
func (p *PeerRegistry) snapshot() []*PeerSink {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*PeerSink, 0, len(p.peers))
	for _, sink := range p.peers {
		out = append(out, sink)
	}
	return out
}

// Broadcast sends one already-encoded frame to every current peer sink. Any sink that reports closed is
// opportunistically removed from the registry.
func (p *PeerRegistry) Broadcast(frame []byte) {
	for _, sink := range p.snapshot() {
		if !sink.Send(frame) {
			p.Remove(sink.Addr())
		}
	}
}
