// Package peer runs one peer's WebSocket session: priming a newly
// connected peer with the bridge's current state, then draining its
// outbound sink and pumping its inbound requests to the dispatcher until
// either side ends.
package peer

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nodecrate/mqttbridge/pkg/registry"
	"github.com/nodecrate/mqttbridge/pkg/wire"
)

// Dispatcher routes one decoded peer request. It must not block on long
// operations — broker connection establishment is offloaded to its own
// goroutine by the dispatcher implementation.
type Dispatcher interface {
	Dispatch(env *wire.Envelope, from string)
}

// Primer supplies the three priming notifications sent to a peer
// immediately after its sink is created, before it is visible to fanout.
type Primer interface {
	PrimeBrokers() ([]byte, error)
	PrimeCommands() ([]byte, error)
	PrimePipelines() ([]byte, error)
}

// Run drives one peer session end to end: create and insert a sink, prime
// the peer, then run Drain and Pump concurrently until either finishes.
func Run(conn *websocket.Conn, addr string, peers *registry.PeerRegistry, primer Primer, dispatcher Dispatcher) {
	sink := registry.NewPeerSink(addr)

	for _, frame := range prime(primer) {
		sink.Send(frame)
	}
	peers.Insert(sink)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		drain(conn, sink)
	}()
	go func() {
		defer wg.Done()
		pump(conn, addr, dispatcher)
		sink.Close()
	}()

	wg.Wait()
	peers.Remove(addr)
}

// prime builds the mqtt_brokers, commands, pipelines frames in order. A
// failure to encode any one of them is logged and that frame is skipped —
// it never prevents the session from starting.
func prime(primer Primer) [][]byte {
	var frames [][]byte
	steps := []struct {
		name string
		fn   func() ([]byte, error)
	}{
		{"mqtt_brokers", primer.PrimeBrokers},
		{"commands", primer.PrimeCommands},
		{"pipelines", primer.PrimePipelines},
	}
	for _, step := range steps {
		frame, err := step.fn()
		if err != nil {
			slog.Error("peer: priming notification failed", "notification", step.name, "error", err)
			continue
		}
		frames = append(frames, frame)
	}
	return frames
}

// drain forwards every frame from sink to the peer's WebSocket connection
// until the sink is closed or a write fails.
func drain(conn *websocket.Conn, sink *registry.PeerSink) {
	for {
		frame, ok := sink.Next()
		if !ok {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			slog.Warn("peer: write failed, closing session", "error", err)
			sink.Close()
			return
		}
	}
}

// pump reads inbound frames from the peer's WebSocket connection and hands
// each decoded text frame to the dispatcher. Non-text frames are ignored;
// decode failures are logged and skipped. Returns once the connection
// closes or a read error occurs.
func pump(conn *websocket.Conn, addr string, dispatcher Dispatcher) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		env, err := wire.Decode(data)
		if err != nil {
			slog.Warn("peer: decode failed, skipping frame", "addr", addr, "error", err)
			continue
		}
		dispatcher.Dispatch(env, addr)
	}
}
