// Package broker runs the per-broker MQTT consumer loop: it owns the
// connection to one external broker, keeps the broker registry's history
// and connected flag current, and fans every publish out to connected
// peers. One loop runs per broker host, for the lifetime of that host's
// entry in the broker registry.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nodecrate/mqttbridge/pkg/mqtt0"
	"github.com/nodecrate/mqttbridge/pkg/registry"
	"github.com/nodecrate/mqttbridge/pkg/wire"
)

// pollInterval is how often the loop checks whether its broker host has
// been removed from the registry, between MQTT reads.
const pollInterval = 250 * time.Millisecond

// reconnectDelay is how long the loop sleeps after a recoverable transport
// error before attempting to reconnect.
const reconnectDelay = 5 * time.Second

const (
	keepAlive        = 5
	maxPacketSize    = 1_024_000_000
	errorTopic       = "$ERROR"
	methodMessage    = "mqtt_message"
	methodConnStatus = "mqtt_connection_status"
)

// Dial connects a fresh mqtt0.Client to host. Exposed as a variable so
// tests can point the loop at an in-process broker fixture without
// touching the network.
var Dial = func(ctx context.Context, host string) (*mqtt0.Client, error) {
	return mqtt0.Connect(ctx, mqtt0.ClientConfig{
		Addr:          "tcp://" + host,
		ClientID:      uuid.New().String(),
		KeepAlive:     keepAlive,
		AutoKeepalive: true,
		CleanSession:  true,
		MaxPacketSize: maxPacketSize,
	})
}

// Run is the broker loop entry point. It dials host, subscribes to "#",
// inserts a BrokerRecord into brokers before entering its event loop, and
// then runs until the record is removed (by an explicit remove request,
// §4.7), ctx is cancelled, or a fatal protocol error occurs. Run is meant to be called from
// the same goroutine that accepted the connect request — there is no
// handoff, the connect worker becomes the broker loop worker.
func Run(ctx context.Context, host string, brokers *registry.BrokerRegistry, peers *registry.PeerRegistry) error {
	client, err := Dial(ctx, host)
	if err != nil {
		return err
	}

	if err := client.Subscribe(ctx, "#"); err != nil {
		client.Close()
		return err
	}

	rec, inserted := brokers.Insert(host, client)
	if !inserted {
		// Another loop already owns this host; nothing to run.
		client.Close()
		return nil
	}

	broadcastConnStatus(peers, host, true)
	rec.Connected.Store(true)

	for {
		if !brokers.Has(host) || ctx.Err() != nil {
			client.Close()
			return nil
		}

		msg, err := client.RecvTimeout(pollInterval)
		if err == nil && msg == nil {
			continue // poll timeout, no message yet
		}
		if err != nil {
			if fatal := handleRecvError(ctx, host, err, rec, peers); fatal {
				client.Close()
				return err
			}
			client, err = reconnectLoop(ctx, host, brokers)
			if err != nil {
				return err // host removed or ctx cancelled
			}
			rec.SetClient(client)
			broadcastConnStatus(peers, host, true)
			rec.Connected.Store(true)
			continue
		}

		rec.Connected.Store(true)
		ts := time.Now().UTC().Format(time.RFC3339Nano)
		stored := rec.AppendMessage(msg.Topic, ts, msg.Payload)
		broadcastMessage(peers, host, ts, msg.Topic, stored.Payload)
	}
}

// handleRecvError classifies an error from RecvTimeout and applies its
// side effects. It reports whether the error is fatal-for-this-loop (a
// protocol-state error, not a transport hiccup).
func handleRecvError(_ context.Context, host string, err error, rec *registry.BrokerRecord, peers *registry.PeerRegistry) bool {
	var protoErr *mqtt0.ProtocolError
	var unexpected *mqtt0.UnexpectedPacketError
	switch {
	case errors.As(err, &protoErr), errors.As(err, &unexpected):
		slog.Error("broker: fatal protocol error, exiting loop", "host", host, "error", err)
		return true

	case errors.Is(err, mqtt0.ErrInvalidPacket), errors.Is(err, mqtt0.ErrPacketTooLarge):
		slog.Warn("broker: deserialization/size-limit error", "host", host, "error", err)
		marker := registry.Payload("Payload size limit exceeded: malformed or oversized packet.")
		broadcastMessage(peers, host, time.Now().UTC().Format(time.RFC3339Nano), errorTopic, marker)
		return false

	default:
		slog.Warn("broker: transport error, will reconnect", "host", host, "error", err)
		rec.Connected.Store(false)
		broadcastConnStatus(peers, host, false)
		return false
	}
}

// reconnectLoop sleeps reconnectDelay and dials a fresh client, retrying
// for as long as host remains present in the registry. It returns an error
// only once the host has been removed or ctx is cancelled, signalling Run
// to exit.
func reconnectLoop(ctx context.Context, host string, brokers *registry.BrokerRegistry) (*mqtt0.Client, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(reconnectDelay):
		}
		if !brokers.Has(host) {
			return nil, errHostRemoved
		}
		client, err := Dial(ctx, host)
		if err != nil {
			slog.Warn("broker: reconnect attempt failed", "host", host, "error", err)
			continue
		}
		if err := client.Subscribe(ctx, "#"); err != nil {
			slog.Warn("broker: resubscribe failed after reconnect", "host", host, "error", err)
			client.Close()
			continue
		}
		return client, nil
	}
}

var errHostRemoved = errors.New("broker: host removed during reconnect")

func broadcastMessage(peers *registry.PeerRegistry, source, timestamp, topic string, payload registry.Payload) {
	frame, err := wire.Encode(methodMessage, struct {
		Source    string           `json:"source"`
		Timestamp string           `json:"timestamp"`
		Topic     string           `json:"topic"`
		Payload   registry.Payload `json:"payload"`
	}{source, timestamp, topic, payload})
	if err != nil {
		slog.Error("broker: encode mqtt_message", "error", err)
		return
	}
	peers.Broadcast(frame)
}

func broadcastConnStatus(peers *registry.PeerRegistry, source string, connected bool) {
	frame, err := wire.Encode(methodConnStatus, struct {
		Source    string `json:"source"`
		Connected bool   `json:"connected"`
	}{source, connected})
	if err != nil {
		slog.Error("broker: encode mqtt_connection_status", "error", err)
		return
	}
	peers.Broadcast(frame)
}
