// Package dispatch decodes inbound peer requests and routes them to the
// broker registry or the persistence gateway, broadcasting any side
// effects back to every connected peer.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nodecrate/mqttbridge/pkg/broker"
	"github.com/nodecrate/mqttbridge/pkg/persistence"
	"github.com/nodecrate/mqttbridge/pkg/registry"
	"github.com/nodecrate/mqttbridge/pkg/wire"
)

// Spawn starts a broker loop for host, blocking until the loop exits.
// Exposed as a variable so tests can stub out the network.
var Spawn = broker.Run

// Dispatcher is the request dispatcher. It also implements
// pkg/peer.Primer, since priming a peer and answering a request both boil
// down to encoding the same registry/gateway state.
type Dispatcher struct {
	ctx     context.Context
	brokers *registry.BrokerRegistry
	peers   *registry.PeerRegistry
	gateway *persistence.Gateway
}

// New creates a Dispatcher. ctx bounds the lifetime of any broker loops it
// spawns; it should be the bridge's top-level shutdown context.
func New(ctx context.Context, brokers *registry.BrokerRegistry, peers *registry.PeerRegistry, gateway *persistence.Gateway) *Dispatcher {
	return &Dispatcher{ctx: ctx, brokers: brokers, peers: peers, gateway: gateway}
}

// Dispatch decodes env's params for its method and applies the
// corresponding effect. Unknown methods are silently ignored, per the
// forward-compatibility contract. from is unused by any current method but
// is threaded through for future per-peer replies.
func (d *Dispatcher) Dispatch(env *wire.Envelope, from string) {
	switch env.Method {
	case "connect":
		d.connect(env.Params)
	case "remove":
		d.remove(env.Params)
	case "publish":
		d.publish(env.Params)
	case "save_command":
		d.saveCommand(env.Params)
	case "remove_command":
		d.removeCommand(env.Params)
	case "save_pipeline":
		d.savePipeline(env.Params)
	case "remove_pipeline":
		d.removePipeline(env.Params)
	default:
		// Forward compatible: unrecognized methods are dropped silently.
	}
}

type hostnameParams struct {
	Hostname string `json:"hostname"`
}

type nameParams struct {
	Name string `json:"name"`
}

type publishParams struct {
	Host    string `json:"host"`
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

// connect spawns a broker loop for hostname if one is not already running,
// and records it in the persisted broker list. Re-requesting an already
// present host is a no-op — mqtt0's client has no way to rejoin a broker
// loop mid-flight, so there is nothing to resurrect.
func (d *Dispatcher) connect(raw json.RawMessage) {
	var p hostnameParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Hostname == "" {
		slog.Warn("dispatch: malformed connect params", "error", err)
		return
	}
	if !d.brokers.Has(p.Hostname) {
		go func() {
			if err := Spawn(d.ctx, p.Hostname, d.brokers, d.peers); err != nil {
				slog.Warn("dispatch: broker loop ended", "host", p.Hostname, "error", err)
			}
		}()
	}
	d.gateway.AddBroker(d.ctx, p.Hostname)
	d.broadcastBrokers()
}

// remove disconnects and removes hostname's broker record, which causes its
// loop to exit on its next map-miss check, then persists the removal and
// notifies every peer.
func (d *Dispatcher) remove(raw json.RawMessage) {
	var p hostnameParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Hostname == "" {
		slog.Warn("dispatch: malformed remove params", "error", err)
		return
	}
	rec, ok := d.brokers.Remove(p.Hostname)
	if !ok {
		return
	}
	if client := rec.Client(); client != nil {
		client.Close()
	}
	d.gateway.RemoveBroker(d.ctx, p.Hostname)

	frame, err := wire.Encode("broker_removal", p.Hostname)
	if err != nil {
		slog.Error("dispatch: encode broker_removal", "error", err)
	} else {
		d.peers.Broadcast(frame)
	}
	d.broadcastBrokers()
}

// publish looks up host in the broker registry and publishes payload on
// topic at QoS AtLeastOnce, retain=false. An absent host is logged and
// dropped, never surfaced to the peer.
func (d *Dispatcher) publish(raw json.RawMessage) {
	var p publishParams
	if err := json.Unmarshal(raw, &p); err != nil {
		slog.Warn("dispatch: malformed publish params", "error", err)
		return
	}
	rec, ok := d.brokers.Get(p.Host)
	if !ok {
		slog.Warn("dispatch: publish to unknown host, dropping", "host", p.Host)
		return
	}
	if err := rec.Client().PublishAtLeastOnce(d.ctx, p.Topic, []byte(p.Payload), false); err != nil {
		slog.Warn("dispatch: publish failed", "host", p.Host, "topic", p.Topic, "error", err)
	}
}

func (d *Dispatcher) saveCommand(raw json.RawMessage) {
	var entry persistence.CommandEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		slog.Warn("dispatch: malformed save_command params", "error", err)
		return
	}
	d.gateway.SaveCommand(d.ctx, entry)
	d.broadcastCommands()
}

func (d *Dispatcher) removeCommand(raw json.RawMessage) {
	var p nameParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Name == "" {
		slog.Warn("dispatch: malformed remove_command params", "error", err)
		return
	}
	d.gateway.RemoveCommand(d.ctx, p.Name)
	d.broadcastCommands()
}

func (d *Dispatcher) savePipeline(raw json.RawMessage) {
	var entry persistence.PipelineEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		slog.Warn("dispatch: malformed save_pipeline params", "error", err)
		return
	}
	d.gateway.SavePipeline(d.ctx, entry)
	d.broadcastPipelines()
}

func (d *Dispatcher) removePipeline(raw json.RawMessage) {
	var p nameParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Name == "" {
		slog.Warn("dispatch: malformed remove_pipeline params", "error", err)
		return
	}
	d.gateway.RemovePipeline(d.ctx, p.Name)
	d.broadcastPipelines()
}

func (d *Dispatcher) broadcastBrokers() {
	frame, err := wire.Encode("mqtt_brokers", d.brokers.Snapshots())
	if err != nil {
		slog.Error("dispatch: encode mqtt_brokers", "error", err)
		return
	}
	d.peers.Broadcast(frame)
}

func (d *Dispatcher) broadcastCommands() {
	frame, err := wire.Encode("commands", d.gateway.LoadCommands(d.ctx))
	if err != nil {
		slog.Error("dispatch: encode commands", "error", err)
		return
	}
	d.peers.Broadcast(frame)
}

func (d *Dispatcher) broadcastPipelines() {
	frame, err := wire.Encode("pipelines", d.gateway.LoadPipelines(d.ctx))
	if err != nil {
		slog.Error("dispatch: encode pipelines", "error", err)
		return
	}
	d.peers.Broadcast(frame)
}

// PrimeBrokers implements pkg/peer.Primer.
func (d *Dispatcher) PrimeBrokers() ([]byte, error) {
	return wire.Encode("mqtt_brokers", d.brokers.Snapshots())
}

// PrimeCommands implements pkg/peer.Primer.
func (d *Dispatcher) PrimeCommands() ([]byte, error) {
	return wire.Encode("commands", d.gateway.LoadCommands(d.ctx))
}

// PrimePipelines implements pkg/peer.Primer.
func (d *Dispatcher) PrimePipelines() ([]byte, error) {
	return wire.Encode("pipelines", d.gateway.LoadPipelines(d.ctx))
}
