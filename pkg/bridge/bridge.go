// Package bridge wires the broker registry, peer registry, persistence
// gateway, and request dispatcher together into the running process:
// it replays the persisted broker list on startup and tears every broker
// loop down on shutdown.
package bridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nodecrate/mqttbridge/pkg/dispatch"
	"github.com/nodecrate/mqttbridge/pkg/persistence"
	"github.com/nodecrate/mqttbridge/pkg/registry"
	"github.com/nodecrate/mqttbridge/pkg/storage"
)

// Bridge owns the registries and gateway for one running process and spawns
// the broker loops that back them.
type Bridge struct {
	Brokers *registry.BrokerRegistry
	Peers   *registry.PeerRegistry
	Gateway *persistence.Gateway

	Dispatcher *dispatch.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	archive storage.FileStore
}

// Option configures a Bridge at construction time.
type Option func(*Bridge)

// WithArchive enables mirroring the config directory to dst on startup.
// Nil disables archival, which is also the default.
func WithArchive(dst storage.FileStore) Option {
	return func(b *Bridge) { b.archive = dst }
}

// New creates a Bridge backed by store, deriving its own cancellation
// context from parent. Call Start to replay the persisted broker list and
// begin serving; call Shutdown to tear every broker loop down.
func New(parent context.Context, store storage.FileStore, opts ...Option) *Bridge {
	ctx, cancel := context.WithCancel(parent)
	b := &Bridge{
		Brokers: registry.NewBrokerRegistry(),
		Peers:   registry.NewPeerRegistry(),
		Gateway: persistence.New(store),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.Dispatcher = dispatch.New(b.ctx, b.Brokers, b.Peers, b.Gateway)
	return b
}

// Start replays every persisted broker host as a broker loop goroutine. It
// does not call Gateway.AddBroker again for replayed hosts — they are
// already persisted, and re-adding would be a harmless but pointless
// read-modify-write.
func (b *Bridge) Start() {
	hosts := b.Gateway.ListBrokers(b.ctx)
	for _, host := range hosts {
		b.spawn(host)
	}
	if b.archive != nil {
		b.Gateway.MirrorTo(b.ctx, b.archive)
	}
}

func (b *Bridge) spawn(host string) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := dispatch.Spawn(b.ctx, host, b.Brokers, b.Peers); err != nil {
			slog.Warn("bridge: broker loop ended", "host", host, "error", err)
		}
	}()
}

// Shutdown cancels every broker loop's context and waits for them to exit.
func (b *Bridge) Shutdown() {
	b.cancel()
	b.wg.Wait()
}
