package registry

import (
	"sync"
	"sync/atomic"

	"github.com/nodecrate/mqttbridge/pkg/mqtt0"
)

// BrokerRecord is the live state for one connected (or connecting) broker.
// Client and Connected are mutated only by the owning broker loop (across a
// reconnect, Client is swapped for a fresh handle) but read from other
// goroutines (the dispatcher closing it on remove), hence the atomic
// pointer rather than a bare field. Topics is guarded by its own mutex so
// readers (the mqtt_brokers snapshot encoder) never need to coordinate
// with the registry's map lock.
type BrokerRecord struct {
	Host      string
	client    atomic.Pointer[mqtt0.Client]
	Connected atomic.Bool

	mu     sync.Mutex
	topics map[string][]TopicMessage
}

// newBrokerRecord creates an empty record for host, not yet connected.
func newBrokerRecord(host string, client *mqtt0.Client) *BrokerRecord {
	rec := &BrokerRecord{
		Host:   host,
		topics: make(map[string][]TopicMessage),
	}
	rec.client.Store(client)
	return rec
}

// Client returns the broker's current client handle.
func (r *BrokerRecord) Client() *mqtt0.Client {
	return r.client.Load()
}

// SetClient replaces the client handle, used by the owning loop after a
// reconnect.
func (r *BrokerRecord) SetClient(client *mqtt0.Client) {
	r.client.Store(client)
}

// AppendMessage records msg on topic, applying the oversize rule and the
// 100-entry history bound. Only the owning broker loop should call this.
func (r *BrokerRecord) AppendMessage(topic string, timestamp string, payload []byte) TopicMessage {
	msg := TopicMessage{Timestamp: timestamp, Payload: clampPayload(payload)}
	r.mu.Lock()
	r.topics[topic] = appendHistory(r.topics[topic], msg)
	r.mu.Unlock()
	return msg
}

// Snapshot is the wire shape of a BrokerRecord with the client handle
// omitted, used to answer mqtt_brokers.
type Snapshot struct {
	Broker    string                    `json:"broker"`
	Connected bool                      `json:"connected"`
	Topics    map[string][]TopicMessage `json:"topics"`
}

// Snapshot copies the record's current topic history under its own lock and
// releases the lock before returning, so callers never hold it while
// writing to a peer.
func (r *BrokerRecord) Snapshot() Snapshot {
	r.mu.Lock()
	topics := make(map[string][]TopicMessage, len(r.topics))
	for topic, history := range r.topics {
		cp := make([]TopicMessage, len(history))
		copy(cp, history)
		topics[topic] = cp
	}
	r.mu.Unlock()

	return Snapshot{
		Broker:    r.Host,
		Connected: r.Connected.Load(),
		Topics:    topics,
	}
}

// BrokerRegistry is the concurrent map from BrokerHost to BrokerRecord.
// Entries are inserted exactly once per host by the owning broker loop
// before it enters its event loop, and removed by the dispatcher on an
// explicit remove request.
type BrokerRegistry struct {
	mu      sync.RWMutex
	records map[string]*BrokerRecord
}

// NewBrokerRegistry creates an empty broker registry.
func NewBrokerRegistry() *BrokerRegistry {
	return &BrokerRegistry{records: make(map[string]*BrokerRecord)}
}

// Insert adds a new record for host if one is not already present, and
// reports whether the insert happened. Called once by a broker loop before
// it starts consuming events.
func (b *BrokerRegistry) Insert(host string, client *mqtt0.Client) (*BrokerRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.records[host]; ok {
		return existing, false
	}
	rec := newBrokerRecord(host, client)
	b.records[host] = rec
	return rec, true
}

// Has reports whether host currently has a live record. The broker loop
// calls this before handling every event; a miss means the host was
// removed and the loop must exit.
func (b *BrokerRegistry) Has(host string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.records[host]
	return ok
}

// Get returns the record for host, if any.
func (b *BrokerRegistry) Get(host string) (*BrokerRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.records[host]
	return rec, ok
}

// Remove deletes the record for host, returning it if present. This is how
// `remove` causes the owning broker loop to exit on its next map-miss check.
func (b *BrokerRegistry) Remove(host string) (*BrokerRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[host]
	if ok {
		delete(b.records, host)
	}
	return rec, ok
}

// Snapshots returns a Snapshot of every current broker record. The registry
// lock is released once the records are collected; each record's history is
// then copied under that record's own lock, so no lock is held when the
// caller writes the result to a peer.
func (b *BrokerRegistry) Snapshots() []Snapshot {
	b.mu.RLock()
	recs := make([]*BrokerRecord, 0, len(b.records))
	for _, rec := range b.records {
		recs = append(recs, rec)
	}
	b.mu.RUnlock()

	out := make([]Snapshot, len(recs))
	for i, rec := range recs {
		out[i] = rec.Snapshot()
	}
	return out
}
