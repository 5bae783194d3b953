// Package persistence reads and writes the bridge's on-disk configuration:
// the broker list and the named commands and pipelines peers can save for
// reuse. It is built over pkg/storage.FileStore so the backing store (local
// disk, S3, or anything else implementing the interface) is interchangeable.
package persistence

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/nodecrate/mqttbridge/pkg/storage"
)

const (
	brokersFile  = "brokers.json"
	commandsDir  = "commands"
	pipelinesDir = "pipelines"
	entrySuffix  = ".json"
)

// CommandEntry is a named, prepared MQTT publish.
type CommandEntry struct {
	Name    string `json:"name"`
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

// PipelineStep is one stage of a PipelineEntry.
type PipelineStep struct {
	Topic string `json:"topic"`
}

// PipelineEntry is a named, ordered sequence of pipeline steps.
type PipelineEntry struct {
	Name     string         `json:"name"`
	Pipeline []PipelineStep `json:"pipeline"`
}

// Gateway is the persistence gateway: brokers.json plus one file per
// command/pipeline under commands/ and pipelines/. All operations are
// best-effort — a missing or unparseable file yields the empty collection
// rather than surfacing as an error to peers; an unparseable file is also
// logged as a warning, a missing one is not.
type Gateway struct {
	store storage.FileStore

	// mu serializes the brokers.json read-modify-write cycle. Commands and
	// pipelines are keyed by name, so concurrent saves of distinct names
	// never conflict and need no additional locking.
	mu sync.Mutex
}

// New creates a Gateway backed by store.
func New(store storage.FileStore) *Gateway {
	return &Gateway{store: store}
}

// ListBrokers returns the persisted broker host list, in insertion order.
func (g *Gateway) ListBrokers(ctx context.Context) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.readBrokers(ctx)
}

func (g *Gateway) readBrokers(ctx context.Context) []string {
	r, err := g.store.Read(ctx, brokersFile)
	if err != nil {
		return nil
	}
	defer r.Close()

	var hosts []string
	data, err := io.ReadAll(r)
	if err != nil {
		slog.Warn("persistence: read brokers.json", "error", err)
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &hosts); err != nil {
		slog.Warn("persistence: parse brokers.json", "error", err)
		return nil
	}
	return hosts
}

func (g *Gateway) writeBrokers(ctx context.Context, hosts []string) {
	w, err := g.store.Write(ctx, brokersFile)
	if err != nil {
		slog.Warn("persistence: open brokers.json for write", "error", err)
		return
	}
	defer w.Close()

	enc := json.NewEncoder(w)
	if err := enc.Encode(hosts); err != nil {
		slog.Warn("persistence: write brokers.json", "error", err)
	}
}

// AddBroker appends host to the broker list, if not already present.
func (g *Gateway) AddBroker(ctx context.Context, host string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	hosts := g.readBrokers(ctx)
	for _, h := range hosts {
		if h == host {
			return
		}
	}
	g.writeBrokers(ctx, append(hosts, host))
}

// RemoveBroker removes host from the broker list. Removing an absent host
// is a no-op.
func (g *Gateway) RemoveBroker(ctx context.Context, host string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	hosts := g.readBrokers(ctx)
	out := hosts[:0]
	for _, h := range hosts {
		if h != host {
			out = append(out, h)
		}
	}
	g.writeBrokers(ctx, out)
}

// SaveCommand writes commands/<entry.Name>.json, overwriting any existing
// file of the same name.
func (g *Gateway) SaveCommand(ctx context.Context, entry CommandEntry) {
	saveEntry(ctx, g.store, commandsDir, entry.Name, entry)
}

// RemoveCommand deletes commands/<name>.json.
func (g *Gateway) RemoveCommand(ctx context.Context, name string) {
	removeEntry(ctx, g.store, commandsDir, name)
}

// LoadCommands returns every persisted CommandEntry. Never nil, so callers
// that JSON-encode the result always get "[]" rather than "null" when
// nothing is persisted yet.
func (g *Gateway) LoadCommands(ctx context.Context) []CommandEntry {
	out := []CommandEntry{}
	loadEntries(ctx, g.store, commandsDir, &out)
	return out
}

// SavePipeline writes pipelines/<entry.Name>.json, overwriting any existing
// file of the same name.
func (g *Gateway) SavePipeline(ctx context.Context, entry PipelineEntry) {
	saveEntry(ctx, g.store, pipelinesDir, entry.Name, entry)
}

// RemovePipeline deletes pipelines/<name>.json.
func (g *Gateway) RemovePipeline(ctx context.Context, name string) {
	removeEntry(ctx, g.store, pipelinesDir, name)
}

// LoadPipelines returns every persisted PipelineEntry. Never nil, for the
// same JSON-shape reason as LoadCommands.
func (g *Gateway) LoadPipelines(ctx context.Context) []PipelineEntry {
	out := []PipelineEntry{}
	loadEntries(ctx, g.store, pipelinesDir, &out)
	return out
}

// MirrorTo archives the current brokers.json plus every command and
// pipeline file onto dst. It is an ambient, optional operation — failures
// are logged, never propagated, since archival is not part of the bridge's
// core contract.
func (g *Gateway) MirrorTo(ctx context.Context, dst storage.FileStore) {
	g.mirrorFile(ctx, dst, brokersFile)
	g.mirrorDir(ctx, dst, commandsDir)
	g.mirrorDir(ctx, dst, pipelinesDir)
}

func (g *Gateway) mirrorFile(ctx context.Context, dst storage.FileStore, path string) {
	exists, err := g.store.Exists(ctx, path)
	if err != nil || !exists {
		return
	}
	r, err := g.store.Read(ctx, path)
	if err != nil {
		slog.Warn("persistence: mirror read", "path", path, "error", err)
		return
	}
	defer r.Close()
	w, err := dst.Write(ctx, path)
	if err != nil {
		slog.Warn("persistence: mirror write", "path", path, "error", err)
		return
	}
	defer w.Close()
	if _, err := io.Copy(w, r); err != nil {
		slog.Warn("persistence: mirror copy", "path", path, "error", err)
	}
}

func (g *Gateway) mirrorDir(ctx context.Context, dst storage.FileStore, dir string) {
	names, err := g.store.List(ctx, dir)
	if err != nil {
		slog.Warn("persistence: mirror list", "dir", dir, "error", err)
		return
	}
	for _, name := range names {
		g.mirrorFile(ctx, dst, dir+"/"+name)
	}
}

// saveEntry writes a single JSON-encoded entry under dir/<name>.json.
func saveEntry(ctx context.Context, store storage.FileStore, dir, name string, entry any) {
	w, err := store.Write(ctx, dir+"/"+name+entrySuffix)
	if err != nil {
		slog.Warn("persistence: open entry for write", "dir", dir, "name", name, "error", err)
		return
	}
	defer w.Close()
	if err := json.NewEncoder(w).Encode(entry); err != nil {
		slog.Warn("persistence: write entry", "dir", dir, "name", name, "error", err)
	}
}

// removeEntry deletes dir/<name>.json.
func removeEntry(ctx context.Context, store storage.FileStore, dir, name string) {
	if err := store.Delete(ctx, dir+"/"+name+entrySuffix); err != nil {
		slog.Warn("persistence: remove entry", "dir", dir, "name", name, "error", err)
	}
}

// loadEntries reads every file under dir and JSON-decodes it into an
// element appended to out. Unparseable files are skipped with a warning.
func loadEntries[T any](ctx context.Context, store storage.FileStore, dir string, out *[]T) {
	names, err := store.List(ctx, dir)
	if err != nil {
		slog.Warn("persistence: list", "dir", dir, "error", err)
		return
	}
	for _, name := range names {
		r, err := store.Read(ctx, dir+"/"+name)
		if err != nil {
			slog.Warn("persistence: read entry", "dir", dir, "name", name, "error", err)
			continue
		}
		var entry T
		err = json.NewDecoder(r).Decode(&entry)
		r.Close()
		if err != nil {
			slog.Warn("persistence: parse entry", "dir", dir, "name", name, "error", err)
			continue
		}
		*out = append(*out, entry)
	}
}
