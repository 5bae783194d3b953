package persistence

import (
	"context"
	"testing"

	"github.com/nodecrate/mqttbridge/pkg/storage"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return New(store)
}

func TestAddRemoveBrokerRoundTrip(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	if hosts := g.ListBrokers(ctx); len(hosts) != 0 {
		t.Fatalf("expected empty broker list, got %v", hosts)
	}

	g.AddBroker(ctx, "127.0.0.1:1883")
	hosts := g.ListBrokers(ctx)
	if len(hosts) != 1 || hosts[0] != "127.0.0.1:1883" {
		t.Fatalf("hosts = %v", hosts)
	}

	// Adding the same host again must not duplicate it.
	g.AddBroker(ctx, "127.0.0.1:1883")
	if hosts := g.ListBrokers(ctx); len(hosts) != 1 {
		t.Fatalf("expected no duplicate, got %v", hosts)
	}

	g.RemoveBroker(ctx, "127.0.0.1:1883")
	if hosts := g.ListBrokers(ctx); len(hosts) != 0 {
		t.Fatalf("expected empty after remove, got %v", hosts)
	}

	// Removing an absent host is a no-op, not an error.
	g.RemoveBroker(ctx, "nope:1")
}

func TestSaveLoadRemoveCommand(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	entry := CommandEntry{Name: "hi", Topic: "t", Payload: "p"}
	g.SaveCommand(ctx, entry)

	cmds := g.LoadCommands(ctx)
	if len(cmds) != 1 || cmds[0] != entry {
		t.Fatalf("cmds = %+v, want [%+v]", cmds, entry)
	}

	g.RemoveCommand(ctx, "hi")
	if cmds := g.LoadCommands(ctx); len(cmds) != 0 {
		t.Fatalf("expected no commands after remove, got %+v", cmds)
	}
}

func TestSaveLoadRemovePipeline(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	entry := PipelineEntry{Name: "p1", Pipeline: []PipelineStep{{Topic: "a"}, {Topic: "b"}}}
	g.SavePipeline(ctx, entry)

	pipelines := g.LoadPipelines(ctx)
	if len(pipelines) != 1 || pipelines[0].Name != "p1" || len(pipelines[0].Pipeline) != 2 {
		t.Fatalf("pipelines = %+v", pipelines)
	}

	g.RemovePipeline(ctx, "p1")
	if pipelines := g.LoadPipelines(ctx); len(pipelines) != 0 {
		t.Fatalf("expected no pipelines after remove, got %+v", pipelines)
	}
}

func TestLoadCommandsOnMissingDirIsEmpty(t *testing.T) {
	g := newTestGateway(t)
	if cmds := g.LoadCommands(context.Background()); len(cmds) != 0 {
		t.Fatalf("expected empty, got %+v", cmds)
	}
}

func TestMirrorTo(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	g.AddBroker(ctx, "h:1")
	g.SaveCommand(ctx, CommandEntry{Name: "hi", Topic: "t", Payload: "p"})
	g.SavePipeline(ctx, PipelineEntry{Name: "pl", Pipeline: []PipelineStep{{Topic: "a"}}})

	dst, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	g.MirrorTo(ctx, dst)

	mirror := New(dst)
	if hosts := mirror.ListBrokers(ctx); len(hosts) != 1 || hosts[0] != "h:1" {
		t.Fatalf("mirrored hosts = %v", hosts)
	}
	if cmds := mirror.LoadCommands(ctx); len(cmds) != 1 {
		t.Fatalf("mirrored commands = %+v", cmds)
	}
	if pipelines := mirror.LoadPipelines(ctx); len(pipelines) != 1 {
		t.Fatalf("mirrored pipelines = %+v", pipelines)
	}
}
