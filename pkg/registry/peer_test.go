package registry

import "testing"

func TestPeerSinkSendAndNext(t *testing.T) {
	sink := NewPeerSink("127.0.0.1:5555")
	if !sink.Send([]byte("a")) {
		t.Fatal("send on open sink should succeed")
	}
	if !sink.Send([]byte("b")) {
		t.Fatal("send on open sink should succeed")
	}

	frame, ok := sink.Next()
	if !ok || string(frame) != "a" {
		t.Fatalf("Next() = %q, %v, want a, true", frame, ok)
	}
	frame, ok = sink.Next()
	if !ok || string(frame) != "b" {
		t.Fatalf("Next() = %q, %v, want b, true", frame, ok)
	}
}

func TestPeerSinkCloseUnblocksNext(t *testing.T) {
	sink := NewPeerSink("127.0.0.1:5555")
	done := make(chan bool, 1)
	go func() {
		_, ok := sink.Next()
		done <- ok
	}()
	sink.Close()
	if ok := <-done; ok {
		t.Fatal("Next() should report false once the sink is closed and drained")
	}
	if sink.Send([]byte("x")) {
		t.Fatal("send on a closed sink should fail")
	}
}

func TestPeerSinkCloseIdempotent(t *testing.T) {
	sink := NewPeerSink("a")
	sink.Close()
	sink.Close() // must not panic or deadlock
}

func TestPeerRegistryBroadcastRemovesClosedSinks(t *testing.T) {
	reg := NewPeerRegistry()

	open := NewPeerSink("open")
	closed := NewPeerSink("closed")
	closed.Close()

	reg.Insert(open)
	reg.Insert(closed)

	reg.Broadcast([]byte("hello"))

	if _, ok := open.Next(); !ok {
		t.Fatal("open sink should have received the broadcast frame")
	}

	// The closed sink's send failed, so it should have been removed.
	snap := reg.snapshot()
	for _, s := range snap {
		if s.Addr() == "closed" {
			t.Fatal("closed sink should have been removed from the registry")
		}
	}
}
