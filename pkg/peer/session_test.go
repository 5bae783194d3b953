package peer

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodecrate/mqttbridge/pkg/registry"
	"github.com/nodecrate/mqttbridge/pkg/wire"
)

type fakePrimer struct{}

func (fakePrimer) PrimeBrokers() ([]byte, error)   { return wire.Encode("mqtt_brokers", []int{}) }
func (fakePrimer) PrimeCommands() ([]byte, error)  { return wire.Encode("commands", []int{}) }
func (fakePrimer) PrimePipelines() ([]byte, error) { return wire.Encode("pipelines", []int{}) }

type recordingDispatcher struct {
	received chan *wire.Envelope
}

func (d *recordingDispatcher) Dispatch(env *wire.Envelope, from string) {
	d.received <- env
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func TestSessionPrimesInOrderThenPumps(t *testing.T) {
	peers := registry.NewPeerRegistry()
	dispatcher := &recordingDispatcher{received: make(chan *wire.Envelope, 4)}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		Run(conn, r.RemoteAddr, peers, fakePrimer{}, dispatcher)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	wantMethods := []string{"mqtt_brokers", "commands", "pipelines"}
	for _, want := range wantMethods {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read priming frame: %v", err)
		}
		env, err := wire.Decode(data)
		if err != nil {
			t.Fatalf("decode priming frame: %v", err)
		}
		if env.Method != want {
			t.Fatalf("priming method = %q, want %q", env.Method, want)
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"connect","params":{"hostname":"h:1"}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case env := <-dispatcher.received:
		if env.Method != "connect" {
			t.Fatalf("dispatched method = %q, want connect", env.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestSessionRemovesSinkOnClose(t *testing.T) {
	peers := registry.NewPeerRegistry()
	dispatcher := &recordingDispatcher{received: make(chan *wire.Envelope, 1)}

	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		Run(conn, r.RemoteAddr, peers, fakePrimer{}, dispatcher)
		close(done)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after the peer disconnected")
	}
}
