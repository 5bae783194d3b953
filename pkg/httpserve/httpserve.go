// Package httpserve wires the bridge's WebSocket endpoint and the
// browser-facing static files onto one net/http.ServeMux: plumbing,
// not policy.
package httpserve

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/nodecrate/mqttbridge/pkg/bridge"
	"github.com/nodecrate/mqttbridge/pkg/cli"
	"github.com/nodecrate/mqttbridge/pkg/peer"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewMux builds the bridge's HTTP surface: "/ws" upgrades to a peer
// session, "/debug/log" streams recent log lines as SSE, and everything
// else is served from staticDir. logs may be nil, in which case
// "/debug/log" responds 404.
func NewMux(b *bridge.Bridge, staticDir string, logs *cli.LogWriter) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handleWS(b))
	mux.HandleFunc("/debug/log", handleDebugLog(logs))
	mux.Handle("/", http.FileServer(http.Dir(staticDir)))
	return mux
}

func handleWS(b *bridge.Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("httpserve: websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()
		peer.Run(conn, r.RemoteAddr, b.Peers, b.Dispatcher, b.Dispatcher)
	}
}

// handleDebugLog streams buffered log lines, then every new line as it is
// written, as an SSE stream until the client disconnects.
func handleDebugLog(logs *cli.LogWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if logs == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		for _, line := range logs.Lines() {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		flusher.Flush()

		ctx := r.Context()
		ch := logs.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-ch:
				if !ok {
					return
				}
				fmt.Fprintf(w, "data: %s\n\n", line)
				flusher.Flush()
			}
		}
	}
}
