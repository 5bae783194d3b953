// mqttbridge connects to one or more MQTT brokers and fans out every
// message they publish to connected browser peers over a WebSocket, while
// letting peers request new broker connections, publishes, and saved
// commands/pipelines.
//
// Usage:
//
//	mqttbridge serve [static_files_dir] [config_dir]
//	mqttbridge serve --static-dir=./web --config-dir=~/.mqttbridge --listen=0.0.0.0:3030
package main

import (
	"os"

	"github.com/nodecrate/mqttbridge/cmd/mqttbridge/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
