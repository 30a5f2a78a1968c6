// Command runbox-guest is the agent that runs as init inside a runbox
// microVM. It listens on vsock, runs each bundle it receives with node and
// streams the harness output back to the host.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o runbox-guest ./cmd/runbox-guest
package main

import (
	"log"

	"github.com/mdlayher/vsock"

	"github.com/seantiz/runbox/internal/guest"
	fc "github.com/seantiz/runbox/internal/sandbox/firecracker"
)

func main() {
	guest.SetupInit()

	port := fc.DefaultVsockPort
	l, err := vsock.Listen(port, nil)
	if err != nil {
		log.Fatalf("vsock listen on port %d: %v", port, err)
	}
	defer l.Close()

	log.Printf("runbox-guest listening on vsock port %d", port)

	agent := guest.New(l, fc.GuestWorkDir)
	if err := agent.Serve(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
