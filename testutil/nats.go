// Package testutil provides an embedded NATS server for go-alive tests.
package testutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSServer wraps an embedded NATS server with JetStream enabled.
type NATSServer struct {
	server *server.Server
	url    string
}

// StartNATS starts an embedded NATS server on a random port. It is shut down
// when the test ends.
func StartNATS(t *testing.T) *NATSServer {
	t.Helper()

	opts := &server.Options{
		Host:               "127.0.0.1",
		Port:               -1,
		NoLog:              true,
		NoSigs:             true,
		JetStream:          true,
		StoreDir:           t.TempDir(),
		JetStreamMaxMemory: 64 * 1024 * 1024,
		JetStreamMaxStore:  256 * 1024 * 1024,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to create NATS server: %v", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	s := &NATSServer{
		server: ns,
		url:    ns.ClientURL(),
	}
	t.Cleanup(s.Stop)
	return s
}

// URL returns the client URL.
func (n *NATSServer) URL() string {
	return n.url
}

// Stop shuts the server down. Safe to call more than once.
func (n *NATSServer) Stop() {
	if n.server != nil {
		n.server.Shutdown()
		n.server.WaitForShutdown()
	}
}

// Connect opens a connection closed at test cleanup.
func (n *NATSServer) Connect(t *testing.T) *nats.Conn {
	t.Helper()

	nc, err := nats.Connect(n.url)
	if err != nil {
		t.Fatalf("failed to connect to NATS: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

// JetStream opens a connection and returns a JetStream context on it.
func (n *NATSServer) JetStream(t *testing.T) (*nats.Conn, jetstream.JetStream) {
	t.Helper()

	nc := n.Connect(t)
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("failed to create JetStream: %v", err)
	}
	return nc, js
}
