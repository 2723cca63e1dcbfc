package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	natsserver "github.com/nats-io/nats-server/v2/server"
	nc "github.com/nats-io/nats.go"
)

// subjectPrefix returns the NATS subject an event type mirrors onto, one
// subject per family so subscribers can filter with a single wildcard
// ("devloop.events.task.>" catches every task: event).
func subjectPrefix(t Type) string {
	for i, r := range string(t) {
		if r == ':' {
			return "devloop.events." + string(t)[:i]
		}
	}
	return "devloop.events.other"
}

// NatsMirror republishes bus events onto an embedded NATS server, one
// subject per event-type family, so an out-of-process subscriber (a
// dashboard, a second orchestrator instance) can observe the same stream
// without depending on the in-process ring. Grounded on the embedded
// server plus reconnecting-client pairing used for local pub/sub
// elsewhere in the retrieved pack, generalized here into an embedded
// server the mirror itself owns and shuts down.
type NatsMirror struct {
	server   *natsserver.Server
	conn     *nc.Conn
	clientID string
}

// NewEmbeddedNatsMirror starts an in-process NATS server (no external
// broker required) and connects a publisher client to it, named after the
// orchestrator's own process.
func NewEmbeddedNatsMirror() (*NatsMirror, error) {
	opts := &natsserver.Options{
		Host: "127.0.0.1",
		Port: -1, // let the OS assign a free port
	}

	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded nats server: %w", err)
	}

	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("embedded nats server did not become ready")
	}

	clientID := "devloop-" + uuid.NewString()
	conn, err := nc.Connect(srv.ClientURL(),
		nc.Name(clientID),
		nc.ReconnectWait(2*time.Second),
		nc.MaxReconnects(-1),
	)
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("failed to connect embedded nats client: %w", err)
	}

	return &NatsMirror{server: srv, conn: conn, clientID: clientID}, nil
}

// Publish marshals evt and publishes it to the subject for its type family.
func (m *NatsMirror) Publish(evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event for nats mirror: %w", err)
	}
	if err := m.conn.Publish(subjectPrefix(evt.Type), data); err != nil {
		return fmt.Errorf("failed to publish event to nats: %w", err)
	}
	return nil
}

// ClientURL returns the embedded server's connection URL, for subscribers
// running in the same process (tests, an in-process dashboard).
func (m *NatsMirror) ClientURL() string {
	return m.server.ClientURL()
}

// Close drains the client connection and shuts down the embedded server.
func (m *NatsMirror) Close() {
	if m.conn != nil {
		m.conn.Drain()
	}
	if m.server != nil {
		m.server.Shutdown()
	}
}
