package events

import (
	"encoding/json"
	"fmt"

	"github.com/avilaops/canaswarm/pkg/log"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// SubjectPrefix is the NATS subject root for forwarded swarm events; the
// event type is appended, e.g. swarm.events.leader.elected.
const SubjectPrefix = "swarm.events"

// Forwarder bridges broker events onto a NATS connection so off-field
// consumers (dashboards, the telemetry pipeline) can follow the swarm.
type Forwarder struct {
	conn   *nats.Conn
	broker *Broker
	sub    Subscriber
	logger zerolog.Logger
	doneCh chan struct{}
}

// NewForwarder connects to the NATS server at url and subscribes to the
// broker. Call Start to begin forwarding and Close to tear down.
func NewForwarder(url string, broker *Broker) (*Forwarder, error) {
	conn, err := nats.Connect(url, nats.Name("canaswarm-coordinator"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Forwarder{
		conn:   conn,
		broker: broker,
		sub:    broker.Subscribe(),
		logger: log.WithComponent("events"),
		doneCh: make(chan struct{}),
	}, nil
}

// Start begins forwarding broker events to NATS.
func (f *Forwarder) Start() {
	go f.run()
}

func (f *Forwarder) run() {
	defer close(f.doneCh)
	for event := range f.sub {
		data, err := json.Marshal(event)
		if err != nil {
			f.logger.Error().Err(err).Str("event_id", event.ID).Msg("Failed to encode event")
			continue
		}

		subject := fmt.Sprintf("%s.%s", SubjectPrefix, event.Type)
		if err := f.conn.Publish(subject, data); err != nil {
			f.logger.Error().Err(err).Str("subject", subject).Msg("Failed to publish event")
		}
	}
}

// Close unsubscribes from the broker, waits for the forwarding loop to
// drain, and closes the NATS connection.
func (f *Forwarder) Close() {
	f.broker.Unsubscribe(f.sub)
	<-f.doneCh
	_ = f.conn.Drain()
	f.conn.Close()
}
