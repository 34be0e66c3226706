package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the distributed Broker.
type NATSConfig struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222".
	URL string

	// Prefix is prepended to every subject, namespacing one runtime
	// deployment's channels from another sharing the same NATS cluster.
	// Default: "fsm".
	Prefix string

	// Name is an optional NATS connection name, useful in monitoring.
	Name string
}

// NATS is a distributed Broker backed by core NATS pub/sub (no JetStream:
// durability is the EventStore's job, per pkg/persistence, not the
// broker's). Grounded on pkg/core/eventbus_cluster_nats.go's
// clusterNATSEventBus, narrowed from EventBus's publish/send/request trio
// to the broker's single publish/subscribe channel model.
type NATS struct {
	nc     *nats.Conn
	prefix string
}

// NewNATS connects to a NATS server and returns a distributed Broker.
func NewNATS(cfg NATSConfig) (*NATS, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "fsm"
	}
	nc, err := nats.Connect(url, func(o *nats.Options) error {
		if cfg.Name != "" {
			o.Name = cfg.Name
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("broker: connect to nats: %w", err)
	}
	return &NATS{nc: nc, prefix: prefix}, nil
}

func (b *NATS) subject(channel string) string {
	return b.prefix + "." + channel
}

type wireEnvelope struct {
	Body json.RawMessage `json:"body"`
}

func (b *NATS) Publish(_ context.Context, channel string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("broker: marshal body: %w", err)
	}
	env, err := json.Marshal(wireEnvelope{Body: payload})
	if err != nil {
		return fmt.Errorf("broker: marshal envelope: %w", err)
	}
	return b.nc.Publish(b.subject(channel), env)
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Subscribe registers handler as a plain NATS subscriber on the channel's
// subject, so every process subscribed to a channel receives every message
// published to it — matching the fanout contract Broker.Publish documents,
// rather than NATS's queue-group load-balancing.
func (b *NATS) Subscribe(channel string, handler Handler) (Subscription, error) {
	subject := b.subject(channel)
	sub, err := b.nc.Subscribe(subject, func(m *nats.Msg) {
		var env wireEnvelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			return
		}
		var body any
		_ = json.Unmarshal(env.Body, &body)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = handler(ctx, Message{Channel: channel, Body: body})
	})
	if err != nil {
		return nil, fmt.Errorf("broker: subscribe %q: %w", channel, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATS) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	b.nc.Close()
	return nil
}
