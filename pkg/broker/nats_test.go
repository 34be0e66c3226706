package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	natssrv "github.com/nats-io/nats-server/v2/server"
)

// runTestNATSServer starts an embedded, ephemeral-port NATS server for the
// duration of the test, grounded on
// pkg/core/eventbus_cluster_nats_test.go's runTestNATSServer.
func runTestNATSServer(t *testing.T) *natssrv.Server {
	t.Helper()

	opts := &natssrv.Options{Port: -1}
	s, err := natssrv.NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s
}

func TestNATSPublishSubscribeRoundTrip(t *testing.T) {
	s := runTestNATSServer(t)

	b, err := NewNATS(NATSConfig{URL: s.ClientURL(), Prefix: "fsmtest"})
	if err != nil {
		t.Fatalf("NewNATS: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	var mu sync.Mutex
	var received []map[string]any
	sub, err := b.Subscribe(ChannelEventsStateChange, func(ctx context.Context, msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		if m, ok := msg.Body.(map[string]any); ok {
			received = append(received, m)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	// NATS subscriptions activate asynchronously.
	time.Sleep(50 * time.Millisecond)

	if err := b.Publish(context.Background(), ChannelEventsStateChange, map[string]any{
		"instanceId": "inst-1", "toState": "Confirmed",
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected exactly one message, got %d", len(received))
	}
	if received[0]["instanceId"] != "inst-1" {
		t.Fatalf("unexpected payload: %#v", received[0])
	}
}

func TestNATSSubjectPrefixIsolatesRuntimes(t *testing.T) {
	s := runTestNATSServer(t)

	a, err := NewNATS(NATSConfig{URL: s.ClientURL(), Prefix: "runtime-a"})
	if err != nil {
		t.Fatalf("NewNATS a: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	b, err := NewNATS(NATSConfig{URL: s.ClientURL(), Prefix: "runtime-b"})
	if err != nil {
		t.Fatalf("NewNATS b: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	var mu sync.Mutex
	received := 0
	sub, err := b.Subscribe(ChannelRegistryAnnounce, func(ctx context.Context, msg Message) error {
		mu.Lock()
		received++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	time.Sleep(50 * time.Millisecond)
	if err := a.Publish(context.Background(), ChannelRegistryAnnounce, map[string]any{"runtimeId": "a"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if received != 0 {
		t.Fatalf("expected runtime-b's subscriber to be isolated from runtime-a's publish, got %d deliveries", received)
	}
}
