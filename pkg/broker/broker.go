// Package broker implements MessageBroker (spec §4.8): the pub/sub
// abstraction cross-component routing is built on, with an in-memory
// implementation for single-process deployments and a NATS-backed
// implementation for distributed ones. Grounded on the Publish/Consumer
// shape of pkg/core/eventbus.go (EventBus/Consumer/MessageHandler).
package broker

import "context"

// Channel vocabulary fixed by spec §4.8. Components never invent their own
// channel names for these concerns; only the per-component cross-routing
// channel is parameterized by component name.
const (
	ChannelRegistryAnnounce = "fsm:registry:announce"
	ChannelRegistryHeartbeat = "fsm:registry:heartbeat"
	ChannelRegistryShutdown  = "fsm:registry:shutdown"
	ChannelRegistryDiscover  = "fsm:registry:discover"

	ChannelEventsStateChange      = "fsm:events:state_change"
	ChannelEventsInstanceCreated  = "fsm:events:instance_created"
	ChannelEventsInstanceCompleted = "fsm:events:instance_completed"
	ChannelEventsTimeoutTriggered = "fsm:events:timeout_triggered"

	ChannelCommandsTriggerEvent     = "fsm:commands:trigger_event"
	ChannelCommandsCreateInstance   = "fsm:commands:create_instance"
	ChannelCommandsCrossComponentEvent = "fsm:commands:cross_component_event"
	ChannelCommandsQueryInstances   = "fsm:commands:query_instances"

	ChannelResponsesQuery = "fsm:responses:query"
)

// CrossComponentChannel returns the channel a component listens on for
// messages routed to it by name from other components.
func CrossComponentChannel(componentName string) string {
	return "xcomponent:" + componentName
}

// Message is one delivered broker message.
type Message struct {
	Channel string
	Body    any
}

// Handler processes one delivered Message. Handlers run on the broker's own
// dispatch goroutines and must not block for long.
type Handler func(ctx context.Context, msg Message) error

// Subscription allows a subscriber to stop receiving further messages.
type Subscription interface {
	Unsubscribe() error
}

// Broker is the message broker abstraction both in-memory and NATS-backed
// implementations satisfy.
type Broker interface {
	// Publish fans a message out to every current subscriber of channel.
	// Dispatch is always asynchronous relative to the caller (spec §9):
	// Publish enqueues and returns without waiting for handlers to run.
	Publish(ctx context.Context, channel string, body any) error

	// Subscribe registers handler for channel and returns a Subscription
	// that can later Unsubscribe.
	Subscribe(channel string, handler Handler) (Subscription, error)

	// Close releases broker resources.
	Close() error
}
