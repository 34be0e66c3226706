package broker

import (
	"context"
	"sync"

	"github.com/fluxorio/fsmruntime/pkg/core/concurrency"
)

// InMemory is a single-process Broker, grounded on the
// map[string][]*consumer + sync.RWMutex shape of pkg/core's eventBus, with
// dispatch routed through a concurrency.Executor instead of spawning a
// goroutine per publish so delivery is bounded and backpressured.
type InMemory struct {
	mu          sync.RWMutex
	subscribers map[string]map[int]Handler
	nextID      int
	executor    concurrency.Executor
	logger      Logger

	wg sync.WaitGroup
}

// Logger is the minimal logging surface InMemory needs; satisfied by
// pkg/core.Logger without importing the core package's full interface.
type Logger interface {
	Warnf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warnf(string, ...any) {}

// NewInMemory creates an in-memory Broker backed by the given executor. If
// executor is nil, one is created from concurrency.DefaultExecutorConfig()
// under ctx. Close shuts the executor down, whether it was passed in or
// created here.
func NewInMemory(ctx context.Context, executor concurrency.Executor, logger Logger) *InMemory {
	if executor == nil {
		executor = concurrency.NewExecutor(ctx, concurrency.DefaultExecutorConfig())
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &InMemory{
		subscribers: make(map[string]map[int]Handler),
		executor:    executor,
		logger:      logger,
	}
}

type memorySubscription struct {
	b       *InMemory
	channel string
	id      int
}

func (s *memorySubscription) Unsubscribe() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	delete(s.b.subscribers[s.channel], s.id)
	if len(s.b.subscribers[s.channel]) == 0 {
		delete(s.b.subscribers, s.channel)
	}
	return nil
}

func (b *InMemory) Subscribe(channel string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[channel] == nil {
		b.subscribers[channel] = make(map[int]Handler)
	}
	b.nextID++
	id := b.nextID
	b.subscribers[channel][id] = handler
	return &memorySubscription{b: b, channel: channel, id: id}, nil
}

func (b *InMemory) Publish(ctx context.Context, channel string, body any) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subscribers[channel]))
	for _, h := range b.subscribers[channel] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	msg := Message{Channel: channel, Body: body}
	for _, h := range handlers {
		handler := h
		b.wg.Add(1)
		task := concurrency.NewNamedTask("broker.dispatch."+channel, func(taskCtx context.Context) error {
			defer b.wg.Done()
			if err := handler(taskCtx, msg); err != nil {
				b.logger.Warnf("broker handler error on %s: %v", channel, err)
			}
			return nil
		})
		if err := b.executor.Submit(task); err != nil {
			b.wg.Done()
			b.logger.Warnf("broker overloaded, dropping message on %s: %v", channel, err)
		}
	}
	return nil
}

// Quiesce blocks until every message Published so far has finished being
// dispatched to all handlers. It exists purely for deterministic tests
// against the always-async Publish contract (spec §9) and has no
// production caller.
func (b *InMemory) Quiesce() {
	b.wg.Wait()
}

func (b *InMemory) Close() error {
	return b.executor.Shutdown(context.Background())
}
