package events

import (
	"context"
	"errors"
	"sync"
)

// MemoryBus delivers events within a single process.
type MemoryBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]func(JobEvent)
	closed   bool
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[int]func(JobEvent))}
}

// Publish calls every registered forwarder synchronously.
func (b *MemoryBus) Publish(ctx context.Context, ev JobEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, h := range b.handlers {
		h(ev)
	}
	return nil
}

// StartForwarder registers onEvent until ctx is done.
func (b *MemoryBus) StartForwarder(ctx context.Context, onEvent func(JobEvent)) error {
	if onEvent == nil {
		return errors.New("onEvent callback required")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	id := b.nextID
	b.nextID++
	b.handlers[id] = onEvent
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()
	return nil
}

// Close drops all forwarders. Later publishes fail with ErrClosed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	clear(b.handlers)
	return nil
}
