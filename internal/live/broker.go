package live

import (
	"context"
	"errors"
	"sync"
)

// ErrBrokerClosed is returned after Close.
var ErrBrokerClosed = errors.New("broker closed")

// Broker is the channel shared by every process serving dashboards.
type Broker interface {
	Publish(ctx context.Context, data []byte) error
	// Subscribe delivers every published payload to handler until ctx is done or
	// the subscription fails. ready is closed once delivery has started.
	Subscribe(ctx context.Context, ready chan<- struct{}, handler func([]byte)) error
	Close() error
}

// LocalBroker delivers payloads to the subscribers of the same process.
type LocalBroker struct {
	mu       sync.RWMutex
	handlers map[int]func([]byte)
	nextID   int
	closed   bool
}

var _ Broker = (*LocalBroker)(nil)

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{handlers: make(map[int]func([]byte))}
}

func (b *LocalBroker) Publish(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for _, h := range b.handlers {
		h(data)
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context, ready chan<- struct{}, handler func([]byte)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()

	if ready != nil {
		close(ready)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
