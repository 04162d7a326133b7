package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/babelcloud/gbox/packages/media/internal/util"
)

// Sink consumes values from a Broadcaster. Offer may block to apply
// backpressure; returning done=true detaches the sink.
type Sink[T any] interface {
	Offer(ctx context.Context, v T) (done bool, err error)
	// Close is called exactly once when the sink is detached. err is nil
	// when the sink finished on its own or the upstream ended normally.
	Close(err error)
}

// Broadcaster fans one upstream cursor out to several sinks. Offers are
// serialized: a sink blocked on its own queue stalls delivery to every
// other sink sharing the broadcaster.
type Broadcaster[T any] struct {
	mu     sync.RWMutex
	sinks  map[string]Sink[T]
	order  []string
	closed bool
}

// NewBroadcaster creates a new broadcaster instance.
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{
		sinks: make(map[string]Sink[T]),
	}
}

// Subscribe attaches sink and returns its id. An empty id gets a generated
// one.
func (b *Broadcaster[T]) Subscribe(id string, sink Sink[T]) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	if b.closed {
		sink.Close(nil)
		return id
	}
	if _, exists := b.sinks[id]; !exists {
		b.order = append(b.order, id)
	}
	b.sinks[id] = sink

	util.GetLogger().Debug("Broadcaster subscriber added", "id", id, "total", len(b.sinks))
	return id
}

// Unsubscribe detaches a sink and closes it with err.
func (b *Broadcaster[T]) Unsubscribe(id string, err error) {
	b.mu.Lock()
	sink, exists := b.sinks[id]
	if exists {
		b.remove(id)
	}
	b.mu.Unlock()

	if exists {
		sink.Close(err)
		util.GetLogger().Debug("Broadcaster subscriber removed", "id", id, "remaining", b.SubscriberCount())
	}
}

func (b *Broadcaster[T]) remove(id string) {
	delete(b.sinks, id)
	for i, o := range b.order {
		if o == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Broadcast offers v to every attached sink in subscription order. Sinks
// that report done, or whose consumer went away, are detached. A context
// error aborts the broadcast and is returned.
func (b *Broadcaster[T]) Broadcast(ctx context.Context, v T) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil
	}
	ids := append([]string(nil), b.order...)
	sinks := make([]Sink[T], len(ids))
	for i, id := range ids {
		sinks[i] = b.sinks[id]
	}
	b.mu.RUnlock()

	for i, sink := range sinks {
		done, err := sink.Offer(ctx, v)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, ErrStreamCancelled) {
				b.Unsubscribe(ids[i], nil)
				continue
			}
			b.Unsubscribe(ids[i], err)
			continue
		}
		if done {
			b.Unsubscribe(ids[i], nil)
		}
	}
	return nil
}

// Close detaches every sink, closing each with err.
func (b *Broadcaster[T]) Close(err error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	sinks := make([]Sink[T], 0, len(b.order))
	for _, id := range b.order {
		sinks = append(sinks, b.sinks[id])
	}
	b.sinks = make(map[string]Sink[T])
	b.order = nil
	b.mu.Unlock()

	for _, sink := range sinks {
		sink.Close(err)
	}
	util.GetLogger().Debug("Broadcaster closed", "sinks", len(sinks))
}

// SubscriberCount returns the current number of attached sinks.
func (b *Broadcaster[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sinks)
}
