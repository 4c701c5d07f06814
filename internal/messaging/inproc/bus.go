package inproc

import (
	"errors"
	"fmt"
	"sync"

	"claw_council/internal/domain"
)

var (
	ErrNoSubscribers = errors.New("no subscribers registered in bus")
	ErrQueueFull     = errors.New("subscriber queue is full")
)

// Bus fans round transitions out to in-process subscribers. Publishing never
// blocks: a subscriber that falls behind loses the transition and the caller
// gets ErrQueueFull.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Transition
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.Transition),
		buffer: buffer,
	}
}

func (b *Bus) Subscribe(name string) <-chan domain.Transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[name]; ok {
		return ch
	}
	ch := make(chan domain.Transition, b.buffer)
	b.subs[name] = ch
	return ch
}

func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[name]
	if !ok {
		return
	}
	delete(b.subs, name)
	close(ch)
}

func (b *Bus) Publish(tr domain.Transition) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.subs) == 0 {
		return ErrNoSubscribers
	}
	var errs []error
	for name, ch := range b.subs {
		select {
		case ch <- tr:
		default:
			errs = append(errs, fmt.Errorf("%w: %s", ErrQueueFull, name))
		}
	}
	return errors.Join(errs...)
}
