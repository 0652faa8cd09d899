package status

import (
	"fmt"
	"log/slog"
	"sync"

	"track-agent/internal/observability"
)

// Observer receives status codes on the bus dispatcher goroutine.
type Observer func(Code)

// Handle identifies a subscription.
type Handle uint64

type subscriber struct {
	id  Handle
	obs Observer
}

type delivery struct {
	id   Handle
	code Code
}

// Bus broadcasts status codes to observers. Publish never blocks on
// observers: deliveries are queued and run one at a time on a single
// dispatcher goroutine, so every observer sees codes in publish order.
type Bus struct {
	logger *slog.Logger

	mu      sync.Mutex
	subs    []subscriber
	nextID  Handle
	last    Code
	pending []delivery
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func NewBus(logger *slog.Logger) *Bus {
	b := &Bus{
		logger: logger.With("component", "status"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

// Subscribe adds obs after the existing observers. With replayLast the last
// published code, if any, is delivered to obs alone.
func (b *Bus) Subscribe(obs Observer, replayLast bool) Handle {
	if obs == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, obs: obs})
	if replayLast && b.last != None {
		b.enqueueLocked(delivery{id: id, code: b.last})
	}
	return id
}

func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == h {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) Publish(code Code) {
	observability.StatusEvents.WithLabelValues(code.String()).Inc()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = code
	for _, s := range b.subs {
		b.enqueueLocked(delivery{id: s.id, code: code})
	}
}

// Last returns the most recently published code, None if nothing was published.
func (b *Bus) Last() Code {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Close stops the dispatcher. Pending deliveries are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.pending = nil
	b.mu.Unlock()
	close(b.done)
}

func (b *Bus) enqueueLocked(d delivery) {
	if b.closed {
		return
	}
	b.pending = append(b.pending, d)
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) dispatchLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.wake:
		}
		for {
			obs, code, ok := b.next()
			if !ok {
				break
			}
			b.deliver(obs, code)
		}
	}
}

// next pops the next delivery whose subscriber is still registered.
func (b *Bus) next() (Observer, Code, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.pending) > 0 {
		d := b.pending[0]
		b.pending = b.pending[1:]
		for _, s := range b.subs {
			if s.id == d.id {
				return s.obs, d.code, true
			}
		}
	}
	return nil, None, false
}

func (b *Bus) deliver(obs Observer, code Code) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("status observer panicked", "status", code.String(), "err", fmt.Sprint(r))
		}
	}()
	obs(code)
}
