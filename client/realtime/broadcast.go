package realtime

import "sync"

// Subscription is one subscriber's view of a topic. Messages arrive on C in
// publish order. Close detaches the subscriber and closes C; it is safe to
// call more than once.
type Subscription[T any] struct {
	C <-chan T

	once   sync.Once
	cancel func()
}

func (s *Subscription[T]) Close() {
	s.once.Do(s.cancel)
}

// hub fans values out to every current subscriber. Publishing never blocks:
// a subscriber whose buffer is full misses the message.
type hub[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	buffer int
}

func newHub[T any](buffer int) *hub[T] {
	return &hub[T]{
		subs:   make(map[int]chan T),
		buffer: buffer,
	}
}

func (h *hub[T]) subscribe() *Subscription[T] {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan T, h.buffer)
	h.subs[id] = ch

	return &Subscription[T]{
		C: ch,
		cancel: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		},
	}
}

func (h *hub[T]) publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- v:
		default:
		}
	}
}
