package state

import (
	"sync"

	"github.com/surge-downloader/otaupdate/internal/engine/events"
	"github.com/surge-downloader/otaupdate/internal/engine/types"
)

type hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	mu      sync.Mutex
	pending map[string]any
	order   []string
	notify  chan struct{}
	out     chan any
	done    chan struct{}
	once    sync.Once
}

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

func (h *hub) subscribe() (<-chan any, func()) {
	sub := &subscriber{
		pending: make(map[string]any),
		notify:  make(chan struct{}, 1),
		out:     make(chan any, types.SubscriberBuffer),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.out)
		return sub.out, func() {}
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	go sub.pump()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		sub.stop()
	}
	return sub.out, cancel
}

func (h *hub) publish(msg any) {
	key := events.Name(msg)
	if key == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		sub.offer(key, msg)
	}
}

func (h *hub) close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*subscriber]struct{})
	h.closed = true
	h.mu.Unlock()
	for sub := range subs {
		sub.stop()
	}
}

// offer replaces any unsent message of the same kind.
func (s *subscriber) offer(key string, msg any) {
	s.mu.Lock()
	if _, ok := s.pending[key]; !ok {
		s.order = append(s.order, key)
	}
	s.pending[key] = msg
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) take() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]any, 0, len(s.order))
	for _, k := range s.order {
		msgs = append(msgs, s.pending[k])
	}
	s.order = s.order[:0]
	clear(s.pending)
	return msgs
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for _, msg := range s.take() {
			select {
			case s.out <- msg:
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}
