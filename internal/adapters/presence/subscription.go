package presence

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/constellation/internal/core"
)

// subscription delivers payloads to its handler on its own goroutine, in publish order.
// The queue is unbounded so a slow handler never makes a publisher drop messages.
type subscription struct {
	bus     *Local
	channel string
	handler core.Handler

	mu      sync.Mutex
	queue   []json.RawMessage
	stopped bool
	wake    chan struct{}
	quit    chan struct{}
	once    sync.Once
}

func newSubscription(bus *Local, channel string, h core.Handler) *subscription {
	s := &subscription{
		bus:     bus,
		channel: channel,
		handler: h,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *subscription) push(data json.RawMessage) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, data)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) loop() {
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if s.stopped || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			next := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.deliver(next)
		}
	}
}

func (s *subscription) deliver(data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "presence").Str("channel", s.channel).Interface("panic", r).Msg("subscriber panicked")
		}
	}()
	s.handler(data)
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.queue = nil
		s.mu.Unlock()
		close(s.quit)
	})
}

// Unsubscribe is idempotent. A delivery already in progress may still complete.
func (s *subscription) Unsubscribe() {
	s.bus.unsubscribe(s)
	s.stop()
}
