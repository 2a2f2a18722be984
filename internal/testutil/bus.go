package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dkeye/constellation/internal/core"
	"github.com/dkeye/constellation/internal/domain"
)

type record struct {
	Channel string
	Payload json.RawMessage
}

// Bus wraps a core.Presence and records every successful publish synchronously.
type Bus struct {
	core.Presence

	mu        sync.Mutex
	published []record
	lists     int
	failList  error
	hold      *hold
}

type hold struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func NewBus(inner core.Presence) *Bus {
	return &Bus{Presence: inner}
}

func (b *Bus) Publish(ctx context.Context, channel string, payload any) error {
	if err := b.Presence.Publish(ctx, channel, payload); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, record{Channel: channel, Payload: data})
	return nil
}

func (b *Bus) List(ctx context.Context, kind domain.RoomKind) ([]core.RoomListing, error) {
	b.mu.Lock()
	b.lists++
	fail := b.failList
	h := b.hold
	b.hold = nil
	b.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	listings, err := b.Presence.List(ctx, kind)
	if h != nil {
		close(h.entered)
		<-h.release
	}
	return listings, err
}

// HoldNextList makes the next List take its listing, signal entered, then
// block until release is called.
func (b *Bus) HoldNextList() (entered <-chan struct{}, release func()) {
	h := &hold{entered: make(chan struct{}), release: make(chan struct{})}
	b.mu.Lock()
	b.hold = h
	b.mu.Unlock()
	return h.entered, func() { h.once.Do(func() { close(h.release) }) }
}

// FailList makes List return err until called again with nil.
func (b *Bus) FailList(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failList = err
}

func (b *Bus) Lists() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lists
}

// On returns the payloads published on channel, in order.
func (b *Bus) On(channel string) []json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []json.RawMessage
	for _, p := range b.published {
		if p.Channel == channel {
			out = append(out, p.Payload)
		}
	}
	return out
}
