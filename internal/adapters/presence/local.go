// Package presence provides an in-process implementation of core.Presence.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/constellation/internal/core"
	"github.com/dkeye/constellation/internal/domain"
)

// Local is a single-process presence bus: ordered per-channel pub/sub plus
// the directory of rooms hosted in this process.
type Local struct {
	ctx context.Context

	mu        sync.RWMutex
	closed    bool
	subs      map[string]map[*subscription]struct{}
	factories map[domain.RoomKind]core.RoomFactory
	rooms     map[domain.RoomID]core.Room
	newID     func() domain.RoomID
}

// NewLocal creates an open bus. Rooms it creates live until disposed or until ctx is cancelled.
func NewLocal(ctx context.Context) *Local {
	return &Local{
		ctx:       ctx,
		subs:      make(map[string]map[*subscription]struct{}),
		factories: make(map[domain.RoomKind]core.RoomFactory),
		rooms:     make(map[domain.RoomID]core.Room),
		newID:     domain.NewRoomID,
	}
}

// Define registers the factory used by Create for kind.
func (b *Local) Define(kind domain.RoomKind, f core.RoomFactory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.factories[kind] = f
	log.Info().Str("module", "presence").Str("kind", string(kind)).Msg("room kind defined")
}

// WithIDs replaces the room id generator.
func (b *Local) WithIDs(gen func() domain.RoomID) *Local {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.newID = gen
	return b
}

// Close makes every later call fail with core.ErrBusUnavailable and stops all subscriptions.
// Hosted rooms are left running.
func (b *Local) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscription
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[*subscription]struct{})
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
	log.Warn().Str("module", "presence").Msg("bus closed")
}

func (b *Local) Publish(ctx context.Context, channel string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("publish %s: %w", channel, core.ErrBusUnavailable)
	}
	for s := range b.subs[channel] {
		s.push(data)
	}
	return nil
}

func (b *Local) Subscribe(channel string, h core.Handler) (core.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe %s: %w", channel, core.ErrBusUnavailable)
	}
	s := newSubscription(b, channel, h)
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*subscription]struct{})
	}
	b.subs[channel][s] = struct{}{}
	return s, nil
}

func (b *Local) unsubscribe(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[s.channel], s)
	if len(b.subs[s.channel]) == 0 {
		delete(b.subs, s.channel)
	}
}

func (b *Local) Create(ctx context.Context, kind domain.RoomKind, opts domain.RoomOptions) (core.RoomListing, error) {
	if err := ctx.Err(); err != nil {
		return core.RoomListing{}, err
	}
	b.mu.RLock()
	closed := b.closed
	f, ok := b.factories[kind]
	newID := b.newID
	b.mu.RUnlock()
	if closed {
		return core.RoomListing{}, fmt.Errorf("create %s: %w", kind, core.ErrBusUnavailable)
	}
	if !ok {
		return core.RoomListing{}, fmt.Errorf("create %s: no such room kind: %w", kind, core.ErrCreation)
	}
	if opts == nil {
		opts = domain.RoomOptions{}
	}

	id := newID()
	room, err := f(b.ctx, id, opts)
	if err != nil {
		return core.RoomListing{}, fmt.Errorf("create %s: %w: %w", kind, core.ErrCreation, err)
	}

	b.mu.Lock()
	b.rooms[id] = room
	b.mu.Unlock()
	go b.watch(room)

	log.Info().Str("module", "presence").Str("kind", string(kind)).Str("room", string(id)).Msg("room created")
	return room.Listing(), nil
}

// watch drops a room from the directory once it is disposed.
func (b *Local) watch(room core.Room) {
	select {
	case <-room.Done():
	case <-b.ctx.Done():
		room.Dispose()
		<-room.Done()
	}
	b.mu.Lock()
	delete(b.rooms, room.ID())
	b.mu.Unlock()
	log.Info().Str("module", "presence").Str("room", string(room.ID())).Msg("room removed")
}

func (b *Local) List(ctx context.Context, kind domain.RoomKind) ([]core.RoomListing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, fmt.Errorf("list %s: %w", kind, core.ErrBusUnavailable)
	}
	rooms := make([]core.Room, 0, len(b.rooms))
	for _, r := range b.rooms {
		if r.Kind() == kind {
			rooms = append(rooms, r)
		}
	}
	b.mu.RUnlock()

	out := make([]core.RoomListing, 0, len(rooms))
	for _, r := range rooms {
		select {
		case <-r.Done():
			continue
		default:
		}
		out = append(out, r.Listing())
	}
	return out, nil
}

// Lookup finds a hosted room for the transport.
func (b *Local) Lookup(id domain.RoomID) (core.Room, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.rooms[id]
	return r, ok
}
