// Package directory implements the admin room. It keeps a cached view of all
// live game rooms and relays admin commands to them over the presence bus.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dkeye/constellation/internal/core"
	"github.com/dkeye/constellation/internal/domain"
)

type Config struct {
	GameKind        domain.RoomKind
	RefreshInterval time.Duration
	// RefreshDelay is how long after create/delete the view is rebuilt,
	// giving the bus time to list the change.
	RefreshDelay time.Duration
	GameURL      func(domain.RoomID) string
}

func (c Config) withDefaults() Config {
	if c.GameKind == "" {
		c.GameKind = domain.KindGame
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 5 * time.Second
	}
	if c.RefreshDelay <= 0 {
		c.RefreshDelay = 200 * time.Millisecond
	}
	if c.GameURL == nil {
		c.GameURL = func(id domain.RoomID) string { return fmt.Sprintf("/game/%s", id) }
	}
	return c
}

// Session is the admin room. The cached entries are owned by the mailbox.
type Session struct {
	*core.Session

	bus       core.Presence
	cfg       Config
	validate  *validator.Validate
	refreshes singleflight.Group

	entries map[domain.RoomID]*domain.DirectoryEntry
	order   []domain.RoomID
	sub     core.Subscription
}

// Factory builds admin rooms for the presence bus.
func Factory(bus core.Presence, cfg Config) core.RoomFactory {
	return func(ctx context.Context, id domain.RoomID, _ domain.RoomOptions) (core.Room, error) {
		s, err := New(ctx, id, bus, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func New(ctx context.Context, id domain.RoomID, bus core.Presence, cfg Config) (*Session, error) {
	s := &Session{
		bus:      bus,
		cfg:      cfg.withDefaults(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		entries:  make(map[domain.RoomID]*domain.DirectoryEntry),
	}
	s.Session = core.NewSession(ctx, id, domain.KindAdmin, s, core.SessionConfig{})
	s.SetMetadata(domain.RoomMetadata{Name: "admin", Type: string(domain.KindAdmin), CreatedAt: s.CreatedAt()})

	s.OnMessage("create_room", s.handleCreateRoom)
	s.OnMessage("start_game", s.handleStartGame)
	s.OnMessage("delete_room", s.handleDeleteRoom)
	s.OnMessage("assign_team", s.handleAssignTeam)

	sub, err := bus.Subscribe(domain.UpdateChannel, s.onRosterUpdate)
	if err != nil {
		s.Dispose()
		return nil, fmt.Errorf("subscribe %s: %w", domain.UpdateChannel, err)
	}
	if err := s.Call(func() { s.sub = sub }); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("admin room %s: %w", id, err)
	}
	s.Every(s.cfg.RefreshInterval, s.Refresh)

	log.Info().Str("module", "directory").Str("room", string(id)).Dur("refresh_interval", s.cfg.RefreshInterval).Msg("admin room created")
	return s, nil
}

func (s *Session) OnJoin(sid core.SessionID, _ domain.RoomOptions) {
	log.Info().Str("module", "directory").Str("sid", string(sid)).Msg("admin client joined")
	s.Go(s.Refresh)
}

func (s *Session) OnLeave(sid core.SessionID) {
	log.Info().Str("module", "directory").Str("sid", string(sid)).Msg("admin client left")
}

func (s *Session) OnDispose() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	log.Info().Str("module", "directory").Str("room", string(s.ID())).Msg("admin room disposed")
}

// Refresh rebuilds the view from the bus listing and sends it to every admin client.
// Concurrent calls share one listing. Must not be called from the mailbox.
func (s *Session) Refresh(ctx context.Context) {
	_, err, _ := s.refreshes.Do("rooms", func() (any, error) {
		listings, err := s.bus.List(ctx, s.cfg.GameKind)
		if err != nil {
			return nil, err
		}
		return nil, s.Call(func() { s.replace(listings) })
	})
	if err != nil && ctx.Err() == nil && !errors.Is(err, core.ErrSessionClosed) {
		log.Error().Err(err).Str("module", "directory").Msg("error updating rooms list")
	}
}

// Resync is Refresh with a listing started now. It never joins one already in
// flight, which may predate a create or delete.
func (s *Session) Resync(ctx context.Context) {
	s.refreshes.Forget("rooms")
	s.Refresh(ctx)
}

// replace swaps the whole view for listings. Rosters seen on the update
// channel survive for rooms still listed.
func (s *Session) replace(listings []core.RoomListing) {
	entries := make(map[domain.RoomID]*domain.DirectoryEntry, len(listings))
	order := make([]domain.RoomID, 0, len(listings))
	for _, l := range listings {
		state := l.Metadata.GameState
		if state == "" {
			state = domain.Waiting
		}
		e := &domain.DirectoryEntry{
			RoomID:    l.RoomID,
			Clients:   l.Clients,
			Metadata:  l.Metadata,
			State:     state,
			CreatedAt: l.CreatedAt,
		}
		if prev, ok := s.entries[l.RoomID]; ok {
			e.Players = prev.Players
		}
		entries[l.RoomID] = e
		order = append(order, l.RoomID)
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := entries[order[i]], entries[order[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.RoomID < b.RoomID
	})
	s.entries = entries
	s.order = order
	s.Broadcast("rooms_update", s.view())
}

func (s *Session) view() []domain.DirectoryEntry {
	out := make([]domain.DirectoryEntry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.entries[id])
	}
	return out
}

// View returns the cached directory in creation order.
func (s *Session) View() []domain.DirectoryEntry {
	var out []domain.DirectoryEntry
	if err := s.Call(func() { out = s.view() }); err != nil {
		return nil
	}
	return out
}

// onRosterUpdate runs on the bus goroutine. The snapshot is relayed to admin
// clients as is; entries are only updated, never created, from it.
func (s *Session) onRosterUpdate(payload json.RawMessage) {
	var snap domain.RosterSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		log.Error().Err(err).Str("module", "directory").Msg("bad roster update")
		return
	}
	s.Do(func() {
		if e, ok := s.entries[snap.RoomID]; ok {
			e.Players = snap.Players
			e.Clients = snap.PlayerCount
			e.State = snap.State
		}
		s.Broadcast("player_update", payload)
	})
}
