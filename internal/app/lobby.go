package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/constellation/internal/app/directory"
	"github.com/dkeye/constellation/internal/app/game"
	"github.com/dkeye/constellation/internal/core"
	"github.com/dkeye/constellation/internal/domain"
)

// Host is a presence bus that can also host rooms in this process.
type Host interface {
	core.Presence
	Define(kind domain.RoomKind, f core.RoomFactory)
	Lookup(id domain.RoomID) (core.Room, bool)
}

type LobbyConfig struct {
	DefaultMaxPlayers int
	MaxTeams          int
	AutoDispose       bool
	IdleGrace         time.Duration
	JoinTimeout       time.Duration
	RefreshInterval   time.Duration
	RefreshDelay      time.Duration
}

// Lobby wires both room kinds onto a host and owns the admin room.
type Lobby struct {
	host     Host
	admin    core.Room
	Registry *Registry
}

func NewLobby(ctx context.Context, host Host, cfg LobbyConfig) (*Lobby, error) {
	policy := core.SimplePolicy{}
	host.Define(domain.KindGame, game.Factory(host, game.Config{
		DefaultMaxPlayers: cfg.DefaultMaxPlayers,
		MaxTeams:          cfg.MaxTeams,
		Policy:            policy,
		AutoDispose:       cfg.AutoDispose,
		IdleGrace:         cfg.IdleGrace,
		JoinTimeout:       cfg.JoinTimeout,
	}))
	host.Define(domain.KindAdmin, directory.Factory(host, directory.Config{
		GameKind:        domain.KindGame,
		RefreshInterval: cfg.RefreshInterval,
		RefreshDelay:    cfg.RefreshDelay,
	}))

	listing, err := host.Create(ctx, domain.KindAdmin, nil)
	if err != nil {
		return nil, fmt.Errorf("create admin room: %w", err)
	}
	admin, ok := host.Lookup(listing.RoomID)
	if !ok {
		return nil, fmt.Errorf("admin room %s: %w", listing.RoomID, core.ErrRoomNotFound)
	}
	log.Info().Str("module", "app.lobby").Str("admin", string(admin.ID())).Msg("lobby ready")
	return &Lobby{host: host, admin: admin, Registry: NewRegistry()}, nil
}

func (l *Lobby) Admin() core.Room { return l.admin }

// Game finds a live game room by id.
func (l *Lobby) Game(id domain.RoomID) (core.Room, bool) {
	r, ok := l.host.Lookup(id)
	if !ok || r.Kind() != domain.KindGame {
		return nil, false
	}
	return r, true
}

func (l *Lobby) Rooms(ctx context.Context) ([]core.RoomListing, error) {
	return l.host.List(ctx, domain.KindGame)
}
