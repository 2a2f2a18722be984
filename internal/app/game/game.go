// Package game implements the game room: player roster, team assignment and
// the waiting→playing lifecycle. Every change is published on
// domain.UpdateChannel for the directory.
package game

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/constellation/internal/core"
	"github.com/dkeye/constellation/internal/domain"
)

type Config struct {
	DefaultMaxPlayers int
	// MaxTeams bounds team indices to [0, MaxTeams). Zero accepts any index.
	MaxTeams int
	Policy   core.Policy

	// AutoDispose tears the room down once it is empty: IdleGrace after the
	// last client leaves, or JoinTimeout after creation if nobody joins.
	AutoDispose bool
	IdleGrace   time.Duration
	JoinTimeout time.Duration
}

// State is the authoritative room state sent to the room's clients.
type State struct {
	Players   []domain.Player    `json:"players"`
	GameState domain.Lifecycle   `json:"gameState"`
	Config    domain.RoomOptions `json:"config"`
	Teams     map[string]any     `json:"teams"`
}

// Session is a game room. Roster and lifecycle are owned by the mailbox.
type Session struct {
	*core.Session

	bus    core.Presence
	cfg    Config
	config domain.RoomOptions

	players *domain.Roster
	state   domain.Lifecycle
	teams   map[string]any
	sub     core.Subscription

	// idleGen changes on every join and leave; a pending idle check only
	// fires if it still matches.
	idleGen uint64
}

// Factory builds game rooms for the presence bus.
func Factory(bus core.Presence, cfg Config) core.RoomFactory {
	return func(ctx context.Context, id domain.RoomID, opts domain.RoomOptions) (core.Room, error) {
		s, err := New(ctx, id, opts, bus, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func New(ctx context.Context, id domain.RoomID, opts domain.RoomOptions, bus core.Presence, cfg Config) (*Session, error) {
	maxClients := cfg.DefaultMaxPlayers
	if n, ok := opts.Int("maxPlayers"); ok && n > 0 {
		maxClients = n
	}

	s := &Session{
		bus:     bus,
		cfg:     cfg,
		config:  opts.Clone(),
		players: domain.NewRoster(),
		state:   domain.Waiting,
		teams:   make(map[string]any),
	}
	s.Session = core.NewSession(ctx, id, domain.KindGame, s, core.SessionConfig{
		MaxClients: maxClients,
		Policy:     cfg.Policy,
	})
	s.SetMetadata(domain.NewGameMetadata(id, opts, s.CreatedAt()))

	s.OnMessage("join_team", s.handleJoinTeam)
	s.OnMessage("start_game", s.handleStartGame)

	sub, err := bus.Subscribe(domain.CommandChannel(id), s.onCommand)
	if err != nil {
		s.Dispose()
		return nil, fmt.Errorf("subscribe commands of %s: %w", id, err)
	}
	if err := s.Call(func() { s.sub = sub }); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("room %s: %w", id, err)
	}

	if s.cfg.AutoDispose && s.cfg.JoinTimeout > 0 {
		s.scheduleIdle(0, s.cfg.JoinTimeout)
	}

	log.Info().Str("module", "game").Str("room", string(id)).Int("max_clients", maxClients).Interface("options", opts).Msg("game room created")
	return s, nil
}

func (s *Session) OnJoin(sid core.SessionID, opts domain.RoomOptions) {
	p := domain.NewPlayer(domain.PlayerID(sid), opts)
	s.players.Add(p)
	s.idleGen++
	log.Info().Str("module", "game").Str("room", string(s.ID())).Str("player", string(p.ID)).Str("name", p.Name).Msg("player joined")
	s.changed()
}

func (s *Session) OnLeave(sid core.SessionID) {
	s.players.Remove(domain.PlayerID(sid))
	log.Info().Str("module", "game").Str("room", string(s.ID())).Str("player", string(sid)).Msg("player left")
	s.changed()

	s.idleGen++
	if s.cfg.AutoDispose && s.ClientCount() == 0 {
		s.scheduleIdle(s.idleGen, s.cfg.IdleGrace)
	}
}

// scheduleIdle disposes the room after delay if it is still empty and no
// join or leave happened meanwhile. Runs on the mailbox.
func (s *Session) scheduleIdle(gen uint64, delay time.Duration) {
	check := func() {
		if s.idleGen != gen || s.ClientCount() > 0 {
			return
		}
		log.Info().Str("module", "game").Str("room", string(s.ID())).Msg("room idle, disposing")
		s.Dispose()
	}
	if delay <= 0 {
		check()
		return
	}
	s.After(delay, func(context.Context) { s.Do(check) })
}

func (s *Session) OnDispose() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	s.players.Clear()
	log.Info().Str("module", "game").Str("room", string(s.ID())).Msg("game room disposed")
}

// assignTeam ignores unknown players and, when bounded, out-of-range indices.
// A nil team clears the assignment.
func (s *Session) assignTeam(pid domain.PlayerID, team *int) {
	p, ok := s.players.Get(pid)
	switch {
	case !ok:
		log.Debug().Str("module", "game").Str("room", string(s.ID())).Str("player", string(pid)).Msg("assign team: unknown player")
	case !s.teamAllowed(team):
		log.Warn().Str("module", "game").Str("room", string(s.ID())).Str("player", string(pid)).Int("team", *team).Msg("assign team: index out of range")
	case team == nil:
		p.Team = nil
	default:
		idx := *team
		p.Team = &idx
		log.Info().Str("module", "game").Str("room", string(s.ID())).Str("player", string(pid)).Int("team", idx).Msg("team assigned")
	}
	s.changed()
}

func (s *Session) teamAllowed(team *int) bool {
	if team == nil || s.cfg.MaxTeams <= 0 {
		return true
	}
	return *team >= 0 && *team < s.cfg.MaxTeams
}

// start fires only from waiting; it reports whether the transition happened.
func (s *Session) start() bool {
	if s.state != domain.Waiting {
		return false
	}
	s.state = domain.Playing
	s.UpdateMetadata(func(md *domain.RoomMetadata) { md.GameState = domain.Playing })
	s.Broadcast("game_started", map[string]domain.Lifecycle{"gameState": domain.Playing})
	s.changed()
	log.Info().Str("module", "game").Str("room", string(s.ID())).Msg("game started")
	return true
}

// changed syncs state to the room's clients and publishes one roster snapshot.
func (s *Session) changed() {
	s.Broadcast("state", s.snapshotState())

	snap := domain.RosterSnapshot{
		RoomID:      s.ID(),
		Players:     s.players.Snapshot(),
		State:       s.state,
		PlayerCount: s.ClientCount(),
	}
	if err := s.bus.Publish(s.Context(), domain.UpdateChannel, snap); err != nil {
		log.Error().Err(err).Str("module", "game").Str("room", string(s.ID())).Msg("publish roster update")
	}
}

func (s *Session) snapshotState() State {
	teams := make(map[string]any, len(s.teams))
	for k, v := range s.teams {
		teams[k] = v
	}
	return State{
		Players:   s.players.Snapshot(),
		GameState: s.state,
		Config:    s.config,
		Teams:     teams,
	}
}

func (s *Session) handleJoinTeam(sid core.SessionID, data json.RawMessage) {
	var p struct {
		TeamIndex *int `json:"teamIndex"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "game").Str("room", string(s.ID())).Str("sid", string(sid)).Msg("bad join_team payload")
		return
	}
	s.assignTeam(domain.PlayerID(sid), p.TeamIndex)
}

func (s *Session) handleStartGame(sid core.SessionID, _ json.RawMessage) {
	if !s.start() {
		log.Debug().Str("module", "game").Str("room", string(s.ID())).Str("sid", string(sid)).Msg("start ignored, already playing")
	}
}

// onCommand runs on the bus goroutine and hands the command to the mailbox.
func (s *Session) onCommand(payload json.RawMessage) {
	var cmd domain.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.Error().Err(err).Str("module", "game").Str("room", string(s.ID())).Msg("bad command")
		return
	}
	s.Do(func() { s.apply(cmd) })
}

func (s *Session) apply(cmd domain.Command) {
	log.Info().Str("module", "game").Str("room", string(s.ID())).Str("command", string(cmd.Type)).Msg("directory command")
	switch cmd.Type {
	case domain.CmdStartGame:
		s.start()
	case domain.CmdAssignTeam:
		s.assignTeam(cmd.PlayerID, cmd.TeamIndex)
	case domain.CmdForceDispose:
		s.Dispose()
	default:
		log.Warn().Str("module", "game").Str("room", string(s.ID())).Str("command", string(cmd.Type)).Msg("unknown command")
	}
}

// Players returns the roster in join order.
func (s *Session) Players() []domain.Player {
	var out []domain.Player
	if err := s.Call(func() { out = s.players.Snapshot() }); err != nil {
		return nil
	}
	return out
}

func (s *Session) State() domain.Lifecycle {
	var st domain.Lifecycle
	if err := s.Call(func() { st = s.state }); err != nil {
		return ""
	}
	return st
}

func (s *Session) Config() domain.RoomOptions {
	return s.config.Clone()
}
