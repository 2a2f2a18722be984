package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/constellation/internal/core"
	"github.com/dkeye/constellation/internal/domain"
)

const roomNotFound = "Room not found"

type createRoomRequest struct {
	Options domain.RoomOptions `json:"options"`
}

type roomRequest struct {
	RoomID domain.RoomID `json:"roomId" validate:"required"`
}

type assignTeamRequest struct {
	RoomID    domain.RoomID   `json:"roomId" validate:"required"`
	PlayerID  domain.PlayerID `json:"playerId" validate:"required"`
	TeamIndex *int            `json:"teamIndex"`
}

type roomCreated struct {
	Success bool          `json:"success"`
	RoomID  domain.RoomID `json:"roomId,omitempty"`
	GameURL string        `json:"gameUrl,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type ack struct {
	Success bool          `json:"success"`
	RoomID  domain.RoomID `json:"roomId"`
	Error   string        `json:"error,omitempty"`
}

// decode parses and validates a payload; an empty payload is treated as {}.
func (s *Session) decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("bad payload: %w", err)
	}
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func (s *Session) reply(sid core.SessionID, typ string, payload any) {
	if err := s.Send(sid, typ, payload); err != nil {
		log.Warn().Err(err).Str("module", "directory").Str("sid", string(sid)).Str("type", typ).Msg("reply not delivered")
	}
}

func (s *Session) handleCreateRoom(sid core.SessionID, data json.RawMessage) {
	var req createRoomRequest
	if err := s.decode(data, &req); err != nil {
		s.reply(sid, "room_created", roomCreated{Error: err.Error()})
		return
	}
	log.Info().Str("module", "directory").Str("sid", string(sid)).Interface("options", req.Options).Msg("create_room")
	s.Go(func(ctx context.Context) { s.createRoom(ctx, sid, req.Options) })
}

func (s *Session) createRoom(ctx context.Context, sid core.SessionID, opts domain.RoomOptions) {
	listing, err := s.bus.Create(ctx, s.cfg.GameKind, opts)
	if err != nil {
		log.Error().Err(err).Str("module", "directory").Msg("error creating room")
		s.reply(sid, "room_created", roomCreated{Error: errorText(err)})
		return
	}
	log.Info().Str("module", "directory").Str("room", string(listing.RoomID)).Msg("room created")
	s.reply(sid, "room_created", roomCreated{
		Success: true,
		RoomID:  listing.RoomID,
		GameURL: s.cfg.GameURL(listing.RoomID),
	})
	s.After(s.cfg.RefreshDelay, s.Resync)
}

func (s *Session) handleStartGame(sid core.SessionID, data json.RawMessage) {
	var req roomRequest
	if err := s.decode(data, &req); err != nil {
		s.reply(sid, "game_started", ack{RoomID: req.RoomID, Error: err.Error()})
		return
	}
	s.Go(func(ctx context.Context) {
		s.relay(ctx, sid, "game_started", req.RoomID, domain.Command{Type: domain.CmdStartGame}, true)
	})
}

func (s *Session) handleDeleteRoom(sid core.SessionID, data json.RawMessage) {
	var req roomRequest
	if err := s.decode(data, &req); err != nil {
		s.reply(sid, "room_deleted", ack{RoomID: req.RoomID, Error: err.Error()})
		return
	}
	s.Go(func(ctx context.Context) {
		if s.relay(ctx, sid, "room_deleted", req.RoomID, domain.Command{Type: domain.CmdForceDispose}, true) {
			s.After(s.cfg.RefreshDelay, s.Resync)
		}
	})
}

// handleAssignTeam is fire-and-forget: only failures are acknowledged.
func (s *Session) handleAssignTeam(sid core.SessionID, data json.RawMessage) {
	var req assignTeamRequest
	if err := s.decode(data, &req); err != nil {
		s.reply(sid, "team_assigned", ack{RoomID: req.RoomID, Error: err.Error()})
		return
	}
	cmd := domain.Command{Type: domain.CmdAssignTeam, PlayerID: req.PlayerID, TeamIndex: req.TeamIndex}
	s.Go(func(ctx context.Context) {
		s.relay(ctx, sid, "team_assigned", req.RoomID, cmd, false)
	})
}

// relay publishes cmd on the room's channel if the room is listed. It does not
// wait for the room to apply it.
func (s *Session) relay(ctx context.Context, sid core.SessionID, event string, id domain.RoomID, cmd domain.Command, ackSuccess bool) bool {
	err := s.publishTo(ctx, id, cmd)
	if err != nil {
		log.Error().Err(err).Str("module", "directory").Str("room", string(id)).Str("command", string(cmd.Type)).Msg("relay failed")
		s.reply(sid, event, ack{RoomID: id, Error: errorText(err)})
		return false
	}
	log.Info().Str("module", "directory").Str("room", string(id)).Str("command", string(cmd.Type)).Msg("command relayed")
	if ackSuccess {
		s.reply(sid, event, ack{Success: true, RoomID: id})
	}
	return true
}

func (s *Session) publishTo(ctx context.Context, id domain.RoomID, cmd domain.Command) error {
	listings, err := s.bus.List(ctx, s.cfg.GameKind)
	if err != nil {
		return err
	}
	for _, l := range listings {
		if l.RoomID == id {
			return s.bus.Publish(ctx, domain.CommandChannel(id), cmd)
		}
	}
	return fmt.Errorf("%s: %w", id, core.ErrRoomNotFound)
}

func errorText(err error) string {
	if errors.Is(err, core.ErrRoomNotFound) {
		return roomNotFound
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "Unknown error occurred"
}
