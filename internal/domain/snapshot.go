package domain

import "time"

// RosterSnapshot is what a game room publishes on UpdateChannel after every mutation.
type RosterSnapshot struct {
	RoomID      RoomID    `json:"roomId"`
	Players     []Player  `json:"players"`
	State       Lifecycle `json:"state"`
	PlayerCount int       `json:"playerCount"`
}

// DirectoryEntry is the admin view of one live game room.
// It may lag the authoritative room state.
type DirectoryEntry struct {
	RoomID    RoomID       `json:"roomId"`
	Clients   int          `json:"clients"`
	Metadata  RoomMetadata `json:"metadata"`
	State     Lifecycle    `json:"state"`
	CreatedAt time.Time    `json:"createdAt"`
	Players   []Player     `json:"players,omitempty"`
}

type CommandType string

const (
	CmdStartGame    CommandType = "start_game"
	CmdForceDispose CommandType = "force_dispose"
	CmdAssignTeam   CommandType = "assign_team"
)

// Command is a directory instruction addressed to one room via CommandChannel.
type Command struct {
	Type      CommandType `json:"type"`
	PlayerID  PlayerID    `json:"playerId,omitempty"`
	TeamIndex *int        `json:"teamIndex,omitempty"`
}
