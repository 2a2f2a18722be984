// Package domain contains entities without transport or lifecycle logic, just meta-data
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	RoomID   string
	RoomKind string
)

const (
	KindGame  RoomKind = "constellation"
	KindAdmin RoomKind = "admin"
)

// Lifecycle is the coarse game progress indicator. There is no terminal
// state beyond playing.
type Lifecycle string

const (
	Waiting Lifecycle = "waiting"
	Playing Lifecycle = "playing"
)

// RoomOptions is the opaque options blob a room is created with.
type RoomOptions map[string]any

// String returns the option under key if it is a non-empty string.
func (o RoomOptions) String(key string) (string, bool) {
	v, ok := o[key].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Int returns the option under key if it holds a whole number.
// JSON-decoded numbers arrive as float64.
func (o RoomOptions) Int(key string) (int, bool) {
	switch v := o[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	}
	return 0, false
}

// Clone returns a shallow copy so callers cannot mutate captured config.
func (o RoomOptions) Clone() RoomOptions {
	out := make(RoomOptions, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

type RoomMetadata struct {
	Name      string      `json:"name"`
	Type      string      `json:"type"`
	Config    RoomOptions `json:"config"`
	GameState Lifecycle   `json:"gameState"`
	CreatedAt time.Time   `json:"createdAt"`
}

// NewRoomID returns a fresh opaque room id.
func NewRoomID() RoomID {
	return RoomID(uuid.NewString()[:8])
}

// NewGameMetadata builds the listing metadata of a fresh game room.
func NewGameMetadata(id RoomID, opts RoomOptions, now time.Time) RoomMetadata {
	name, ok := opts.String("name")
	if !ok {
		name = fmt.Sprintf("Game %s", id)
	}
	typ, ok := opts.String("type")
	if !ok {
		typ = "Constellation"
	}
	return RoomMetadata{
		Name:      name,
		Type:      typ,
		Config:    opts.Clone(),
		GameState: Waiting,
		CreatedAt: now,
	}
}

// CommandChannel is the per-room channel directory commands are published on.
func CommandChannel(id RoomID) string {
	return "room_" + string(id)
}

// UpdateChannel carries roster snapshots from game rooms to the directory.
const UpdateChannel = "admin_update"
