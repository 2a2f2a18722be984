package core

import (
	"context"
	"time"

	"github.com/dkeye/constellation/internal/domain"
)

// RoomListing is the directory's view of a hosted room.
type RoomListing struct {
	RoomID     domain.RoomID       `json:"roomId"`
	Kind       domain.RoomKind     `json:"kind"`
	Clients    int                 `json:"clients"`
	MaxClients int                 `json:"maxClients"`
	Metadata   domain.RoomMetadata `json:"metadata"`
	CreatedAt  time.Time           `json:"createdAt"`
}

// Room is what a transport attaches client connections to.
// Implementations serialize all calls onto their own mailbox.
type Room interface {
	ID() domain.RoomID
	Kind() domain.RoomKind
	Listing() RoomListing

	Join(sid SessionID, conn SignalConnection, opts domain.RoomOptions) error
	Leave(sid SessionID)
	Dispatch(sid SessionID, data Frame)

	Dispose()
	Done() <-chan struct{}
}

// RoomFactory builds a room of one kind. The room lives no longer than ctx.
type RoomFactory func(ctx context.Context, id domain.RoomID, opts domain.RoomOptions) (Room, error)
