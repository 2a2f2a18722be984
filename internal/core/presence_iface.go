package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/constellation/internal/domain"
)

// Handler receives payloads published on a subscribed channel.
// Calls for one subscription never overlap and arrive in publish order.
type Handler func(payload json.RawMessage)

type Subscription interface {
	Unsubscribe()
}

// Presence is the process-wide pub/sub and room directory shared by all rooms.
// Failing calls return errors wrapping ErrBusUnavailable or ErrCreation.
type Presence interface {
	Publish(ctx context.Context, channel string, payload any) error
	Subscribe(channel string, h Handler) (Subscription, error)
	Create(ctx context.Context, kind domain.RoomKind, opts domain.RoomOptions) (RoomListing, error)
	List(ctx context.Context, kind domain.RoomKind) ([]RoomListing, error)
}
