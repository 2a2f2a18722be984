package core

import "github.com/dkeye/constellation/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a client whose send buffer is full.
type Policy interface {
	OnBackPressure(room domain.RoomID, sid SessionID) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(room domain.RoomID, sid SessionID) BackpressureAction {
	return KickMember
}

// PublishResult reports delivery stats/backpressure of one broadcast.
type PublishResult struct {
	SendTo  int
	Dropped []SessionID
}
