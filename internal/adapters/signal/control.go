package signal

import (
	"github.com/dkeye/constellation/internal/core"
	"github.com/dkeye/constellation/internal/domain"
)

// handleControl answers transport-level messages that never reach the room.
func (ctl *SignalWSController) handleControl(sid core.SessionID, room core.Room, c *WsSignalConn, data []byte) bool {
	env, err := core.Decode(core.Frame(data))
	if err != nil {
		return false
	}
	switch env.Type {
	case "ping":
		ctl.sendJSON(c, "pong", struct{}{})
	case "whoami":
		ctl.sendJSON(c, "whoami", struct {
			SessionID core.SessionID  `json:"sessionId"`
			RoomID    domain.RoomID   `json:"roomId"`
			Kind      domain.RoomKind `json:"kind"`
		}{sid, room.ID(), room.Kind()})
	default:
		return false
	}
	return true
}
