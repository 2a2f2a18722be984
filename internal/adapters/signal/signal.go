package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/constellation/internal/app"
	"github.com/dkeye/constellation/internal/core"
	"github.com/dkeye/constellation/internal/domain"
)

const nameKey = "name"

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
	// RateLimit caps inbound messages per connection within RateInterval. Zero disables it.
	RateLimit    int
	RateInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	return o
}

// SignalWSController attaches websocket clients to lobby rooms.
type SignalWSController struct {
	Lobby *app.Lobby
	opts  Options
	rate  *RateLimiter
}

func NewSignalWSController(lobby *app.Lobby, opts Options) *SignalWSController {
	opts = opts.withDefaults()
	ctl := &SignalWSController{Lobby: lobby, opts: opts}
	if opts.RateLimit > 0 && opts.RateInterval > 0 {
		ctl.rate = NewRateLimiter(opts.RateLimit, opts.RateInterval)
	}
	return ctl
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleAdmin attaches the connection to the admin room.
func (ctl *SignalWSController) HandleAdmin(ctx context.Context, c *gin.Context) {
	ctl.attach(ctx, c, ctl.Lobby.Admin(), nil)
}

// HandleGame attaches the connection to the game room named in the path.
// The player name comes from ?name= and is remembered in the cookie session.
func (ctl *SignalWSController) HandleGame(ctx context.Context, c *gin.Context) {
	id := domain.RoomID(c.Param("roomId"))
	room, ok := ctl.Lobby.Game(id)
	if !ok {
		log.Warn().Str("module", "signal").Str("room", string(id)).Msg("game room not found")
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	sess := sessions.Default(c)
	name := c.Query("name")
	if name != "" {
		sess.Set(nameKey, name)
		if err := sess.Save(); err != nil {
			log.Warn().Err(err).Str("module", "signal").Msg("save session")
		}
	} else if v, ok := sess.Get(nameKey).(string); ok {
		name = v
	}

	var opts domain.RoomOptions
	if name != "" {
		opts = domain.RoomOptions{"name": name}
	}
	ctl.attach(ctx, c, room, opts)
}

func (ctl *SignalWSController) attach(ctx context.Context, c *gin.Context, room core.Room, opts domain.RoomOptions) {
	sid := core.SessionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("client", c.GetString("client_token")).Str("room", string(room.ID())).Msg("new WS connection")

	// Forward the cookies set by the middleware and session onto the 101 response.
	ws, err := upgrader.Upgrade(c.Writer, c.Request, c.Writer.Header())
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}

	if err := room.Join(sid, conn, opts); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("room", string(room.ID())).Msg("join rejected")
		if frame, eerr := core.Encode("error", map[string]string{"error": err.Error()}); eerr == nil {
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.TextMessage, frame)
		}
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Lobby.Registry.Bind(sid, room, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, sid, room, conn)
}
