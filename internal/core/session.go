package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/constellation/internal/domain"
)

// Hooks lets a room specialization react to roster changes.
// Every hook runs on the session mailbox.
type Hooks interface {
	OnJoin(sid SessionID, opts domain.RoomOptions)
	OnLeave(sid SessionID)
	OnDispose()
}

// MessageHandler handles one inbound message type. Runs on the mailbox.
type MessageHandler func(sid SessionID, data json.RawMessage)

type SessionConfig struct {
	MaxClients int
	InboxSize  int
	Policy     Policy
}

const defaultInboxSize = 256

// Session is the base of every room: a mailbox goroutine that processes
// joins, leaves and messages one at a time, plus the connected clients.
// Clients are kept in join order.
type Session struct {
	id         domain.RoomID
	kind       domain.RoomKind
	hooks      Hooks
	policy     Policy
	maxClients int
	createdAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan func()
	done   chan struct{}

	tasksMu sync.Mutex
	closing bool
	tasks   conc.WaitGroup

	mu       sync.RWMutex
	clients  map[SessionID]SignalConnection
	order    []SessionID
	handlers map[string]MessageHandler
	metadata domain.RoomMetadata
}

// NewSession starts the mailbox. The session lives until Dispose or until parent is cancelled.
func NewSession(parent context.Context, id domain.RoomID, kind domain.RoomKind, hooks Hooks, cfg SessionConfig) *Session {
	ctx, cancel := context.WithCancel(parent)
	size := cfg.InboxSize
	if size <= 0 {
		size = defaultInboxSize
	}
	s := &Session{
		id:         id,
		kind:       kind,
		hooks:      hooks,
		policy:     cfg.Policy,
		maxClients: cfg.MaxClients,
		createdAt:  time.Now().UTC(),
		ctx:        ctx,
		cancel:     cancel,
		inbox:      make(chan func(), size),
		done:       make(chan struct{}),
		clients:    make(map[SessionID]SignalConnection),
		handlers:   make(map[string]MessageHandler),
	}
	go s.run()
	log.Info().Str("module", "core.session").Str("room", string(id)).Str("kind", string(kind)).Msg("session created")
	return s
}

func (s *Session) ID() domain.RoomID        { return s.id }
func (s *Session) Kind() domain.RoomKind    { return s.kind }
func (s *Session) CreatedAt() time.Time     { return s.createdAt }
func (s *Session) Context() context.Context { return s.ctx }
func (s *Session) Done() <-chan struct{}    { return s.done }
func (s *Session) MaxClients() int          { return s.maxClients }

func (s *Session) run() {
	defer s.finish()
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.inbox:
			fn()
		}
	}
}

func (s *Session) finish() {
	if s.hooks != nil {
		s.hooks.OnDispose()
	}

	s.mu.Lock()
	for _, conn := range s.clients {
		conn.Close()
	}
	s.clients = make(map[SessionID]SignalConnection)
	s.order = nil
	s.mu.Unlock()

	s.tasksMu.Lock()
	s.closing = true
	s.tasksMu.Unlock()
	if r := s.tasks.WaitAndRecover(); r != nil {
		log.Error().Str("module", "core.session").Str("room", string(s.id)).Str("panic", r.String()).Msg("background task panicked")
	}

	close(s.done)
	log.Info().Str("module", "core.session").Str("room", string(s.id)).Msg("session disposed")
}

// Do enqueues fn on the mailbox. It reports false once the session is disposed.
func (s *Session) Do(fn func()) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.inbox <- fn:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Call runs fn on the mailbox and waits for it. Must not be called from the mailbox itself.
func (s *Session) Call(fn func()) error {
	finished := make(chan struct{})
	if !s.Do(func() {
		fn()
		close(finished)
	}) {
		return ErrSessionClosed
	}
	select {
	case <-finished:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

// Go runs fn in the background. The session waits for it on dispose,
// and fn must return once ctx is done.
func (s *Session) Go(fn func(ctx context.Context)) bool {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	if s.closing || s.ctx.Err() != nil {
		return false
	}
	s.tasks.Go(func() { fn(s.ctx) })
	return true
}

// Every calls fn on each tick until the session is disposed.
func (s *Session) Every(interval time.Duration, fn func(ctx context.Context)) bool {
	return s.Go(func(ctx context.Context) {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				fn(ctx)
			}
		}
	})
}

// After calls fn once after delay unless the session is disposed first.
func (s *Session) After(delay time.Duration, fn func(ctx context.Context)) bool {
	return s.Go(func(ctx context.Context) {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			fn(ctx)
		}
	})
}

// Dispose is idempotent and does not block; wait on Done for completion.
func (s *Session) Dispose() {
	s.cancel()
}

// OnMessage registers h for typ. The last registration wins.
func (s *Session) OnMessage(typ string, h MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[typ] = h
}

func (s *Session) Join(sid SessionID, conn SignalConnection, opts domain.RoomOptions) error {
	var err error
	if cerr := s.Call(func() { err = s.addClient(sid, conn, opts) }); cerr != nil {
		return cerr
	}
	return err
}

func (s *Session) addClient(sid SessionID, conn SignalConnection, opts domain.RoomOptions) error {
	s.mu.Lock()
	if _, ok := s.clients[sid]; ok {
		s.mu.Unlock()
		return fmt.Errorf("client %s already joined", sid)
	}
	if s.maxClients > 0 && len(s.clients) >= s.maxClients {
		s.mu.Unlock()
		return ErrRoomFull
	}
	s.clients[sid] = conn
	s.order = append(s.order, sid)
	s.mu.Unlock()

	log.Info().Str("module", "core.session").Str("room", string(s.id)).Str("sid", string(sid)).Msg("client joined")
	if s.hooks != nil {
		s.hooks.OnJoin(sid, opts)
	}
	return nil
}

// Leave removes sid synchronously. Unknown ids are ignored.
func (s *Session) Leave(sid SessionID) {
	_ = s.Call(func() { s.removeClient(sid) })
}

func (s *Session) removeClient(sid SessionID) bool {
	s.mu.Lock()
	if _, ok := s.clients[sid]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.clients, sid)
	for i, id := range s.order {
		if id == sid {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	log.Info().Str("module", "core.session").Str("room", string(s.id)).Str("sid", string(sid)).Msg("client left")
	if s.hooks != nil {
		s.hooks.OnLeave(sid)
	}
	return true
}

// Kick removes sid and closes its connection.
func (s *Session) Kick(sid SessionID) {
	s.Do(func() {
		s.mu.RLock()
		conn, ok := s.clients[sid]
		s.mu.RUnlock()
		if !ok {
			return
		}
		s.removeClient(sid)
		conn.Close()
	})
}

// Dispatch queues an inbound frame. Frames from one client keep their order.
func (s *Session) Dispatch(sid SessionID, data Frame) {
	s.Do(func() { s.handle(sid, data) })
}

func (s *Session) handle(sid SessionID, data Frame) {
	s.mu.RLock()
	_, joined := s.clients[sid]
	s.mu.RUnlock()
	if !joined {
		log.Warn().Str("module", "core.session").Str("room", string(s.id)).Str("sid", string(sid)).Msg("message from unknown client")
		return
	}

	env, err := Decode(data)
	if err != nil {
		log.Error().Err(err).Str("module", "core.session").Str("room", string(s.id)).Msg("bad frame")
		_ = s.Send(sid, "error", map[string]string{"error": "bad_payload"})
		return
	}

	s.mu.RLock()
	h, ok := s.handlers[env.Type]
	s.mu.RUnlock()
	if !ok {
		log.Warn().Str("module", "core.session").Str("room", string(s.id)).Str("type", env.Type).Msg("unknown message")
		return
	}
	h(sid, env.Data)
}

// Send delivers one message to one client.
func (s *Session) Send(sid SessionID, typ string, payload any) error {
	frame, err := Encode(typ, payload)
	if err != nil {
		return err
	}
	s.mu.RLock()
	conn, ok := s.clients[sid]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send %s to %s: %w", typ, sid, ErrSessionClosed)
	}
	if err := conn.TrySend(frame); err != nil {
		s.onDropped([]SessionID{sid})
		return err
	}
	return nil
}

// Broadcast delivers one message to every client.
func (s *Session) Broadcast(typ string, payload any) PublishResult {
	frame, err := Encode(typ, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "core.session").Str("room", string(s.id)).Msg("broadcast encode")
		return PublishResult{}
	}

	res := PublishResult{}
	s.mu.RLock()
	for _, sid := range s.order {
		if err := s.clients[sid].TrySend(frame); err != nil {
			res.Dropped = append(res.Dropped, sid)
			continue
		}
		res.SendTo++
	}
	s.mu.RUnlock()

	log.Debug().Str("module", "core.session").Str("room", string(s.id)).Str("type", typ).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	s.onDropped(res.Dropped)
	return res
}

func (s *Session) onDropped(dropped []SessionID) {
	if s.policy == nil {
		return
	}
	for _, sid := range dropped {
		switch s.policy.OnBackPressure(s.id, sid) {
		case KickMember:
			log.Warn().Str("module", "core.session").Str("room", string(s.id)).Str("sid", string(sid)).Msg("kicking slow client")
			s.Go(func(context.Context) { s.Kick(sid) })
		case DropFrame, NoAction:
		}
	}
}

// Clients returns connected client ids in join order.
func (s *Session) Clients() []SessionID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]SessionID(nil), s.order...)
}

func (s *Session) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Session) SetMetadata(md domain.RoomMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata = md
}

func (s *Session) UpdateMetadata(fn func(md *domain.RoomMetadata)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.metadata)
}

func (s *Session) Listing() RoomListing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return RoomListing{
		RoomID:     s.id,
		Kind:       s.kind,
		Clients:    len(s.clients),
		MaxClients: s.maxClients,
		Metadata:   s.metadata,
		CreatedAt:  s.createdAt,
	}
}
