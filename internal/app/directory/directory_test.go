package directory_test

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dkeye/constellation/internal/adapters/presence"
	"github.com/dkeye/constellation/internal/app/directory"
	"github.com/dkeye/constellation/internal/app/game"
	"github.com/dkeye/constellation/internal/core"
	"github.com/dkeye/constellation/internal/domain"
	"github.com/dkeye/constellation/internal/testutil"
)

const (
	wait = time.Second
	tick = 5 * time.Millisecond
)

type fixture struct {
	ctx   context.Context
	dir   *directory.Session
	bus   *testutil.Bus
	local *presence.Local
}

type ackPayload struct {
	Success bool          `json:"success"`
	RoomID  domain.RoomID `json:"roomId"`
	GameURL string        `json:"gameUrl"`
	Error   string        `json:"error"`
}

func newFixture(t testing.TB, cfg directory.Config) *fixture {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	local := presence.NewLocal(ctx).WithIDs(testutil.SequentialIDs("r"))
	bus := testutil.NewBus(local)
	local.Define(domain.KindGame, game.Factory(bus, game.Config{DefaultMaxPlayers: 20}))

	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = time.Hour
	}
	if cfg.RefreshDelay == 0 {
		cfg.RefreshDelay = 10 * time.Millisecond
	}
	dir, err := directory.New(ctx, "admin", bus, cfg)
	require.NoError(t, err)
	t.Cleanup(dir.Dispose)
	return &fixture{ctx: ctx, dir: dir, bus: bus, local: local}
}

func (f *fixture) admin(t testing.TB, sid core.SessionID) *testutil.Conn {
	conn := testutil.NewConn()
	require.NoError(t, f.dir.Join(sid, conn, nil))
	return conn
}

func (f *fixture) send(t testing.TB, sid core.SessionID, typ string, payload any) {
	frame, err := core.Encode(typ, payload)
	require.NoError(t, err)
	f.dir.Dispatch(sid, frame)
}

func (f *fixture) gameRoom(t testing.TB) *game.Session {
	listing, err := f.local.Create(f.ctx, domain.KindGame, nil)
	require.NoError(t, err)
	room, ok := f.local.Lookup(listing.RoomID)
	require.True(t, ok)
	return room.(*game.Session)
}

// refreshUntil refreshes until the view holds n rooms. An admin join
// triggers its own refresh, which a concurrent call may share.
func (f *fixture) refreshUntil(t testing.TB, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.dir.Refresh(f.ctx)
		return len(f.dir.View()) == n
	}, wait, tick)
}

func awaitAck(t testing.TB, conn *testutil.Conn, typ string) ackPayload {
	t.Helper()
	require.Eventually(t, func() bool { return len(conn.OfType(typ)) > 0 }, wait, tick, "no %s reply", typ)
	var a ackPayload
	require.True(t, conn.Last(typ, &a))
	return a
}

func viewIDs(entries []domain.DirectoryEntry) []domain.RoomID {
	ids := make([]domain.RoomID, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.RoomID)
	}
	return ids
}

func TestDirectory_CreateRoom(t *testing.T) {
	f := newFixture(t, directory.Config{})
	conn := f.admin(t, "admin-1")

	f.send(t, "admin-1", "create_room", map[string]any{"options": map[string]any{"name": "Orion", "maxPlayers": 4}})

	a := awaitAck(t, conn, "room_created")
	assert.True(t, a.Success)
	assert.Equal(t, domain.RoomID("r1"), a.RoomID)
	assert.Equal(t, "/game/r1", a.GameURL)

	assert.Eventually(t, func() bool {
		var rooms []domain.DirectoryEntry
		return conn.Last("rooms_update", &rooms) && len(rooms) == 1 && rooms[0].RoomID == "r1"
	}, wait, tick)

	view := f.dir.View()
	require.Len(t, view, 1)
	assert.Equal(t, "Orion", view[0].Metadata.Name)
	assert.Equal(t, domain.Waiting, view[0].State)
}

func TestDirectory_CreateRoomBusDown(t *testing.T) {
	f := newFixture(t, directory.Config{})
	f.local.Close()
	conn := f.admin(t, "admin-1")

	f.send(t, "admin-1", "create_room", map[string]any{"options": map[string]any{}})

	a := awaitAck(t, conn, "room_created")
	assert.False(t, a.Success)
	assert.NotEmpty(t, a.Error)
	assert.Empty(t, a.RoomID)

	assert.Never(t, func() bool { return len(conn.OfType("rooms_update")) > 0 }, 100*time.Millisecond, tick)
	require.NoError(t, f.dir.Call(func() {}))
}

func TestDirectory_DeleteUnknownRoom(t *testing.T) {
	f := newFixture(t, directory.Config{})
	conn := f.admin(t, "admin-1")

	f.send(t, "admin-1", "delete_room", map[string]any{"roomId": "r1"})

	a := awaitAck(t, conn, "room_deleted")
	assert.Equal(t, ackPayload{Success: false, RoomID: "r1", Error: "Room not found"}, a)
	assert.Empty(t, f.bus.On(domain.CommandChannel("r1")))
}

func TestDirectory_StartGameRelays(t *testing.T) {
	f := newFixture(t, directory.Config{})
	conn := f.admin(t, "admin-1")
	room := f.gameRoom(t)
	player := testutil.NewConn()
	require.NoError(t, room.Join("p1", player, nil))

	f.send(t, "admin-1", "start_game", map[string]any{"roomId": room.ID()})

	a := awaitAck(t, conn, "game_started")
	assert.True(t, a.Success)
	assert.Equal(t, room.ID(), a.RoomID)
	assert.Eventually(t, func() bool { return room.State() == domain.Playing }, wait, tick)
	assert.Eventually(t, func() bool { return len(player.OfType("game_started")) == 1 }, wait, tick)
	assert.Len(t, f.bus.On(domain.CommandChannel(room.ID())), 1)
}

func TestDirectory_StartGameUnknownRoom(t *testing.T) {
	f := newFixture(t, directory.Config{})
	conn := f.admin(t, "admin-1")

	f.send(t, "admin-1", "start_game", map[string]any{"roomId": "nope"})

	a := awaitAck(t, conn, "game_started")
	assert.False(t, a.Success)
	assert.Equal(t, "Room not found", a.Error)
}

func TestDirectory_InvalidPayload(t *testing.T) {
	f := newFixture(t, directory.Config{})
	conn := f.admin(t, "admin-1")

	f.send(t, "admin-1", "start_game", map[string]any{})

	a := awaitAck(t, conn, "game_started")
	assert.False(t, a.Success)
	assert.Contains(t, a.Error, "invalid payload")
	require.NoError(t, f.dir.Call(func() {}))
}

func TestDirectory_DeleteRoom(t *testing.T) {
	f := newFixture(t, directory.Config{})
	conn := f.admin(t, "admin-1")
	room := f.gameRoom(t)
	f.refreshUntil(t, 1)

	f.send(t, "admin-1", "delete_room", map[string]any{"roomId": room.ID()})

	a := awaitAck(t, conn, "room_deleted")
	assert.True(t, a.Success)
	select {
	case <-room.Done():
	case <-time.After(wait):
		t.Fatal("room not disposed")
	}
	assert.Len(t, f.bus.On(domain.CommandChannel(room.ID())), 1)
	f.refreshUntil(t, 0)
}

func TestDirectory_AssignTeam(t *testing.T) {
	f := newFixture(t, directory.Config{})
	conn := f.admin(t, "admin-1")
	room := f.gameRoom(t)
	require.NoError(t, room.Join("p1", testutil.NewConn(), nil))

	f.send(t, "admin-1", "assign_team", map[string]any{"roomId": room.ID(), "playerId": "p1", "teamIndex": 1})

	assert.Eventually(t, func() bool {
		p := room.Players()
		return len(p) == 1 && p[0].Team != nil && *p[0].Team == 1
	}, wait, tick)
	assert.Empty(t, conn.OfType("team_assigned"))

	f.send(t, "admin-1", "assign_team", map[string]any{"roomId": "nope", "playerId": "p1", "teamIndex": 1})
	a := awaitAck(t, conn, "team_assigned")
	assert.False(t, a.Success)
	assert.Equal(t, "Room not found", a.Error)
}

func TestDirectory_PlayerUpdatesArePushed(t *testing.T) {
	f := newFixture(t, directory.Config{})
	conn := f.admin(t, "admin-1")
	room := f.gameRoom(t)
	f.refreshUntil(t, 1)

	require.NoError(t, room.Join("p1", testutil.NewConn(), domain.RoomOptions{"name": "Deneb"}))

	assert.Eventually(t, func() bool {
		var snap domain.RosterSnapshot
		return conn.Last("player_update", &snap) && snap.RoomID == room.ID() && snap.PlayerCount == 1
	}, wait, tick)
	assert.Eventually(t, func() bool {
		view := f.dir.View()
		return len(view) == 1 && len(view[0].Players) == 1 && view[0].Players[0].Name == "Deneb"
	}, wait, tick)
}

func TestDirectory_UpdatesForUnlistedRoomsCreateNoEntry(t *testing.T) {
	f := newFixture(t, directory.Config{})
	conn := f.admin(t, "admin-1")

	require.NoError(t, f.local.Publish(f.ctx, domain.UpdateChannel, domain.RosterSnapshot{RoomID: "ghost", State: domain.Waiting}))

	assert.Eventually(t, func() bool { return len(conn.OfType("player_update")) == 1 }, wait, tick)
	assert.Empty(t, f.dir.View())
}

func TestDirectory_RefreshFailureKeepsRunning(t *testing.T) {
	f := newFixture(t, directory.Config{RefreshInterval: 10 * time.Millisecond})
	f.gameRoom(t)
	f.bus.FailList(core.ErrBusUnavailable)

	n := f.bus.Lists()
	assert.Eventually(t, func() bool { return f.bus.Lists() > n+2 }, wait, tick)

	f.bus.FailList(nil)
	assert.Eventually(t, func() bool { return len(f.dir.View()) == 1 }, wait, tick)
}

func TestDirectory_DisposeStopsRefresh(t *testing.T) {
	f := newFixture(t, directory.Config{RefreshInterval: 10 * time.Millisecond})
	assert.Eventually(t, func() bool { return f.bus.Lists() > 1 }, wait, tick)

	f.dir.Dispose()
	select {
	case <-f.dir.Done():
	case <-time.After(wait):
		t.Fatal("admin room not disposed")
	}
	n := f.bus.Lists()
	assert.Never(t, func() bool { return f.bus.Lists() > n }, 100*time.Millisecond, tick)
}

func TestDirectory_ViewMatchesListing(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t, directory.Config{})
		defer f.dir.Dispose()

		rooms := make([]*game.Session, rapid.IntRange(0, 6).Draw(rt, "rooms"))
		for i := range rooms {
			rooms[i] = f.gameRoom(t)
		}
		for i, room := range rooms {
			if rapid.Bool().Draw(rt, "dispose") {
				room.Dispose()
				<-room.Done()
				rooms[i] = nil
			}
		}

		f.dir.Refresh(f.ctx)

		listings, err := f.local.List(f.ctx, domain.KindGame)
		if err != nil {
			rt.Fatalf("list: %v", err)
		}
		want := make([]domain.RoomID, 0, len(listings))
		for _, l := range listings {
			want = append(want, l.RoomID)
		}
		got := viewIDs(f.dir.View())
		sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		if len(want) != len(got) {
			rt.Fatalf("view %v, listing %v", got, want)
		}
		for i := range want {
			if want[i] != got[i] {
				rt.Fatalf("view %v, listing %v", got, want)
			}
		}
		for _, room := range rooms {
			if room != nil {
				room.Dispose()
			}
		}
	})
}

func TestDirectory_RoomsUpdateShape(t *testing.T) {
	f := newFixture(t, directory.Config{})
	conn := f.admin(t, "admin-1")
	f.gameRoom(t)
	f.refreshUntil(t, 1)

	msgs := conn.OfType("rooms_update")
	require.NotEmpty(t, msgs)
	var raw []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1], &raw))
	require.Len(t, raw, 1)
	for _, key := range []string{"roomId", "clients", "metadata", "state", "createdAt"} {
		assert.Contains(t, raw[0], key)
	}
}

func TestDirectory_ResyncIgnoresListingInFlight(t *testing.T) {
	f := newFixture(t, directory.Config{})
	entered, release := f.bus.HoldNextList()
	defer release()

	go f.dir.Refresh(f.ctx)
	select {
	case <-entered:
	case <-time.After(wait):
		t.Fatal("refresh never listed")
	}

	room := f.gameRoom(t)
	f.dir.Resync(f.ctx)
	assert.Equal(t, []domain.RoomID{room.ID()}, viewIDs(f.dir.View()))
}
