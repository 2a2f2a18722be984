package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/constellation/internal/core"
	"github.com/dkeye/constellation/internal/domain"
	"github.com/dkeye/constellation/internal/testutil"
)

func plainRoom(kind domain.RoomKind) core.RoomFactory {
	return func(ctx context.Context, id domain.RoomID, opts domain.RoomOptions) (core.Room, error) {
		s := core.NewSession(ctx, id, kind, nil, core.SessionConfig{})
		s.SetMetadata(domain.NewGameMetadata(id, opts, s.CreatedAt()))
		return s, nil
	}
}

func TestLocal_PublishKeepsOrderPerChannel(t *testing.T) {
	bus := NewLocal(context.Background())

	var mu sync.Mutex
	var got []int
	sub, err := bus.Subscribe("c", func(payload json.RawMessage) {
		var n int
		assert.NoError(t, json.Unmarshal(payload, &n))
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	want := make([]int, 0, 200)
	for i := 0; i < 200; i++ {
		require.NoError(t, bus.Publish(context.Background(), "c", i))
		want = append(want, i)
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, want, got)
	mu.Unlock()
}

func TestLocal_OtherChannelsAreNotDelivered(t *testing.T) {
	bus := NewLocal(context.Background())
	hits := make(chan string, 4)
	_, err := bus.Subscribe("a", func(json.RawMessage) { hits <- "a" })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "b", "x"))
	require.NoError(t, bus.Publish(context.Background(), "a", "x"))

	select {
	case ch := <-hits:
		assert.Equal(t, "a", ch)
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
	assert.Never(t, func() bool { return len(hits) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestLocal_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewLocal(context.Background())
	hits := make(chan struct{}, 4)
	sub, err := bus.Subscribe("c", func(json.RawMessage) { hits <- struct{}{} })
	require.NoError(t, err)

	sub.Unsubscribe()
	sub.Unsubscribe()
	require.NoError(t, bus.Publish(context.Background(), "c", 1))
	assert.Never(t, func() bool { return len(hits) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestLocal_ClosedBusIsUnavailable(t *testing.T) {
	bus := NewLocal(context.Background())
	bus.Define(domain.KindGame, plainRoom(domain.KindGame))
	bus.Close()
	ctx := context.Background()

	err := bus.Publish(ctx, "c", 1)
	assert.ErrorIs(t, err, core.ErrBusUnavailable)
	_, err = bus.Subscribe("c", func(json.RawMessage) {})
	assert.ErrorIs(t, err, core.ErrBusUnavailable)
	_, err = bus.Create(ctx, domain.KindGame, nil)
	assert.ErrorIs(t, err, core.ErrBusUnavailable)
	_, err = bus.List(ctx, domain.KindGame)
	assert.ErrorIs(t, err, core.ErrBusUnavailable)
}

func TestLocal_CreateUnknownKind(t *testing.T) {
	bus := NewLocal(context.Background())
	_, err := bus.Create(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, core.ErrCreation)
}

func TestLocal_CreateFactoryError(t *testing.T) {
	bus := NewLocal(context.Background())
	bus.Define(domain.KindGame, func(context.Context, domain.RoomID, domain.RoomOptions) (core.Room, error) {
		return nil, errors.New("out of slots")
	})
	_, err := bus.Create(context.Background(), domain.KindGame, nil)
	require.ErrorIs(t, err, core.ErrCreation)
	assert.Contains(t, err.Error(), "out of slots")
}

func TestLocal_CreateListAndRemoveOnDispose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewLocal(ctx).WithIDs(testutil.SequentialIDs("r"))
	bus.Define(domain.KindGame, plainRoom(domain.KindGame))
	bus.Define(domain.KindAdmin, plainRoom(domain.KindAdmin))

	r1, err := bus.Create(ctx, domain.KindGame, domain.RoomOptions{"name": "One"})
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("r1"), r1.RoomID)
	assert.Equal(t, "One", r1.Metadata.Name)
	_, err = bus.Create(ctx, domain.KindGame, nil)
	require.NoError(t, err)
	_, err = bus.Create(ctx, domain.KindAdmin, nil)
	require.NoError(t, err)

	games, err := bus.List(ctx, domain.KindGame)
	require.NoError(t, err)
	assert.Len(t, games, 2)

	room, ok := bus.Lookup("r1")
	require.True(t, ok)
	room.Dispose()

	assert.Eventually(t, func() bool {
		_, ok := bus.Lookup("r1")
		return !ok
	}, time.Second, 5*time.Millisecond)
	games, err = bus.List(ctx, domain.KindGame)
	require.NoError(t, err)
	require.Len(t, games, 1)
	assert.Equal(t, domain.RoomID("r2"), games[0].RoomID)
}
