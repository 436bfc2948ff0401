package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spellbound/duel-server/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recorder struct {
	mu   sync.Mutex
	envs []Envelope
}

func (r *recorder) listen(env Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recorder) snapshot() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.envs...)
}

func newBusPair(t *testing.T) (*Bus, *Bus) {
	t.Helper()
	m := miniredis.RunT(t)
	newBus := func(origin string) *Bus {
		rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		b := New(rdb, origin, zaptest.NewLogger(t))
		require.NoError(t, b.Start(context.Background()))
		t.Cleanup(func() { _ = b.Close() })
		return b
	}
	return newBus("inst-a"), newBus("inst-b")
}

func TestRemoteEnvelopeIsDispatched(t *testing.T) {
	a, b := newBusPair(t)

	var got recorder
	b.Subscribe(got.listen)

	require.NoError(t, a.Publish(context.Background(), "room_1", "bob", protocol.NewTurn{Turn: 2}))

	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	env := got.snapshot()[0]
	assert.Equal(t, "inst-a", env.Origin)
	assert.Equal(t, "room_1", env.RoomID)
	assert.Equal(t, "bob", env.PlayerID)
	assert.Equal(t, protocol.TypeNewTurn, env.Type)

	msg, err := protocol.Decode(env.Frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.NewTurn{Turn: 2}, msg)
}

func TestOwnEnvelopesAreDropped(t *testing.T) {
	a, b := newBusPair(t)

	var own, remote recorder
	a.Subscribe(own.listen)
	b.Subscribe(remote.listen)

	require.NoError(t, a.Publish(context.Background(), "room_1", "", protocol.GameEnd{Winner: "alice"}))

	require.Eventually(t, func() bool { return len(remote.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return len(own.snapshot()) > 0 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestTypedSubscription(t *testing.T) {
	a, b := newBusPair(t)

	var ends recorder
	b.local.subscribeTyped(protocol.TypeGameEnd, ends.listen)

	ctx := context.Background()
	require.NoError(t, a.Publish(ctx, "room_1", "", protocol.ApplySpellEffects{}))
	require.NoError(t, a.Publish(ctx, "room_1", "", protocol.GameEnd{Winner: "draw"}))

	require.Eventually(t, func() bool { return len(ends.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, protocol.TypeGameEnd, ends.snapshot()[0].Type)
}

func TestCloseIsIdempotent(t *testing.T) {
	a, _ := newBusPair(t)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}
