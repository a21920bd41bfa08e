package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestSubscriber_RelaysPublishedMessages(t *testing.T) {
	mr, rdb := newRedis(t)
	out := &recorder{}
	sub := NewSubscriber(rdb, "offlinegate:push", NewRelay(out, RelayConfig{}))

	require.NoError(t, sub.Start(context.Background()))
	defer sub.Close()

	assert.Equal(t, 1, mr.Publish("offlinegate:push", "Nuevo partido disponible"))

	require.Eventually(t, func() bool { return len(out.messages()) == 1 }, time.Second, 5*time.Millisecond)
	msg := out.messages()[0]
	assert.Equal(t, EventPushNotification, msg.typ)
	assert.Equal(t, "Nuevo partido disponible", msg.data["body"])
}

func TestSubscriber_IgnoresOtherChannels(t *testing.T) {
	mr, rdb := newRedis(t)
	out := &recorder{}
	sub := NewSubscriber(rdb, "offlinegate:push", NewRelay(out, RelayConfig{}))

	require.NoError(t, sub.Start(context.Background()))
	defer sub.Close()

	assert.Zero(t, mr.Publish("other", "x"))
	mr.Publish("offlinegate:push", "y")

	require.Eventually(t, func() bool { return len(out.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "y", out.messages()[0].data["body"])
}

func TestSubscriber_StartIsIdempotent(t *testing.T) {
	mr, rdb := newRedis(t)
	sub := NewSubscriber(rdb, "offlinegate:push", NewRelay(&recorder{}, RelayConfig{}))

	require.NoError(t, sub.Start(context.Background()))
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Close()

	assert.Equal(t, 1, mr.Publish("offlinegate:push", "once"))
}

func TestSubscriber_CloseUnsubscribes(t *testing.T) {
	mr, rdb := newRedis(t)
	sub := NewSubscriber(rdb, "offlinegate:push", NewRelay(&recorder{}, RelayConfig{}))

	require.NoError(t, sub.Start(context.Background()))
	sub.Close()
	sub.Close()

	require.Eventually(t, func() bool {
		return mr.Publish("offlinegate:push", "gone") == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSubscriber_EmptyChannel(t *testing.T) {
	_, rdb := newRedis(t)
	sub := NewSubscriber(rdb, "", NewRelay(&recorder{}, RelayConfig{}))
	assert.Error(t, sub.Start(context.Background()))
}

func TestSubscriber_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	sub := NewSubscriber(rdb, "offlinegate:push", NewRelay(&recorder{}, RelayConfig{}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, sub.Start(ctx))
}
