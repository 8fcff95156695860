package notifications

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_NilRedisIsNoop(t *testing.T) {
	n := NewNotifier(nil)
	assert.False(t, n.Enabled())
	assert.NoError(t, n.PublishToUser(context.Background(), 1, Event{Type: "new_message"}))
	assert.NoError(t, n.PublishToConversation(context.Background(), 1, Event{Type: "typing"}))
	assert.NoError(t, n.StartSubscriber(context.Background(), func(string, string) {}))
}

func TestNotifier_PublishAndSubscribe(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	n := NewNotifier(rdb)
	assert.True(t, n.Enabled())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channels := make(chan string, 4)
	require.NoError(t, n.StartSubscriber(ctx, func(channel, _ string) {
		channels <- channel
	}))

	require.NoError(t, n.PublishToUser(ctx, 7, Event{Type: "new_message"}))
	require.NoError(t, n.PublishToConversation(ctx, 3, Event{Type: "typing"}))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ch := <-channels:
			got[ch] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for pub/sub delivery")
		}
	}
	assert.True(t, got["chat:user:7"])
	assert.True(t, got["chat:conv:3"])
}

func TestNotifier_SubscriberStopsOnCancel(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	n := NewNotifier(rdb)
	ctx, cancel := context.WithCancel(context.Background())

	var received int32
	require.NoError(t, n.StartSubscriber(ctx, func(string, string) {
		atomic.AddInt32(&received, 1)
	}))

	require.NoError(t, n.PublishToUser(context.Background(), 1, Event{Type: "new_message"}))
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&received) >= 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)

	before := atomic.LoadInt32(&received)
	require.NoError(t, n.PublishToUser(context.Background(), 1, Event{Type: "new_message"}))
	assert.Never(t, func() bool {
		return atomic.LoadInt32(&received) > before
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestNotifier_SubscriberRecoversFromPanic(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	n := NewNotifier(rdb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	require.NoError(t, n.StartSubscriber(ctx, func(string, string) {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("boom")
		}
	}))

	require.NoError(t, n.PublishToUser(ctx, 1, Event{Type: "new_message"}))
	require.NoError(t, n.PublishToUser(ctx, 1, Event{Type: "new_message"}))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 2
	}, time.Second, 10*time.Millisecond, "subscriber keeps consuming after a handler panic")
}
