package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/ganeshballa0/bank-of-anthos/internal/errors"
)

func TestRedisPublisherPushesJSON(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	pub := NewRedisPublisherWithClient(client, "")
	defer pub.Close()

	event := TurnEvent{TurnID: "turn-1", SessionID: "s-1", Subject: "alice", Outcome: "answered", ToolCalls: 2, OccurredAt: 1700000000}
	require.NoError(t, pub.Publish(context.Background(), event))

	items, err := mr.List(defaultRedisKey)
	require.NoError(t, err)
	require.Len(t, items, 1)

	var decoded TurnEvent
	require.NoError(t, json.Unmarshal([]byte(items[0]), &decoded))
	assert.Equal(t, event, decoded)
	assert.NotContains(t, items[0], "prompt")
}

func TestRedisPublisherFailureIsCoded(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	pub := NewRedisPublisherWithClient(client, "k")
	mr.Close()

	err := pub.Publish(context.Background(), TurnEvent{TurnID: "t"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeQueueFailure, xerrors.CodeOf(err))
}

func TestNewRedisPublisherPings(t *testing.T) {
	mr := miniredis.RunT(t)
	pub, err := New(Config{Driver: "redis", Redis: RedisConfig{Address: mr.Addr(), Key: "custom"}})
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.Publish(context.Background(), TurnEvent{TurnID: "t"}))
	items, err := mr.List("custom")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestMemoryPublisherDropsOldest(t *testing.T) {
	pub := NewMemoryPublisher(2)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, pub.Publish(ctx, TurnEvent{TurnID: id}))
	}
	events := pub.Drain()
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[0].TurnID)
	assert.Equal(t, "c", events[1].TurnID)

	require.NoError(t, pub.Close())
	assert.Error(t, pub.Publish(ctx, TurnEvent{TurnID: "d"}))
}

func TestNewSelectsDriver(t *testing.T) {
	pub, err := New(Config{})
	require.NoError(t, err)
	assert.NoError(t, pub.Publish(context.Background(), TurnEvent{}))

	pub, err = New(Config{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryPublisher{}, pub)

	_, err = New(Config{Driver: "kafka"})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = New(Config{Driver: "rabbitmq"})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}
