package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T, visibility time.Duration, maxReceive int) (*miniredis.Miniredis, *DelayQueue) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	return server, NewDelayQueue(client, "replies:test", visibility, maxReceive, zap.NewNop())
}

type testPayload struct {
	ConversationID string `json:"conversation_id"`
}

func enqueueTest(t *testing.T, q *DelayQueue, conversationID string, delay time.Duration) {
	t.Helper()
	payload, err := json.Marshal(testPayload{ConversationID: conversationID})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), payload, delay))
}

func TestClaimReturnsDueMessage(t *testing.T) {
	_, q := newTestQueue(t, time.Hour, 3)
	ctx := context.Background()

	enqueueTest(t, q, "conv-1", 0)

	delivery, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivery.ReceiveCount)

	var payload testPayload
	require.NoError(t, json.Unmarshal(delivery.Payload, &payload))
	assert.Equal(t, "conv-1", payload.ConversationID)
}

func TestClaimEmptyQueue(t *testing.T) {
	_, q := newTestQueue(t, time.Hour, 3)

	_, err := q.Claim(context.Background())
	assert.Equal(t, ErrQueueEmpty, err)
}

func TestDelayedMessageIsInvisibleUntilDue(t *testing.T) {
	_, q := newTestQueue(t, time.Hour, 3)
	ctx := context.Background()

	enqueueTest(t, q, "conv-1", time.Hour)

	_, err := q.Claim(ctx)
	assert.Equal(t, ErrQueueEmpty, err)
}

func TestClaimedMessageIsHiddenByVisibilityTimeout(t *testing.T) {
	_, q := newTestQueue(t, time.Hour, 3)
	ctx := context.Background()

	enqueueTest(t, q, "conv-1", 0)

	_, err := q.Claim(ctx)
	require.NoError(t, err)

	// In flight: a second consumer sees nothing
	_, err = q.Claim(ctx)
	assert.Equal(t, ErrQueueEmpty, err)
}

func TestAckRemovesMessage(t *testing.T) {
	_, q := newTestQueue(t, time.Millisecond, 3)
	ctx := context.Background()

	enqueueTest(t, q, "conv-1", 0)

	delivery, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, delivery.Ack(ctx))

	// Even after the visibility lapses, nothing comes back
	time.Sleep(5 * time.Millisecond)
	_, err = q.Claim(ctx)
	assert.Equal(t, ErrQueueEmpty, err)
}

func TestNackRedeliversImmediately(t *testing.T) {
	_, q := newTestQueue(t, time.Hour, 3)
	ctx := context.Background()

	enqueueTest(t, q, "conv-1", 0)

	delivery, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, delivery.Nack(ctx))

	redelivered, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, redelivered.ReceiveCount)
	assert.Equal(t, delivery.ID, redelivered.ID)
}

func TestAbandonedMessageRedeliversAfterVisibility(t *testing.T) {
	_, q := newTestQueue(t, 10*time.Millisecond, 3)
	ctx := context.Background()

	enqueueTest(t, q, "conv-1", 0)

	_, err := q.Claim(ctx)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	redelivered, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, redelivered.ReceiveCount)
}

func TestExtendKeepsMessageHidden(t *testing.T) {
	_, q := newTestQueue(t, 10*time.Millisecond, 3)
	ctx := context.Background()

	enqueueTest(t, q, "conv-1", 0)

	delivery, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, delivery.Extend(ctx, time.Hour))

	time.Sleep(20 * time.Millisecond)

	// The original visibility lapsed but the extension holds
	_, err = q.Claim(ctx)
	assert.Equal(t, ErrQueueEmpty, err)
}

func TestExceededReceiveCountMovesToDeadLetter(t *testing.T) {
	server, q := newTestQueue(t, time.Hour, 1)
	ctx := context.Background()

	enqueueTest(t, q, "conv-1", 0)

	delivery, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, delivery.Nack(ctx))

	// Second claim exceeds max_receive_count=1 and diverts to the dead list
	_, err = q.Claim(ctx)
	assert.Equal(t, ErrQueueEmpty, err)

	dead, err := server.List("replies:test:dead")
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestClaimOrderIsOldestFirst(t *testing.T) {
	_, q := newTestQueue(t, time.Hour, 3)
	ctx := context.Background()

	enqueueTest(t, q, "conv-old", -2*time.Second)
	enqueueTest(t, q, "conv-new", -1*time.Second)

	delivery, err := q.Claim(ctx)
	require.NoError(t, err)

	var payload testPayload
	require.NoError(t, json.Unmarshal(delivery.Payload, &payload))
	assert.Equal(t, "conv-old", payload.ConversationID)
}
