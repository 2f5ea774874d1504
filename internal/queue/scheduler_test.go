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

	"github.com/whatsapp-web-enhancement/reply-service/internal/models"
)

func TestSchedulerRoutesToChannelQueue(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	whatsappQueue := NewDelayQueue(client, "replies:whatsapp", time.Hour, 3, zap.NewNop())
	smsQueue := NewDelayQueue(client, "replies:sms", time.Hour, 3, zap.NewNop())

	scheduler := NewTriggerScheduler(map[string]*DelayQueue{
		models.ChannelWhatsApp: whatsappQueue,
		models.ChannelSMS:      smsQueue,
	}, zap.NewNop())

	ctx := context.Background()
	trigger := &models.TriggerMessage{ConversationID: "conv-1", PrimaryChannel: "+447700900123"}
	require.NoError(t, scheduler.Enqueue(ctx, trigger, models.ChannelWhatsApp, 0))

	delivery, err := whatsappQueue.Claim(ctx)
	require.NoError(t, err)

	var decoded models.TriggerMessage
	require.NoError(t, json.Unmarshal(delivery.Payload, &decoded))
	assert.Equal(t, "conv-1", decoded.ConversationID)
	assert.Equal(t, "+447700900123", decoded.PrimaryChannel)

	// Nothing leaked onto the other channel's queue
	_, err = smsQueue.Claim(ctx)
	assert.Equal(t, ErrQueueEmpty, err)
}

func TestSchedulerRejectsUnknownChannel(t *testing.T) {
	scheduler := NewTriggerScheduler(map[string]*DelayQueue{}, zap.NewNop())

	trigger := &models.TriggerMessage{ConversationID: "conv-1"}
	err := scheduler.Enqueue(context.Background(), trigger, "telegram", 0)
	assert.Error(t, err)
}
