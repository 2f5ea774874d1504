// Package queue provides the Redis-backed delay queues that connect the
// ingest and processing subsystems. Messages become visible after a delay,
// are claimed with a visibility timeout, and move to a dead-letter list
// after too many deliveries.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8" // v8.11.5
	"github.com/google/uuid"       // v1.3.1
	"github.com/pkg/errors"        // v0.9.1
	"go.uber.org/zap"              // v1.26.0
)

// ErrQueueEmpty indicates no message was due at claim time
var ErrQueueEmpty = errors.New("no message due")

// envelope wraps a payload with delivery bookkeeping. The member stored in
// the sorted set is the serialized envelope; its score is the instant the
// message next becomes visible.
type envelope struct {
	ID           string          `json:"id"`
	ReceiveCount int             `json:"receive_count"`
	Payload      json.RawMessage `json:"payload"`
}

// claimScript atomically claims one due message: it removes the member,
// increments its receive count and re-adds it scored at the visibility
// deadline. Claiming and hiding must be one step or two consumers could
// take the same trigger.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
	return false
end
local raw = due[1]
redis.call('ZREM', KEYS[1], raw)
local msg = cjson.decode(raw)
msg['receive_count'] = msg['receive_count'] + 1
local updated = cjson.encode(msg)
redis.call('ZADD', KEYS[1], ARGV[2], updated)
return updated
`)

// DelayQueue is one named delay queue over a Redis sorted set
type DelayQueue struct {
	client          *redis.Client
	name            string
	visibility      time.Duration
	maxReceiveCount int
	logger          *zap.Logger
}

// NewDelayQueue creates a delay queue. Messages claimed more than
// maxReceiveCount times are diverted to the "<name>:dead" list.
func NewDelayQueue(client *redis.Client, name string, visibility time.Duration, maxReceiveCount int, logger *zap.Logger) *DelayQueue {
	return &DelayQueue{
		client:          client,
		name:            name,
		visibility:      visibility,
		maxReceiveCount: maxReceiveCount,
		logger:          logger,
	}
}

// Name returns the queue name
func (q *DelayQueue) Name() string {
	return q.name
}

// Enqueue adds a payload that becomes visible after the given delay
func (q *DelayQueue) Enqueue(ctx context.Context, payload []byte, delay time.Duration) error {
	env := envelope{
		ID:           uuid.New().String(),
		ReceiveCount: 0,
		Payload:      payload,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "failed to marshal queue envelope")
	}

	visibleAt := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, q.name, &redis.Z{Score: visibleAt, Member: data}).Err(); err != nil {
		return errors.Wrapf(err, "failed to enqueue on %s", q.name)
	}

	q.logger.Debug("message enqueued",
		zap.String("queue", q.name),
		zap.String("message_id", env.ID),
		zap.Duration("delay", delay))
	return nil
}

// Claim takes the next due message and hides it for the visibility timeout.
// Returns ErrQueueEmpty when nothing is due. Messages past the receive
// limit are moved to the dead-letter list and the next candidate is tried.
func (q *DelayQueue) Claim(ctx context.Context) (*Delivery, error) {
	for {
		now := time.Now()
		raw, err := claimScript.Run(ctx, q.client, []string{q.name},
			now.UnixMilli(),
			now.Add(q.visibility).UnixMilli(),
		).Text()
		if err == redis.Nil {
			return nil, ErrQueueEmpty
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to claim from %s", q.name)
		}

		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			// Undecodable member: drop it rather than poison the queue
			q.client.ZRem(ctx, q.name, raw)
			q.logger.Error("dropping undecodable queue member", zap.String("queue", q.name), zap.Error(err))
			continue
		}

		if env.ReceiveCount > q.maxReceiveCount {
			if err := q.deadLetter(ctx, raw); err != nil {
				return nil, err
			}
			q.logger.Warn("message moved to dead-letter list",
				zap.String("queue", q.name),
				zap.String("message_id", env.ID),
				zap.Int("receive_count", env.ReceiveCount))
			continue
		}

		return &Delivery{queue: q, raw: raw, ID: env.ID, ReceiveCount: env.ReceiveCount, Payload: env.Payload}, nil
	}
}

// deadLetter moves a claimed member to the dead-letter list
func (q *DelayQueue) deadLetter(ctx context.Context, raw string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.name, raw)
	pipe.LPush(ctx, q.name+":dead", raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "failed to dead-letter on %s", q.name)
	}
	return nil
}

// Delivery is one claimed, in-flight message
type Delivery struct {
	queue *DelayQueue
	raw   string

	ID           string
	ReceiveCount int
	Payload      json.RawMessage
}

// Ack removes the message from the queue after successful processing
func (d *Delivery) Ack(ctx context.Context) error {
	if err := d.queue.client.ZRem(ctx, d.queue.name, d.raw).Err(); err != nil {
		return errors.Wrapf(err, "failed to ack on %s", d.queue.name)
	}
	return nil
}

// Extend pushes the visibility deadline out by the given extension. Only
// re-scores the member if it is still in flight.
func (d *Delivery) Extend(ctx context.Context, extension time.Duration) error {
	visibleAt := float64(time.Now().Add(extension).UnixMilli())
	if err := d.queue.client.ZAddXX(ctx, d.queue.name, &redis.Z{Score: visibleAt, Member: d.raw}).Err(); err != nil {
		return errors.Wrapf(err, "failed to extend visibility on %s", d.queue.name)
	}
	return nil
}

// Nack makes the message immediately visible again for redelivery
func (d *Delivery) Nack(ctx context.Context) error {
	visibleAt := float64(time.Now().UnixMilli())
	if err := d.queue.client.ZAddXX(ctx, d.queue.name, &redis.Z{Score: visibleAt, Member: d.raw}).Err(); err != nil {
		return errors.Wrapf(err, "failed to nack on %s", d.queue.name)
	}
	return nil
}
