package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap" // v1.26.0
)

// Consumer shutdown configuration
const (
	shutdownTimeout = 30 * time.Second
)

// Handler processes one claimed delivery. The handler owns the delivery's
// lifecycle: it must Ack on success and may Nack or simply abandon the
// delivery to let the visibility timeout drive redelivery.
type Handler func(ctx context.Context, delivery *Delivery)

// Consumer polls a set of delay queues and dispatches due messages to a
// handler with bounded concurrency.
type Consumer struct {
	queues       []*DelayQueue
	handler      Handler
	pollInterval time.Duration
	concurrency  int
	logger       *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
}

// NewConsumer creates a consumer over the given delay queues
func NewConsumer(queues []*DelayQueue, handler Handler, pollInterval time.Duration, concurrency int, logger *zap.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())

	if concurrency <= 0 {
		concurrency = 1
	}

	return &Consumer{
		queues:       queues,
		handler:      handler,
		pollInterval: pollInterval,
		concurrency:  concurrency,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins polling all queues in separate goroutines
func (c *Consumer) Start() error {
	if c.running.Load() {
		return nil
	}
	c.running.Store(true)

	// Bounded handler concurrency shared across queues; one conversation is
	// still serialized by the processing lease, not by this pool.
	sem := make(chan struct{}, c.concurrency)

	for _, q := range c.queues {
		c.wg.Add(1)
		go func(q *DelayQueue) {
			defer c.wg.Done()
			c.pollQueue(q, sem)
		}(q)
	}

	return nil
}

// Stop gracefully shuts down the consumer, waiting for in-flight handlers
func (c *Consumer) Stop() error {
	if !c.running.Load() {
		return nil
	}

	c.running.Store(false)
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(shutdownTimeout):
		return context.DeadlineExceeded
	}
}

// pollQueue claims due messages from one queue until the consumer stops
func (c *Consumer) pollQueue(q *DelayQueue, sem chan struct{}) {
	for c.running.Load() {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		delivery, err := q.Claim(c.ctx)
		if err == ErrQueueEmpty {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.pollInterval):
			}
			continue
		}
		if err != nil {
			c.logger.Error("failed to claim from queue",
				zap.String("queue", q.Name()),
				zap.Error(err))
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.pollInterval):
			}
			continue
		}

		select {
		case <-c.ctx.Done():
			// Shutting down: leave the claim to expire and redeliver
			return
		case sem <- struct{}{}:
		}

		c.wg.Add(1)
		go func(d *Delivery) {
			defer c.wg.Done()
			defer func() { <-sem }()
			c.handler(c.ctx, d)
		}(delivery)
	}
}
