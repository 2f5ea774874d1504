package processor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap" // v1.26.0
)

// Extension failure backoff bounds
const (
	heartbeatRetryInitial = time.Second
	heartbeatRetryMax     = 30 * time.Second
)

// Extendable is an in-flight delivery whose visibility can be pushed out
type Extendable interface {
	Extend(ctx context.Context, extension time.Duration) error
}

// Heartbeat periodically extends a claimed trigger's visibility while its
// processor works, so a long assistant turn does not get redelivered from
// under a live processor. Extension failures are retried with capped
// backoff and are never fatal to the turn.
type Heartbeat struct {
	interval  time.Duration
	extension time.Duration
	logger    *zap.Logger
}

// NewHeartbeat creates a visibility heartbeat. The interval must be shorter
// than the extension so coverage never lapses between beats.
func NewHeartbeat(interval, extension time.Duration, logger *zap.Logger) *Heartbeat {
	return &Heartbeat{
		interval:  interval,
		extension: extension,
		logger:    logger,
	}
}

// Start begins extending the target's visibility in the background. The
// returned stop function is idempotent and must be called on every exit
// path from the processor; deferring it at acquisition scopes the
// heartbeat to the turn.
func (h *Heartbeat) Start(ctx context.Context, target Extendable) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		h.run(hbCtx, target)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// run extends visibility until the heartbeat is stopped
func (h *Heartbeat) run(ctx context.Context, target Extendable) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.extendWithRetry(ctx, target)
		}
	}
}

// extendWithRetry attempts one extension, retrying with capped backoff
// until it succeeds or the heartbeat stops
func (h *Heartbeat) extendWithRetry(ctx context.Context, target Extendable) {
	backoff := heartbeatRetryInitial

	for {
		err := target.Extend(ctx, h.extension)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		h.logger.Warn("visibility extension failed, retrying",
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > heartbeatRetryMax {
			backoff = heartbeatRetryMax
		}
	}
}
