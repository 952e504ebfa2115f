package invalidation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/calltrics/calltrics/pkg/backoff"
	"github.com/calltrics/calltrics/pkg/logger"
	"github.com/calltrics/calltrics/pkg/metrics"
)

// Listener consumes invalidation messages from the bus and hands them to the
// orchestrator. It reconnects with exponential backoff and never lets a bad
// payload take the loop down.
type Listener struct {
	bus     Bus
	orch    *Orchestrator
	policy  backoff.Policy
	log     *zap.Logger
	channel string
}

// ListenerOption customises a Listener.
type ListenerOption func(*Listener)

// WithBackoff replaces the reconnect policy.
func WithBackoff(policy backoff.Policy) ListenerOption {
	return func(l *Listener) { l.policy = policy }
}

// NewListener wires a listener over the given bus and orchestrator.
func NewListener(bus Bus, orch *Orchestrator, opts ...ListenerOption) *Listener {
	l := &Listener{
		bus:     bus,
		orch:    orch,
		policy:  backoff.NewPolicy(time.Second, 2, 30*time.Second),
		channel: ChannelName,
		log:     logger.WithModule("invalidation.listener"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run subscribes and dispatches until the context is cancelled. Missed
// messages during a reconnect window are tolerated; stale entries age out via
// TTL.
func (l *Listener) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sub, err := l.bus.Subscribe(ctx, l.channel)
		if err != nil {
			attempt++
			metrics.ListenerReconnects.Inc()
			l.log.Warn("subscribe failed, backing off",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if err := l.policy.Sleep(ctx, attempt); err != nil {
				return err
			}
			continue
		}

		if attempt > 0 {
			l.log.Info("listener reconnected", zap.Int("attempts", attempt))
		}
		attempt = 0

		err = l.consume(ctx, sub)
		sub.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			attempt++
			metrics.ListenerReconnects.Inc()
			l.log.Warn("listener connection lost, backing off",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if err := l.policy.Sleep(ctx, attempt); err != nil {
				return err
			}
		}
	}
}

// consume pumps one subscription until it fails or the context ends.
func (l *Listener) consume(ctx context.Context, sub Subscription) error {
	for {
		payload, err := sub.Receive(ctx)
		if err != nil {
			return err
		}

		msg, err := Decode(payload)
		if err != nil {
			metrics.InvalidationMessages.WithLabelValues("error").Inc()
			l.log.Warn("dropping malformed invalidation payload", zap.Error(err))
			continue
		}

		l.orch.Apply(msg)
	}
}
