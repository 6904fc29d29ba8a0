package reliability

import (
	"context"
	"fmt"
	"time"

	"voicegate/internal/core/domain"
	"voicegate/internal/core/ports"
	"voicegate/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// CallEventStoreWrapper shields the signaling path from a failing store. When
// the backing Redis is down the breaker opens and store operations fail fast
// instead of stalling every call operation behind connection timeouts. The
// call manager layers its own retries on top.
type CallEventStoreWrapper struct {
	store   ports.CallEventStore
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func NewCallEventStoreWrapper(store ports.CallEventStore, cbConfig circuitbreaker.Config, logger *zap.SugaredLogger) *CallEventStoreWrapper {
	w := &CallEventStoreWrapper{
		store:   store,
		breaker: circuitbreaker.New(cbConfig),
		logger:  logger,
	}

	w.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("call store circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return w
}

func (w *CallEventStoreWrapper) Append(ctx context.Context, channel domain.ChannelID, ev domain.CallEvent) error {
	return w.execute("append", func() error {
		return w.store.Append(ctx, channel, ev)
	})
}

func (w *CallEventStoreWrapper) Events(ctx context.Context, channel domain.ChannelID) ([]domain.CallEvent, error) {
	var events []domain.CallEvent
	err := w.execute("events", func() error {
		var innerErr error
		events, innerErr = w.store.Events(ctx, channel)
		return innerErr
	})
	return events, err
}

func (w *CallEventStoreWrapper) Clear(ctx context.Context, channel domain.ChannelID) error {
	return w.execute("clear", func() error {
		return w.store.Clear(ctx, channel)
	})
}

func (w *CallEventStoreWrapper) SetTTL(ctx context.Context, channel domain.ChannelID, ttl time.Duration) error {
	return w.execute("set_ttl", func() error {
		return w.store.SetTTL(ctx, channel, ttl)
	})
}

func (w *CallEventStoreWrapper) ClearTTL(ctx context.Context, channel domain.ChannelID) error {
	return w.execute("clear_ttl", func() error {
		return w.store.ClearTTL(ctx, channel)
	})
}

// BreakerState exposes the breaker for health reporting.
func (w *CallEventStoreWrapper) BreakerState() circuitbreaker.State {
	return w.breaker.State()
}

func (w *CallEventStoreWrapper) execute(op string, fn func() error) error {
	err := w.breaker.Execute(fn)
	if err == circuitbreaker.ErrOpen {
		return fmt.Errorf("call store unavailable (%s): %w", op, err)
	}
	return err
}

var _ ports.CallEventStore = (*CallEventStoreWrapper)(nil)
