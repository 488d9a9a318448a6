package source

import (
	"context"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// BreakerSettings controls when a failing source is short-circuited.
type BreakerSettings struct {
	Name             string
	FailureThreshold uint32
	Timeout          time.Duration
}

// Breaker guards a Source with a circuit breaker. Once the source has failed
// FailureThreshold times in a row, reads fail fast until Timeout elapses.
// It never retries.
type Breaker struct {
	src  Source
	name string
	cb   *gobreaker.CircuitBreaker[[]arrow.Record]
}

// WithBreaker wraps src.
func WithBreaker(src Source, settings BreakerSettings, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.Name == "" {
		settings.Name = "transactions"
	}
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 3
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}
	threshold := settings.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[[]arrow.Record](gobreaker.Settings{
		Name:    settings.Name,
		Timeout: settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("source circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Breaker{src: src, name: settings.Name, cb: cb}
}

// ReadAll reads through the breaker.
func (b *Breaker) ReadAll(ctx context.Context) ([]arrow.Record, error) {
	recs, err := b.cb.Execute(func() ([]arrow.Record, error) {
		return b.src.ReadAll(ctx)
	})
	if err != nil {
		return nil, wrap(b.name, err)
	}
	return recs, nil
}

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
