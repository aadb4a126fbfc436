package graphkb

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig configures the circuit breaker placed in front of query submission.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	MaxRequests      uint32        `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold float64       `yaml:"failure_threshold" validate:"gte=0,lte=1"`
	MinRequests      uint32        `yaml:"min_requests"`
}

// DefaultBreakerConfig returns the settings used when a config leaves them zero.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

type breakerRunner struct {
	next QueryRunner
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker wraps next so that repeated transport failures open the circuit.
// Only transport failures count; empty results and bad responses do not.
// While open, calls fail fast with a *TransportError wrapping gobreaker.ErrOpenState.
func WithBreaker(next QueryRunner, cfg BreakerConfig, logger *zap.Logger) QueryRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "graphkb-query",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrTransport)
		},
	})
	return &breakerRunner{next: next, cb: cb}
}

func (b *breakerRunner) Run(ctx context.Context, q Query) (*QueryResult, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Run(ctx, q)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &TransportError{Query: q.Text, Err: err}
	}
	if err != nil {
		return nil, err
	}
	return out.(*QueryResult), nil
}
