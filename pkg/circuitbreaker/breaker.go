// Package circuitbreaker guards calls to the message broker with
// sony/gobreaker and reports its state through OpenTelemetry and Prometheus.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/observability/metrics"
)

// ErrOpen is returned without calling fn while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// gaugeValue matches the circuit_breaker_state help text.
func (s State) gaugeValue() float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Config holds breaker settings.
type Config struct {
	Name string
	// MaxRequests is the number of trial calls allowed while half-open.
	MaxRequests uint32
	// Interval clears the closed-state counts; zero never clears them.
	Interval time.Duration
	// Timeout is how long the breaker stays open before going half-open.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker below MinRequests.
	ConsecutiveFailures uint32
	// FailureRatio trips the breaker once MinRequests have been seen.
	FailureRatio float64
	MinRequests  uint32
}

// DefaultConfig returns defaults for broker publishing.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             15 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         20,
	}
}

// Breaker wraps gobreaker.
type Breaker struct {
	cb      *gobreaker.CircuitBreaker
	name    string
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	calls    metric.Int64Counter
	rejected metric.Int64Counter

	mu    sync.RWMutex
	state State
}

// New creates a breaker. m may be nil.
func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) (*Breaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	meter := otel.Meter("circuit-breaker")
	calls, err := meter.Int64Counter("circuit_breaker_calls",
		metric.WithDescription("Calls through the circuit breaker by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create calls counter: %w", err)
	}
	rejected, err := meter.Int64Counter("circuit_breaker_rejections",
		metric.WithDescription("Calls rejected while the circuit was open"))
	if err != nil {
		return nil, fmt.Errorf("create rejections counter: %w", err)
	}

	b := &Breaker{
		name:     cfg.Name,
		logger:   logger,
		metrics:  m,
		tracer:   otel.Tracer("circuit-breaker"),
		calls:    calls,
		rejected: rejected,
		state:    StateClosed,
	}
	b.publishState(StateClosed)

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < cfg.MinRequests {
				return c.ConsecutiveFailures >= cfg.ConsecutiveFailures
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.onStateChange(mapState(from), mapState(to))
		},
		// A caller giving up is not a broker failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return b, nil
}

// Do runs fn through the breaker. While open it returns ErrOpen.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := b.tracer.Start(ctx, "circuit_breaker",
		trace.WithAttributes(
			attribute.String("breaker", b.name),
			attribute.String("state", string(b.State())),
		))
	defer span.End()

	name := attribute.String("name", b.name)
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.rejected.Add(ctx, 1, metric.WithAttributes(name))
		span.SetAttributes(attribute.Bool("rejected", true))
		return fmt.Errorf("%w: %s", ErrOpen, b.name)
	case err != nil:
		b.calls.Add(ctx, 1, metric.WithAttributes(name, attribute.String("outcome", "failure")))
		span.RecordError(err)
		return err
	default:
		b.calls.Add(ctx, 1, metric.WithAttributes(name, attribute.String("outcome", "success")))
		return nil
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Counts returns the gobreaker counters for the current generation.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

func (b *Breaker) onStateChange(from, to State) {
	b.mu.Lock()
	b.state = to
	b.mu.Unlock()
	b.publishState(to)

	b.logger.Warn("circuit breaker state changed",
		zap.String("breaker", b.name),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

func (b *Breaker) publishState(s State) {
	if b.metrics != nil {
		b.metrics.CircuitBreakerState.WithLabelValues(b.name).Set(s.gaugeValue())
	}
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
