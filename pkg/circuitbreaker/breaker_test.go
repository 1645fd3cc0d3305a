package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/observability/metrics"
)

var errBroker = errors.New("broker down")

func testConfig() Config {
	cfg := DefaultConfig("broker")
	cfg.ConsecutiveFailures = 2
	cfg.Timeout = 50 * time.Millisecond
	return cfg
}

func TestBreakerTripsAndRecovers(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	b, err := New(testConfig(), nil, m)
	require.NoError(t, err)
	ctx := context.Background()

	fail := func(context.Context) error { return errBroker }
	ok := func(context.Context) error { return nil }

	assert.ErrorIs(t, b.Do(ctx, fail), errBroker)
	assert.ErrorIs(t, b.Do(ctx, fail), errBroker)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("broker")))

	called := false
	err = b.Do(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	time.Sleep(80 * time.Millisecond)
	require.NoError(t, b.Do(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("broker")))
}

func TestCancellationDoesNotTrip(t *testing.T) {
	b, err := New(testConfig(), nil, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		err := b.Do(context.Background(), func(context.Context) error { return context.Canceled })
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, b.State())
}
