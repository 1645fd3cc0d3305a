package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/service/tracker"
)

type fakeTracker struct {
	snap tracker.Snapshot
	err  error
}

func (f *fakeTracker) Load(context.Context) (tracker.Snapshot, error) { return f.snap, f.err }

type published struct {
	topic string
	key   string
	value []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     []published
}

func (f *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	f.sent = append(f.sent, published{topic: topic, key: key, value: value})
	return nil
}

func (f *fakePublisher) onTopic(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.sent {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func newDispatcher(t *testing.T, tr *fakeTracker, pub *fakePublisher) (*Dispatcher, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	cfg := DefaultConfig(time.UTC)
	cfg.Pool.Workers = 2
	cfg.Pool.RetryDelay = time.Millisecond
	d, err := NewDispatcher(tr, pub, cfg, nil, m)
	require.NoError(t, err)
	return d, m
}

func TestSendDoseReminders(t *testing.T) {
	tr := &fakeTracker{snap: weekSnapshot()}
	pub := &fakePublisher{}
	d, m := newDispatcher(t, tr, pub)

	report, err := d.SendDoseReminders(context.Background(), TimeOfDay{Hour: 7})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)

	sent := pub.onTopic(redpanda.TopicReminders)
	require.Len(t, sent, 2)
	keys := []string{sent[0].key, sent[1].key}
	assert.ElementsMatch(t, []string{"p1", "p2"}, keys)

	var r DoseReminder
	require.NoError(t, json.Unmarshal(sent[0].value, &r))
	assert.Equal(t, KindDoseReminder, r.Kind)
	assert.Equal(t, "07:00", r.SendTime)
	assert.NotEmpty(t, r.Pending)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RemindersPublished.WithLabelValues(string(KindDoseReminder))))
}

func TestSendWeeklyDigestsRetries(t *testing.T) {
	tr := &fakeTracker{snap: weekSnapshot()}
	pub := &fakePublisher{failures: 1}
	d, m := newDispatcher(t, tr, pub)

	report, err := d.SendWeeklyDigests(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, 3, pub.calls)

	sent := pub.onTopic(redpanda.TopicWeeklySummaries)
	require.Len(t, sent, 2)
	var w WeeklyDigest
	require.NoError(t, json.Unmarshal(sent[0].value, &w))
	assert.Equal(t, KindWeeklyDigest, w.Kind)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RemindersPublished.WithLabelValues(string(KindWeeklyDigest))))
}

func TestSendFailsWhenSnapshotFails(t *testing.T) {
	tr := &fakeTracker{err: errors.New("disk gone")}
	pub := &fakePublisher{}
	d, _ := newDispatcher(t, tr, pub)

	_, err := d.SendDoseReminders(context.Background(), TimeOfDay{Hour: 7})
	assert.Error(t, err)
	_, err = d.SendWeeklyDigests(context.Background())
	assert.Error(t, err)
	assert.Zero(t, pub.calls)
}

func TestTickSendsDueSlots(t *testing.T) {
	tr := &fakeTracker{snap: weekSnapshot()}
	pub := &fakePublisher{}
	d, _ := newDispatcher(t, tr, pub)
	ctx := context.Background()

	// Saturday evening to Sunday morning: the 07:00 reminder and the digest.
	require.NoError(t, d.Tick(ctx, at(15, 20, 0), at(16, 9, 30)))
	assert.Len(t, pub.onTopic(redpanda.TopicReminders), 2)
	assert.Len(t, pub.onTopic(redpanda.TopicWeeklySummaries), 2)

	require.NoError(t, d.Tick(ctx, at(16, 9, 30), at(16, 10, 0)))
	assert.Len(t, pub.sent, 4)
}

func TestNewDispatcherRequiresDependencies(t *testing.T) {
	_, err := NewDispatcher(nil, &fakePublisher{}, DefaultConfig(time.UTC), nil, nil)
	assert.Error(t, err)
}
