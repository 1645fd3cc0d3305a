package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/service/tracker"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
	"github.com/drfirst/go-adherence/pkg/workerpool"
)

// Publisher sends one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Tracker is the part of the tracker service the dispatcher reads.
type Tracker interface {
	Load(ctx context.Context) (tracker.Snapshot, error)
}

// Config holds dispatcher settings.
type Config struct {
	Schedule       Schedule
	ReminderTopic  string
	DigestTopic    string
	Pool           workerpool.Config
	CircuitBreaker circuitbreaker.Config
}

// DefaultConfig returns the dispatcher defaults for loc.
func DefaultConfig(loc *time.Location) Config {
	return Config{
		Schedule:       DefaultSchedule(loc),
		ReminderTopic:  redpanda.TopicReminders,
		DigestTopic:    redpanda.TopicWeeklySummaries,
		Pool:           workerpool.DefaultConfig(),
		CircuitBreaker: circuitbreaker.DefaultConfig("reminder-publisher"),
	}
}

type outbound struct {
	kind  Kind
	topic string
	key   string
	value []byte
}

// Dispatcher turns due schedule slots into broker messages.
type Dispatcher struct {
	tracker   Tracker
	publisher Publisher
	config    Config
	breaker   *circuitbreaker.Breaker
	pool      *workerpool.Pool[outbound]
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(t Tracker, publisher Publisher, cfg Config, logger *zap.Logger, m *metrics.Metrics) (*Dispatcher, error) {
	if t == nil || publisher == nil {
		return nil, fmt.Errorf("tracker and publisher are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	breaker, err := circuitbreaker.New(cfg.CircuitBreaker, logger, m)
	if err != nil {
		return nil, fmt.Errorf("create circuit breaker: %w", err)
	}
	d := &Dispatcher{
		tracker:   t,
		publisher: publisher,
		config:    cfg,
		breaker:   breaker,
		logger:    logger,
		metrics:   m,
		tracer:    otel.Tracer("reminder-dispatcher"),
	}
	d.pool, err = workerpool.New(cfg.Pool, d.send, logger)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dispatcher) send(ctx context.Context, msg outbound) error {
	err := d.breaker.Do(ctx, func(ctx context.Context) error {
		return d.publisher.Publish(ctx, msg.topic, msg.key, msg.value)
	})
	if err != nil {
		return err
	}
	d.metrics.ReminderPublished(string(msg.kind))
	return nil
}

// SendDoseReminders publishes a reminder for every patient with doses still
// pending today, tagged with the slot at.
func (d *Dispatcher) SendDoseReminders(ctx context.Context, at TimeOfDay) (workerpool.Report, error) {
	ctx, span := d.tracer.Start(ctx, "send_dose_reminders",
		trace.WithAttributes(attribute.String("slot", at.String())))
	defer span.End()

	snap, err := d.tracker.Load(ctx)
	if err != nil {
		span.RecordError(err)
		return workerpool.Report{}, fmt.Errorf("load snapshot: %w", err)
	}
	var jobs []workerpool.Job[outbound]
	for _, r := range PlanDoseReminders(snap, at, time.Now()) {
		job, err := d.job(r.ID, r.Kind, d.config.ReminderTopic, r.PatientID, r)
		if err != nil {
			return workerpool.Report{}, err
		}
		jobs = append(jobs, job)
	}
	return d.run(ctx, KindDoseReminder, jobs), nil
}

// SendWeeklyDigests publishes the weekly digest for every patient with
// active orders.
func (d *Dispatcher) SendWeeklyDigests(ctx context.Context) (workerpool.Report, error) {
	ctx, span := d.tracer.Start(ctx, "send_weekly_digests")
	defer span.End()

	snap, err := d.tracker.Load(ctx)
	if err != nil {
		span.RecordError(err)
		return workerpool.Report{}, fmt.Errorf("load snapshot: %w", err)
	}
	var jobs []workerpool.Job[outbound]
	for _, w := range PlanWeeklyDigests(snap) {
		job, err := d.job(w.ID, w.Kind, d.config.DigestTopic, w.PatientID, w)
		if err != nil {
			return workerpool.Report{}, err
		}
		jobs = append(jobs, job)
	}
	return d.run(ctx, KindWeeklyDigest, jobs), nil
}

func (d *Dispatcher) job(id string, kind Kind, topic, patientID string, payload any) (workerpool.Job[outbound], error) {
	value, err := json.Marshal(payload)
	if err != nil {
		return workerpool.Job[outbound]{}, fmt.Errorf("marshal %s: %w", kind, err)
	}
	return workerpool.Job[outbound]{
		ID:      id,
		Payload: outbound{kind: kind, topic: topic, key: patientID, value: value},
	}, nil
}

func (d *Dispatcher) run(ctx context.Context, kind Kind, jobs []workerpool.Job[outbound]) workerpool.Report {
	report := d.pool.Run(ctx, jobs)
	d.logger.Info("reminders dispatched",
		zap.String("kind", string(kind)),
		zap.Int("sent", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("retried", report.Retried))
	return report
}

// Tick sends everything the schedule says came due in (last, now].
func (d *Dispatcher) Tick(ctx context.Context, last, now time.Time) error {
	for _, occ := range d.config.Schedule.Due(last, now) {
		var err error
		switch occ.Kind {
		case KindDoseReminder:
			_, err = d.SendDoseReminders(ctx, occ.At)
		case KindWeeklyDigest:
			_, err = d.SendWeeklyDigests(ctx)
		}
		if err != nil {
			return fmt.Errorf("%s for %s: %w", occ.Kind, occ.Day, err)
		}
	}
	return nil
}

// Run checks the schedule every interval until ctx is cancelled. Slots that
// passed before Run started are not sent.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	d.logger.Info("reminder dispatcher started", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("reminder dispatcher stopped")
			return nil
		case now := <-ticker.C:
			if err := d.Tick(ctx, last, now); err != nil && ctx.Err() == nil {
				d.logger.Error("reminder tick failed", zap.Error(err))
			}
			last = now
		}
	}
}
