package dose

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/calendar"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/fhir/r4"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
)

// DetailNoMatch is reported when there is nothing to unmark.
const DetailNoMatch = "no matching record found for today"

// Removal is the outcome of UnmarkDose.
type Removal struct {
	Removed bool   `json:"removed"`
	Count   int    `json:"count"`
	Detail  string `json:"detail"`
}

// Recorder marks doses taken or untaken for the current day.
type Recorder struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
	loc     *time.Location
	newID   func() string
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithLocation sets the zone that decides which calendar day "today" is.
func WithLocation(loc *time.Location) Option {
	return func(r *Recorder) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithMetrics attaches Prometheus counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store Store, logger *zap.Logger, opts ...Option) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("dose-recorder"),
		now:    time.Now,
		loc:    time.Local,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now returns the current instant in the recorder's zone.
func (r *Recorder) Now() time.Time { return r.now().In(r.loc) }

// Today returns the current calendar day in the recorder's zone.
func (r *Recorder) Today() calendar.Day { return calendar.Of(r.Now()) }

// RecordDose marks med taken by patientID now. If a dose for the same
// medication was already recorded today it returns ErrAlreadyRecorded and
// writes nothing.
func (r *Recorder) RecordDose(ctx context.Context, med medication.ActiveMedication, patientID string) (medication.Administration, error) {
	ctx, span := r.tracer.Start(ctx, "record_dose",
		trace.WithAttributes(
			attribute.String("patient_id", patientID),
			attribute.String("medication_key", string(med.Key)),
		))
	defer span.End()

	if med.Key.Unmatched() {
		return medication.Administration{}, ErrNoIdentity
	}

	now := r.Now()
	slot := Slot{PatientID: patientID, Key: med.Key, Day: calendar.Of(now)}
	rec := NewRecord(r.newID(), med, patientID, now)

	appended, err := r.store.AppendIfAbsent(ctx, rec, slot)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return medication.Administration{}, fmt.Errorf("record dose: %w", err)
	}
	if !appended {
		r.metrics.DuplicateDose()
		span.SetAttributes(attribute.Bool("duplicate", true))
		r.logger.Info("dose already recorded",
			zap.String("patient_id", patientID),
			zap.String("medication_key", string(med.Key)),
			zap.Stringer("day", slot.Day),
		)
		return medication.Administration{}, fmt.Errorf("%w: %s on %s", ErrAlreadyRecorded, med.Key, slot.Day)
	}

	r.metrics.DoseRecorded()
	r.logger.Info("dose recorded",
		zap.String("patient_id", patientID),
		zap.String("medication_key", string(med.Key)),
		zap.String("administration_id", rec.ID),
	)
	return medication.FromAdministration(rec), nil
}

// UnmarkDose removes today's administration events for key and patientID.
// Events on other days are never touched. A call that finds nothing returns
// Removed=false with DetailNoMatch rather than an error.
func (r *Recorder) UnmarkDose(ctx context.Context, key medication.Key, patientID string) (Removal, error) {
	ctx, span := r.tracer.Start(ctx, "unmark_dose",
		trace.WithAttributes(
			attribute.String("patient_id", patientID),
			attribute.String("medication_key", string(key)),
		))
	defer span.End()

	slot := Slot{PatientID: patientID, Key: key, Day: r.Today()}
	var (
		removed []*r4.MedicationAdministration
		err     error
	)
	if sr, ok := r.store.(SlotRemover); ok {
		removed, err = sr.RemoveSlot(ctx, slot)
	} else {
		removed, err = r.store.RemoveWhere(ctx, slot.Matches)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Removal{}, fmt.Errorf("unmark dose: %w", err)
	}
	if len(removed) == 0 {
		return Removal{Removed: false, Detail: DetailNoMatch}, nil
	}

	r.metrics.DoseUnmarked()
	r.logger.Info("dose unmarked",
		zap.String("patient_id", patientID),
		zap.String("medication_key", string(key)),
		zap.Int("removed", len(removed)),
	)
	return Removal{
		Removed: true,
		Count:   len(removed),
		Detail:  fmt.Sprintf("removed %d record(s) for %s on %s", len(removed), key, slot.Day),
	}, nil
}
