// Package tracker loads event snapshots from a store and answers per-patient
// adherence questions. Writes go through the dose recorder; each write drops
// the patient's cached summary so the next read sees it.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/drfirst/go-adherence/internal/domain/calendar"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/fhir/r4"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
)

var (
	// ErrNotFound is returned for an unknown order or a medication that is
	// not active for the patient.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput is returned for malformed orders and parameters.
	ErrInvalidInput = errors.New("invalid input")
)

// Config tunes the service.
type Config struct {
	// CacheSize is the number of patient summaries kept; 0 disables caching.
	CacheSize    int
	LookbackDays int
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{CacheSize: 1024, LookbackDays: adherence.DefaultLookbackDays}
}

// Snapshot is one consistent read of both logs.
type Snapshot struct {
	Today   calendar.Day
	Active  []medication.ActiveMedication
	Stopped []medication.ActiveMedication
	Events  []medication.Administration
}

// ForPatient narrows the snapshot to patientID.
func (s Snapshot) ForPatient(patientID string) Snapshot {
	return Snapshot{
		Today:   s.Today,
		Active:  medication.ForPatient(s.Active, patientID),
		Stopped: medication.ForPatient(s.Stopped, patientID),
		Events:  medication.EventsForPatient(s.Events, patientID),
	}
}

// Service answers adherence queries and applies patient writes.
type Service struct {
	doses    dose.Store
	orders   dose.RequestStore
	recorder *dose.Recorder
	cache    *summaryCache
	config   Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// New creates a service. recorder decides the clock and zone for "today".
func New(doses dose.Store, orders dose.RequestStore, recorder *dose.Recorder, cfg Config, logger *zap.Logger, m *metrics.Metrics) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = adherence.DefaultLookbackDays
	}
	cache, err := newSummaryCache(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create summary cache: %w", err)
	}
	return &Service{
		doses:    doses,
		orders:   orders,
		recorder: recorder,
		cache:    cache,
		config:   cfg,
		logger:   logger,
		metrics:  m,
		tracer:   otel.Tracer("tracker"),
	}, nil
}

// Today returns the service's current calendar day.
func (s *Service) Today() calendar.Day { return s.recorder.Today() }

// Load reads both logs.
func (s *Service) Load(ctx context.Context) (Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "tracker_load")
	defer span.End()

	reqs, err := s.orders.Requests(ctx)
	if err != nil {
		span.RecordError(err)
		return Snapshot{}, fmt.Errorf("load requests: %w", err)
	}
	recs, err := s.doses.Administrations(ctx)
	if err != nil {
		span.RecordError(err)
		return Snapshot{}, fmt.Errorf("load administrations: %w", err)
	}

	active, stopped := medication.SplitByStatus(reqs)
	snap := Snapshot{
		Today:   s.Today(),
		Active:  active,
		Stopped: stopped,
		Events:  medication.Administrations(recs),
	}
	span.SetAttributes(
		attribute.Int("active", len(active)),
		attribute.Int("events", len(snap.Events)))
	return snap, nil
}

// Patient loads the snapshot narrowed to patientID.
func (s *Service) Patient(ctx context.Context, patientID string) (Snapshot, error) {
	snap, err := s.Load(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return snap.ForPatient(patientID), nil
}

// Patients returns the IDs of patients with at least one active order.
func (s *Service) Patients(ctx context.Context) ([]string, error) {
	snap, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, m := range snap.Active {
		if m.PatientID == "" {
			continue
		}
		if _, ok := seen[m.PatientID]; !ok {
			seen[m.PatientID] = struct{}{}
			ids = append(ids, m.PatientID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// TodayStatus returns each active medication with whether it was taken today.
func (s *Service) TodayStatus(ctx context.Context, patientID string) ([]adherence.TodayStatus, error) {
	snap, err := s.Patient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return adherence.TakenToday(snap.Active, snap.Events, snap.Today), nil
}

// Rate computes the patient's adherence over w.
func (s *Service) Rate(ctx context.Context, patientID string, w adherence.Window) (float64, error) {
	snap, err := s.Patient(ctx, patientID)
	if err != nil {
		return 0, err
	}
	defer s.metrics.ObserveComputation("rate", time.Now())
	return adherence.Rate(snap.Active, snap.Events, w, snap.Today), nil
}

// Missed counts missed days per active medication over the last days.
func (s *Service) Missed(ctx context.Context, patientID string, days int) ([]adherence.MissCount, error) {
	if days < 1 {
		return nil, fmt.Errorf("%w: days must be positive", ErrInvalidInput)
	}
	snap, err := s.Patient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	defer s.metrics.ObserveComputation("missed", time.Now())
	return adherence.MissedDoses(snap.Active, snap.Events, days, snap.Today), nil
}

// Weekly builds the seven-day summary used by the weekly report.
func (s *Service) Weekly(ctx context.Context, patientID string) (adherence.WeeklySummary, error) {
	snap, err := s.Patient(ctx, patientID)
	if err != nil {
		return adherence.WeeklySummary{}, err
	}
	return adherence.NewWeeklySummary(patientID, snap.Active, snap.Events, snap.Today), nil
}

// Summary returns the full adherence view. A cached summary is served only
// while the store version it was computed at is still current, so writes
// made by other processes sharing the store are picked up. Stores without a
// version are never cached.
func (s *Service) Summary(ctx context.Context, patientID string) (adherence.Summary, error) {
	today := s.Today()
	version, versioned := s.storeVersion(ctx)
	if versioned {
		if cached, ok := s.cache.get(patientID, today, version); ok {
			s.metrics.CacheLookup(true)
			return cached, nil
		}
		s.metrics.CacheLookup(false)
	}

	snap, err := s.Patient(ctx, patientID)
	if err != nil {
		return adherence.Summary{}, err
	}
	started := time.Now()
	sum := adherence.Summarize(patientID, snap.Active, snap.Events, snap.Today, s.config.LookbackDays)
	s.metrics.ObserveComputation("summary", started)

	if versioned {
		s.cache.put(patientID, today, version, sum)
	}
	return sum, nil
}

// storeVersion reads the version token of both logs. It is read before the
// logs are loaded so a concurrent write can only make an entry stale early.
func (s *Service) storeVersion(ctx context.Context) (string, bool) {
	var parts [2]string
	for i, st := range []any{s.doses, s.orders} {
		v, ok := st.(dose.Versioned)
		if !ok {
			return "", false
		}
		token, err := v.Version(ctx)
		if err != nil {
			s.logger.Warn("store version unavailable, skipping summary cache", zap.Error(err))
			return "", false
		}
		parts[i] = token
	}
	return parts[0] + "|" + parts[1], true
}

// Invalidate drops the cached summary of patientID.
func (s *Service) Invalidate(patientID string) {
	s.cache.invalidate(patientID)
}

// InvalidateAll drops every cached summary.
func (s *Service) InvalidateAll() {
	s.cache.purge()
}

// RecordDose marks the active medication with key taken today.
func (s *Service) RecordDose(ctx context.Context, patientID string, key medication.Key) (medication.Administration, error) {
	snap, err := s.Patient(ctx, patientID)
	if err != nil {
		return medication.Administration{}, err
	}
	med, ok := medication.FindByKey(snap.Active, key)
	if !ok {
		return medication.Administration{}, fmt.Errorf("%w: no active medication %q for patient %s", ErrNotFound, key, patientID)
	}

	event, err := s.recorder.RecordDose(ctx, med, patientID)
	if err != nil {
		return medication.Administration{}, err
	}
	s.Invalidate(patientID)
	return event, nil
}

// UnmarkDose removes today's dose of key.
func (s *Service) UnmarkDose(ctx context.Context, patientID string, key medication.Key) (dose.Removal, error) {
	removal, err := s.recorder.UnmarkDose(ctx, key, patientID)
	if err != nil {
		return dose.Removal{}, err
	}
	if removal.Removed {
		s.Invalidate(patientID)
	}
	return removal, nil
}

// Medications returns the patient's active and stopped orders.
func (s *Service) Medications(ctx context.Context, patientID string) (active, stopped []medication.ActiveMedication, err error) {
	snap, err := s.Patient(ctx, patientID)
	if err != nil {
		return nil, nil, err
	}
	return snap.Active, snap.Stopped, nil
}

// AddOrder appends a new order for patientID.
func (s *Service) AddOrder(ctx context.Context, patientID string, o NewOrder) (medication.ActiveMedication, error) {
	if strings.TrimSpace(patientID) == "" {
		return medication.ActiveMedication{}, fmt.Errorf("%w: patient id is required", ErrInvalidInput)
	}
	if err := o.Validate(); err != nil {
		return medication.ActiveMedication{}, err
	}

	req := buildRequest(o, patientID, s.recorder.Now())
	if err := s.orders.AppendRequest(ctx, req); err != nil {
		return medication.ActiveMedication{}, fmt.Errorf("append request: %w", err)
	}
	s.Invalidate(patientID)

	s.logger.Info("medication order added",
		zap.String("patient_id", patientID),
		zap.String("request_id", req.ID),
		zap.String("status", req.Status))
	return medication.FromRequest(req), nil
}

// UpdateOrder edits one of the patient's orders.
func (s *Service) UpdateOrder(ctx context.Context, patientID, requestID string, p OrderPatch) (medication.ActiveMedication, error) {
	return s.editOrder(ctx, patientID, requestID, func(req *r4.MedicationRequest) error {
		return applyPatch(req, p)
	})
}

// SetOrderStatus activates or stops an order.
func (s *Service) SetOrderStatus(ctx context.Context, patientID, requestID, status string) (medication.ActiveMedication, error) {
	return s.UpdateOrder(ctx, patientID, requestID, OrderPatch{Status: &status})
}

// AddNote attaches a free-text note to an order.
func (s *Service) AddNote(ctx context.Context, patientID, requestID, text string) (medication.ActiveMedication, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return medication.ActiveMedication{}, fmt.Errorf("%w: note cannot be empty", ErrInvalidInput)
	}
	at := medication.FormatTimestamp(s.recorder.Now())
	return s.editOrder(ctx, patientID, requestID, func(req *r4.MedicationRequest) error {
		req.Note = append(req.Note, r4.Annotation{Time: at, Text: text})
		return nil
	})
}

// Notes returns the notes on an order.
func (s *Service) Notes(ctx context.Context, patientID, requestID string) ([]r4.Annotation, error) {
	reqs, err := s.orders.Requests(ctx)
	if err != nil {
		return nil, fmt.Errorf("load requests: %w", err)
	}
	req, err := findRequest(reqs, patientID, requestID)
	if err != nil {
		return nil, err
	}
	return req.Note, nil
}

func (s *Service) editOrder(ctx context.Context, patientID, requestID string, edit func(*r4.MedicationRequest) error) (medication.ActiveMedication, error) {
	reqs, err := s.orders.Requests(ctx)
	if err != nil {
		return medication.ActiveMedication{}, fmt.Errorf("load requests: %w", err)
	}
	req, err := findRequest(reqs, patientID, requestID)
	if err != nil {
		return medication.ActiveMedication{}, err
	}
	if err := edit(req); err != nil {
		return medication.ActiveMedication{}, err
	}
	if err := s.orders.ReplaceRequests(ctx, reqs); err != nil {
		return medication.ActiveMedication{}, fmt.Errorf("replace requests: %w", err)
	}
	s.Invalidate(patientID)

	s.logger.Info("medication order updated",
		zap.String("patient_id", patientID),
		zap.String("request_id", requestID),
		zap.String("status", req.Status))
	return medication.FromRequest(req), nil
}

func findRequest(reqs []*r4.MedicationRequest, patientID, requestID string) (*r4.MedicationRequest, error) {
	for _, req := range reqs {
		if req.ID == requestID && req.GetPatientID() == patientID {
			return req, nil
		}
	}
	return nil, fmt.Errorf("%w: order %s for patient %s", ErrNotFound, requestID, patientID)
}
