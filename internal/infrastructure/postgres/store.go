package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/fhir/r4"
)

// Outbox event types written alongside administration changes.
const (
	EventDoseRecorded = "DoseRecorded"
	EventDoseRemoved  = "DoseRemoved"
)

// DefaultDoseEventsTopic receives administration changes via the outbox.
const DefaultDoseEventsTopic = "adherence.dose-events"

// Schema creates the tables used by Store and Relay.
const Schema = `
CREATE TABLE IF NOT EXISTS medication_administrations (
	id             TEXT PRIMARY KEY,
	patient_id     TEXT NOT NULL,
	medication_key TEXT NOT NULL,
	effective_date DATE,
	record         JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS medication_administrations_slot
	ON medication_administrations (patient_id, medication_key, effective_date)
	WHERE medication_key <> '' AND effective_date IS NOT NULL;

CREATE TABLE IF NOT EXISTS medication_requests (
	id         TEXT PRIMARY KEY,
	position   BIGSERIAL,
	patient_id TEXT NOT NULL,
	status     TEXT NOT NULL,
	record     JSONB NOT NULL
);
CREATE SEQUENCE IF NOT EXISTS medication_request_revision_seq;
ALTER TABLE medication_requests
	ADD COLUMN IF NOT EXISTS revision BIGINT NOT NULL DEFAULT nextval('medication_request_revision_seq');

CREATE TABLE IF NOT EXISTS outbox (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	kafka_topic    TEXT NOT NULL,
	kafka_key      TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at   TIMESTAMPTZ,
	retry_count    INT NOT NULL DEFAULT 0,
	last_error     TEXT
);
CREATE INDEX IF NOT EXISTS outbox_pending ON outbox (created_at) WHERE processed_at IS NULL;
`

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Store implements dose.Store and dose.RequestStore on PostgreSQL. Every
// administration change writes an outbox row in the same transaction.
type Store struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
	tracer trace.Tracer
}

var (
	_ dose.Store        = (*Store)(nil)
	_ dose.RequestStore = (*Store)(nil)
	_ dose.SlotRemover  = (*Store)(nil)
	_ dose.Versioned    = (*Store)(nil)
)

// NewStore creates a store. An empty topic uses DefaultDoseEventsTopic.
func NewStore(pool *pgxpool.Pool, topic string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topic == "" {
		topic = DefaultDoseEventsTopic
	}
	return &Store{
		pool:   pool,
		topic:  topic,
		logger: logger,
		tracer: otel.Tracer("postgres-store"),
	}
}

// administrationRow is the indexed projection of one record.
type administrationRow struct {
	ID            string
	PatientID     string
	MedicationKey string
	EffectiveDate any // "YYYY-MM-DD" or nil when undated
	Record        []byte
}

func rowFor(rec *r4.MedicationAdministration) (administrationRow, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	payload, err := rec.ToJSON()
	if err != nil {
		return administrationRow{}, fmt.Errorf("encode administration %s: %w", rec.ID, err)
	}
	a := medication.FromAdministration(rec)
	row := administrationRow{
		ID:            rec.ID,
		PatientID:     a.PatientID,
		MedicationKey: string(a.Key),
		Record:        payload,
	}
	if a.Dated() {
		row.EffectiveDate = a.Day.String()
	}
	return row, nil
}

// Administrations loads every administration record ordered by day.
func (s *Store) Administrations(ctx context.Context) ([]*r4.MedicationAdministration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT record FROM medication_administrations
		ORDER BY effective_date NULLS FIRST, created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query administrations: %w", err)
	}
	defer rows.Close()

	var out []*r4.MedicationAdministration
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan administration: %w", err)
		}
		rec := &r4.MedicationAdministration{}
		if err := rec.FromJSON(raw); err != nil {
			s.logger.Debug("skipping malformed administration", zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Append inserts records. Records colliding with an existing event for the
// same patient, medication and day are dropped.
func (s *Store) Append(ctx context.Context, recs ...*r4.MedicationAdministration) error {
	if len(recs) == 0 {
		return nil
	}
	ctx, span := s.tracer.Start(ctx, "administrations_append",
		trace.WithAttributes(attribute.Int("count", len(recs))))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, rec := range recs {
		if _, err := s.insert(ctx, tx, rec); err != nil {
			span.RecordError(err)
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AppendIfAbsent inserts rec unless slot already has an event. Concurrent
// callers for the same slot are serialized by a transaction-scoped advisory
// lock; the unique index backs it up.
func (s *Store) AppendIfAbsent(ctx context.Context, rec *r4.MedicationAdministration, slot dose.Slot) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "administrations_append_if_absent",
		trace.WithAttributes(
			attribute.String("patient_id", slot.PatientID),
			attribute.String("medication_key", string(slot.Key)),
			attribute.String("day", slot.Day.String()),
		))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", slot.LockID()); err != nil {
		return false, fmt.Errorf("lock slot: %w", err)
	}

	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM medication_administrations
			WHERE patient_id = $1 AND medication_key = $2 AND effective_date = $3::date
		)`, slot.PatientID, string(slot.Key), slot.Day.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check slot: %w", err)
	}
	if exists {
		span.SetAttributes(attribute.Bool("duplicate", true))
		return false, nil
	}

	inserted, err := s.insert(ctx, tx, rec)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if !inserted {
		return false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// insert writes rec and its outbox row. It reports false when the unique
// slot index rejected the record.
func (s *Store) insert(ctx context.Context, tx pgx.Tx, rec *r4.MedicationAdministration) (bool, error) {
	row, err := rowFor(rec)
	if err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO medication_administrations (id, patient_id, medication_key, effective_date, record)
		VALUES ($1, $2, $3, $4::date, $5)
		ON CONFLICT DO NOTHING
	`, row.ID, row.PatientID, row.MedicationKey, row.EffectiveDate, row.Record)
	if err != nil {
		return false, fmt.Errorf("insert administration %s: %w", row.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := s.writeOutbox(ctx, tx, EventDoseRecorded, row); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) writeOutbox(ctx context.Context, tx pgx.Tx, eventType string, row administrationRow) error {
	payload, err := json.Marshal(DoseEvent{
		Type:          eventType,
		PatientID:     row.PatientID,
		MedicationKey: row.MedicationKey,
		Record:        row.Record,
	})
	if err != nil {
		return fmt.Errorf("encode outbox payload: %w", err)
	}
	return WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   row.PatientID,
		AggregateType: "Patient",
		EventType:     eventType,
		Payload:       payload,
		KafkaTopic:    s.topic,
		KafkaKey:      row.PatientID,
	})
}

// RemoveWhere deletes every record matching pred and writes a removal event
// per record. It scans and locks the whole table; prefer RemoveSlot.
func (s *Store) RemoveWhere(ctx context.Context, pred dose.Predicate) ([]*r4.MedicationAdministration, error) {
	ctx, span := s.tracer.Start(ctx, "administrations_remove")
	defer span.End()

	removed, err := s.remove(ctx, pred, `SELECT id, record FROM medication_administrations FOR UPDATE`)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("removed", len(removed)))
	return removed, nil
}

// RemoveSlot deletes the records of one slot. Only rows on the slot's
// indexed columns are read and locked.
func (s *Store) RemoveSlot(ctx context.Context, slot dose.Slot) ([]*r4.MedicationAdministration, error) {
	ctx, span := s.tracer.Start(ctx, "administrations_remove_slot",
		trace.WithAttributes(
			attribute.String("patient_id", slot.PatientID),
			attribute.String("medication_key", string(slot.Key)),
			attribute.String("day", slot.Day.String()),
		))
	defer span.End()

	if slot.Key.Unmatched() || slot.Day.IsZero() {
		return nil, nil
	}
	removed, err := s.remove(ctx, slot.Matches, `
		SELECT id, record FROM medication_administrations
		WHERE patient_id = $1 AND medication_key = $2 AND effective_date = $3
		FOR UPDATE`, slot.PatientID, string(slot.Key), slot.Day.String())
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("removed", len(removed)))
	return removed, nil
}

// remove locks the rows selected by query, deletes those matching pred and
// writes their removal events in one transaction.
func (s *Store) remove(ctx context.Context, pred dose.Predicate, query string, args ...any) ([]*r4.MedicationAdministration, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query administrations: %w", err)
	}
	var (
		ids     []string
		removed []*r4.MedicationAdministration
	)
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan administration: %w", err)
		}
		rec := &r4.MedicationAdministration{}
		if err := rec.FromJSON(raw); err != nil {
			continue
		}
		if pred(rec) {
			ids = append(ids, id)
			removed = append(removed, rec)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate administrations: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM medication_administrations WHERE id = ANY($1)`, ids); err != nil {
		return nil, fmt.Errorf("delete administrations: %w", err)
	}
	for _, rec := range removed {
		row, err := rowFor(rec)
		if err != nil {
			return nil, err
		}
		if err := s.writeOutbox(ctx, tx, EventDoseRemoved, row); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return removed, nil
}

// Requests loads every order in insertion order.
func (s *Store) Requests(ctx context.Context) ([]*r4.MedicationRequest, error) {
	rows, err := s.pool.Query(ctx, `SELECT record FROM medication_requests ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var out []*r4.MedicationRequest
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		req := &r4.MedicationRequest{}
		if err := req.FromJSON(raw); err != nil {
			s.logger.Debug("skipping malformed request", zap.Error(err))
			continue
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// AppendRequest stores an order, replacing any order with the same id.
func (s *Store) AppendRequest(ctx context.Context, req *r4.MedicationRequest) error {
	return upsertRequest(ctx, s.pool, req)
}

// ReplaceRequests swaps the whole order table for reqs.
func (s *Store) ReplaceRequests(ctx context.Context, reqs []*r4.MedicationRequest) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM medication_requests`); err != nil {
		return fmt.Errorf("clear requests: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT nextval('medication_request_revision_seq')`); err != nil {
		return fmt.Errorf("bump request revision: %w", err)
	}
	for _, req := range reqs {
		if err := upsertRequest(ctx, tx, req); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Version combines the outbox and order revision sequences. Every
// administration change writes an outbox row and every order write draws a
// revision, so the token moves with any write from any process.
func (s *Store) Version(ctx context.Context) (string, error) {
	var (
		outboxSeq, revisionSeq       int64
		outboxCalled, revisionCalled bool
	)
	err := s.pool.QueryRow(ctx, `
		SELECT o.last_value, o.is_called, r.last_value, r.is_called
		FROM outbox_id_seq o, medication_request_revision_seq r
	`).Scan(&outboxSeq, &outboxCalled, &revisionSeq, &revisionCalled)
	if err != nil {
		return "", fmt.Errorf("read store version: %w", err)
	}
	return fmt.Sprintf("%d.%t/%d.%t", outboxSeq, outboxCalled, revisionSeq, revisionCalled), nil
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func upsertRequest(ctx context.Context, db execer, req *r4.MedicationRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	payload, err := req.ToJSON()
	if err != nil {
		return fmt.Errorf("encode request %s: %w", req.ID, err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO medication_requests (id, patient_id, status, record)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET patient_id = $2, status = $3, record = $4,
			revision = nextval('medication_request_revision_seq')
	`, req.ID, req.GetPatientID(), req.Status, payload)
	if err != nil {
		return fmt.Errorf("upsert request %s: %w", req.ID, err)
	}
	return nil
}
