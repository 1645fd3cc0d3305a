//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/drfirst/go-adherence/internal/domain/calendar"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/fhir/r4"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
)

type StoreSuite struct {
	suite.Suite
	container *tcpostgres.PostgresContainer
	pool      *pgxpool.Pool
	store     *Store
	ctx       context.Context
}

func TestStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres integration tests in short mode")
	}
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupSuite() {
	s.ctx = context.Background()

	container, err := tcpostgres.Run(s.ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("adherence"),
		tcpostgres.WithUsername("adherence"),
		tcpostgres.WithPassword("adherence"),
		tcpostgres.BasicWaitStrategies(),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	s.pool, err = pgxpool.New(s.ctx, dsn)
	s.Require().NoError(err)
	s.Require().NoError(EnsureSchema(s.ctx, s.pool))
	s.store = NewStore(s.pool, "", nil)
}

func (s *StoreSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func (s *StoreSuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, `TRUNCATE medication_administrations, medication_requests, outbox RESTART IDENTITY`)
	s.Require().NoError(err)
}

var at = time.Date(2025, time.March, 12, 8, 0, 0, 0, time.UTC)

func metoprolol() medication.ActiveMedication {
	ref := medication.Reference{Code: "866412", DisplayText: "24 HR Metoprolol succinate 100 MG Extended Release Oral Tablet"}
	return medication.ActiveMedication{Ref: ref, Key: ref.Key(), Name: ref.DisplayText}
}

func (s *StoreSuite) outboxTypes() []string {
	rows, err := s.pool.Query(s.ctx, `SELECT event_type FROM outbox ORDER BY id`)
	s.Require().NoError(err)
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		s.Require().NoError(rows.Scan(&t))
		out = append(out, t)
	}
	return out
}

func (s *StoreSuite) TestAppendWritesOutbox() {
	s.Require().NoError(s.store.Append(s.ctx,
		dose.NewRecord("a1", metoprolol(), "p1", at),
		dose.NewRecord("a2", metoprolol(), "p1", at.Add(24*time.Hour)),
	))

	recs, err := s.store.Administrations(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(recs, 2)
	s.Equal("a1", recs[0].ID)
	s.Equal([]string{EventDoseRecorded, EventDoseRecorded}, s.outboxTypes())

	var payload []byte
	s.Require().NoError(s.pool.QueryRow(s.ctx, `SELECT payload FROM outbox ORDER BY id LIMIT 1`).Scan(&payload))
	var ev DoseEvent
	s.Require().NoError(json.Unmarshal(payload, &ev))
	s.Equal("p1", ev.PatientID)
	s.Equal("866412", ev.MedicationKey)
}

func (s *StoreSuite) TestAppendIfAbsent() {
	slot := dose.Slot{PatientID: "p1", Key: "866412", Day: calendar.Of(at)}

	ok, err := s.store.AppendIfAbsent(s.ctx, dose.NewRecord("", metoprolol(), "p1", at), slot)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.store.AppendIfAbsent(s.ctx, dose.NewRecord("", metoprolol(), "p1", at.Add(2*time.Hour)), slot)
	s.Require().NoError(err)
	s.False(ok)
	s.Len(s.outboxTypes(), 1)
}

func (s *StoreSuite) TestAppendIfAbsentConcurrent() {
	slot := dose.Slot{PatientID: "p1", Key: "866412", Day: calendar.Of(at)}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.store.AppendIfAbsent(s.ctx, dose.NewRecord("", metoprolol(), "p1", at), slot)
			s.NoError(err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load())
	recs, err := s.store.Administrations(s.ctx)
	s.Require().NoError(err)
	s.Len(recs, 1)
}

func (s *StoreSuite) TestRemoveWhere() {
	s.Require().NoError(s.store.Append(s.ctx,
		dose.NewRecord("today", metoprolol(), "p1", at),
		dose.NewRecord("yesterday", metoprolol(), "p1", at.Add(-24*time.Hour)),
		dose.NewRecord("other", metoprolol(), "p2", at),
	))

	slot := dose.Slot{PatientID: "p1", Key: "866412", Day: calendar.Of(at)}
	removed, err := s.store.RemoveWhere(s.ctx, slot.Matches)
	s.Require().NoError(err)
	s.Require().Len(removed, 1)
	s.Equal("today", removed[0].ID)

	recs, err := s.store.Administrations(s.ctx)
	s.Require().NoError(err)
	s.Len(recs, 2)
	s.Equal(EventDoseRemoved, s.outboxTypes()[3])

	removed, err = s.store.RemoveWhere(s.ctx, slot.Matches)
	s.Require().NoError(err)
	s.Empty(removed)
}

func (s *StoreSuite) TestRemoveSlotLeavesOtherRowsUnlocked() {
	s.Require().NoError(s.store.Append(s.ctx,
		dose.NewRecord("today", metoprolol(), "p1", at),
		dose.NewRecord("yesterday", metoprolol(), "p1", at.Add(-24*time.Hour)),
		dose.NewRecord("other", metoprolol(), "p2", at),
	))

	// Another writer holds p2's row for the rest of the test.
	tx, err := s.pool.Begin(s.ctx)
	s.Require().NoError(err)
	defer tx.Rollback(s.ctx)
	_, err = tx.Exec(s.ctx, `SELECT id FROM medication_administrations WHERE id = 'other' FOR UPDATE`)
	s.Require().NoError(err)

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	slot := dose.Slot{PatientID: "p1", Key: "866412", Day: calendar.Of(at)}
	removed, err := s.store.RemoveSlot(ctx, slot)
	s.Require().NoError(err)
	s.Require().Len(removed, 1)
	s.Equal("today", removed[0].ID)

	recs, err := s.store.Administrations(s.ctx)
	s.Require().NoError(err)
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	s.ElementsMatch([]string{"yesterday", "other"}, ids)
	s.Equal(EventDoseRemoved, s.outboxTypes()[3])

	removed, err = s.store.RemoveSlot(ctx, slot)
	s.Require().NoError(err)
	s.Empty(removed)
}

func (s *StoreSuite) TestVersionMovesOnEveryWrite() {
	v0, err := s.store.Version(s.ctx)
	s.Require().NoError(err)

	s.Require().NoError(s.store.Append(s.ctx, dose.NewRecord("a1", metoprolol(), "p1", at)))
	v1, err := s.store.Version(s.ctx)
	s.Require().NoError(err)
	s.NotEqual(v0, v1)

	req := &r4.MedicationRequest{
		ResourceType: r4.ResourceMedicationRequest,
		ID:           "r1",
		Status:       r4.StatusActive,
		Subject:      r4.Reference{Reference: "Patient/p1"},
	}
	s.Require().NoError(s.store.AppendRequest(s.ctx, req))
	v2, err := s.store.Version(s.ctx)
	s.Require().NoError(err)
	s.NotEqual(v1, v2)

	req.Status = r4.StatusStopped
	s.Require().NoError(s.store.AppendRequest(s.ctx, req))
	v3, err := s.store.Version(s.ctx)
	s.Require().NoError(err)
	s.NotEqual(v2, v3)

	s.Require().NoError(s.store.ReplaceRequests(s.ctx, nil))
	v4, err := s.store.Version(s.ctx)
	s.Require().NoError(err)
	s.NotEqual(v3, v4)

	_, err = s.store.RemoveSlot(s.ctx, dose.Slot{PatientID: "p1", Key: "866412", Day: calendar.Of(at)})
	s.Require().NoError(err)
	v5, err := s.store.Version(s.ctx)
	s.Require().NoError(err)
	s.NotEqual(v4, v5)

	again, err := s.store.Version(s.ctx)
	s.Require().NoError(err)
	s.Equal(v5, again)
}

func (s *StoreSuite) TestRequests() {
	req := &r4.MedicationRequest{
		ResourceType: r4.ResourceMedicationRequest,
		ID:           "r1",
		Status:       r4.StatusActive,
		Subject:      r4.Reference{Reference: "Patient/p1"},
	}
	s.Require().NoError(s.store.AppendRequest(s.ctx, req))
	s.Require().NoError(s.store.AppendRequest(s.ctx, &r4.MedicationRequest{
		ResourceType: r4.ResourceMedicationRequest,
		ID:           "r2",
		Status:       r4.StatusActive,
		Subject:      r4.Reference{Reference: "Patient/p1"},
	}))

	req.Status = r4.StatusStopped
	s.Require().NoError(s.store.AppendRequest(s.ctx, req))

	reqs, err := s.store.Requests(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(reqs, 2)
	s.Equal("r1", reqs[0].ID)
	s.Equal(r4.StatusStopped, reqs[0].Status)

	s.Require().NoError(s.store.ReplaceRequests(s.ctx, reqs[1:]))
	reqs, err = s.store.Requests(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(reqs, 1)
	s.Equal("r2", reqs[0].ID)
}

func (s *StoreSuite) TestRecorderOnPostgres() {
	rec := dose.NewRecorder(s.store, nil,
		dose.WithClock(func() time.Time { return at }),
		dose.WithLocation(time.UTC))

	_, err := rec.RecordDose(s.ctx, metoprolol(), "p1")
	s.Require().NoError(err)
	_, err = rec.RecordDose(s.ctx, metoprolol(), "p1")
	s.ErrorIs(err, dose.ErrAlreadyRecorded)

	removal, err := rec.UnmarkDose(s.ctx, "866412", "p1")
	s.Require().NoError(err)
	s.Equal(1, removal.Count)
}

type recordingPublisher struct {
	mu       sync.Mutex
	topics   []string
	failures int
}

func (p *recordingPublisher) Publish(_ context.Context, topic, _ string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.topics = append(p.topics, topic)
	return nil
}

func (s *StoreSuite) TestRelayPublishesAndRetries() {
	s.Require().NoError(s.store.Append(s.ctx, dose.NewRecord("a1", metoprolol(), "p1", at)))

	pub := &recordingPublisher{failures: 1}
	m := metrics.New(prometheus.NewRegistry())
	cfg := DefaultRelayConfig()
	relay := NewRelay(s.pool, pub, cfg, nil, m)

	n, err := relay.ProcessBatch(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, n)
	s.Equal(1.0, testutil.ToFloat64(m.OutboxPending))

	n, err = relay.ProcessBatch(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal([]string{DefaultDoseEventsTopic}, pub.topics)
	s.Equal(0.0, testutil.ToFloat64(m.OutboxPending))
}

func (s *StoreSuite) TestRelayDeadLetters() {
	s.Require().NoError(s.store.Append(s.ctx, dose.NewRecord("a1", metoprolol(), "p1", at)))
	_, err := s.pool.Exec(s.ctx, `UPDATE outbox SET retry_count = 5`)
	s.Require().NoError(err)

	pub := &recordingPublisher{}
	relay := NewRelay(s.pool, pub, DefaultRelayConfig(), nil, nil)
	n, err := relay.ProcessBatch(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal([]string{"adherence.dead-letter"}, pub.topics)
}
