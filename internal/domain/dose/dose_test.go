package dose

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/domain/calendar"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/fhir/r4"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

// memStore is an in-memory Store.
type memStore struct {
	mu        sync.Mutex
	recs      []*r4.MedicationAdministration
	removeErr error
}

func (m *memStore) Administrations(ctx context.Context) ([]*r4.MedicationAdministration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*r4.MedicationAdministration(nil), m.recs...), nil
}

func (m *memStore) Append(ctx context.Context, recs ...*r4.MedicationAdministration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, recs...)
	return nil
}

func (m *memStore) AppendIfAbsent(ctx context.Context, rec *r4.MedicationAdministration, slot Slot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recs {
		if slot.Matches(r) {
			return false, nil
		}
	}
	m.recs = append(m.recs, rec)
	return true, nil
}

func (m *memStore) RemoveWhere(ctx context.Context, pred Predicate) ([]*r4.MedicationAdministration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeErr != nil {
		return nil, m.removeErr
	}
	var kept, removed []*r4.MedicationAdministration
	for _, r := range m.recs {
		if pred(r) {
			removed = append(removed, r)
		} else {
			kept = append(kept, r)
		}
	}
	m.recs = kept
	return removed, nil
}

var fixedNow = time.Date(2025, time.March, 12, 9, 30, 0, 0, time.UTC)

func simvastatin() medication.ActiveMedication {
	ref := medication.Reference{Code: "312961", DisplayText: "Simvastatin 20 MG Oral Tablet"}
	return medication.ActiveMedication{
		Ref:       ref,
		Key:       ref.Key(),
		Name:      "Simvastatin 20 MG Oral Tablet",
		PatientID: "p1",
		Encounter: "Encounter/e1",
	}
}

func newTestRecorder(store Store, now *time.Time) *Recorder {
	return NewRecorder(store, nil,
		WithClock(func() time.Time { return *now }),
		WithLocation(time.UTC),
	)
}

func TestRecordDoseWritesCompletedAdministration(t *testing.T) {
	store := &memStore{}
	now := fixedNow
	rec := newTestRecorder(store, &now)

	got, err := rec.RecordDose(context.Background(), simvastatin(), "p1")
	require.NoError(t, err)
	assert.Equal(t, medication.Key("312961"), got.Key)
	assert.Equal(t, calendar.Of(fixedNow), got.Day)

	require.Len(t, store.recs, 1)
	written := store.recs[0]
	assert.Equal(t, r4.ResourceMedicationAdministration, written.ResourceType)
	assert.Equal(t, r4.StatusCompleted, written.Status)
	assert.NotEmpty(t, written.ID)
	assert.Equal(t, "Patient/p1", written.Subject.Reference)
	assert.Equal(t, "Encounter/e1", written.Context.Reference)
	assert.Equal(t, "312961", written.GetRxNorm())
	assert.Equal(t, "Simvastatin 20 MG Oral Tablet", written.GetMedicationText())
	assert.Equal(t, "2025-03-12T09:30:00Z", written.EffectiveDateTime)
	require.Len(t, written.Performer, 1)
	assert.Equal(t, PerformerPatient, written.Performer[0].Actor.Display)
	require.Len(t, written.ReasonCode, 1)
	assert.Equal(t, r4.SelfAdministeredReasonTx, written.ReasonCode[0].Text)
}

func TestRecordDoseRejectsSameDayDuplicate(t *testing.T) {
	store := &memStore{}
	now := fixedNow
	rec := newTestRecorder(store, &now)
	ctx := context.Background()

	_, err := rec.RecordDose(ctx, simvastatin(), "p1")
	require.NoError(t, err)

	now = fixedNow.Add(8 * time.Hour)
	_, err = rec.RecordDose(ctx, simvastatin(), "p1")
	require.ErrorIs(t, err, ErrAlreadyRecorded)
	assert.Len(t, store.recs, 1)

	// Another patient and the next day are separate slots.
	_, err = rec.RecordDose(ctx, simvastatin(), "p2")
	require.NoError(t, err)
	now = fixedNow.Add(24 * time.Hour)
	_, err = rec.RecordDose(ctx, simvastatin(), "p1")
	require.NoError(t, err)
	assert.Len(t, store.recs, 3)
}

func TestRecordDoseConcurrentWritersProduceOneEvent(t *testing.T) {
	store := &memStore{}
	now := fixedNow
	rec := newTestRecorder(store, &now)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, duplicates := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rec.RecordDose(context.Background(), simvastatin(), "p1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrAlreadyRecorded):
				duplicates++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 19, duplicates)
	assert.Len(t, store.recs, 1)
}

func TestRecordDoseWithoutIdentity(t *testing.T) {
	store := &memStore{}
	now := fixedNow
	rec := newTestRecorder(store, &now)
	_, err := rec.RecordDose(context.Background(), medication.ActiveMedication{Name: medication.UnknownMedication}, "p1")
	require.ErrorIs(t, err, ErrNoIdentity)
	assert.Empty(t, store.recs)
}

func TestUnmarkDoseTwice(t *testing.T) {
	store := &memStore{}
	now := fixedNow
	rec := newTestRecorder(store, &now)
	ctx := context.Background()

	_, err := rec.RecordDose(ctx, simvastatin(), "p1")
	require.NoError(t, err)

	first, err := rec.UnmarkDose(ctx, "312961", "p1")
	require.NoError(t, err)
	assert.True(t, first.Removed)
	assert.Equal(t, 1, first.Count)

	second, err := rec.UnmarkDose(ctx, "312961", "p1")
	require.NoError(t, err)
	assert.False(t, second.Removed)
	assert.Equal(t, DetailNoMatch, second.Detail)
}

func TestUnmarkDoseOnlyTouchesToday(t *testing.T) {
	store := &memStore{}
	now := fixedNow.Add(-24 * time.Hour)
	rec := newTestRecorder(store, &now)
	ctx := context.Background()

	_, err := rec.RecordDose(ctx, simvastatin(), "p1")
	require.NoError(t, err)
	now = fixedNow
	_, err = rec.RecordDose(ctx, simvastatin(), "p1")
	require.NoError(t, err)
	_, err = rec.RecordDose(ctx, simvastatin(), "p2")
	require.NoError(t, err)

	removal, err := rec.UnmarkDose(ctx, "312961", "p1")
	require.NoError(t, err)
	assert.True(t, removal.Removed)

	remaining := medication.Administrations(store.recs)
	require.Len(t, remaining, 2)
	for _, a := range remaining {
		assert.False(t, a.PatientID == "p1" && a.Day == calendar.Of(fixedNow))
	}
}

func TestUnmarkDoseStoreFailure(t *testing.T) {
	store := &memStore{removeErr: errors.New("disk full")}
	now := fixedNow
	rec := newTestRecorder(store, &now)
	_, err := rec.UnmarkDose(context.Background(), "312961", "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

// slotStore removes by slot and refuses full-log scans.
type slotStore struct {
	memStore
	slots []Slot
}

func (s *slotStore) RemoveWhere(ctx context.Context, pred Predicate) ([]*r4.MedicationAdministration, error) {
	return nil, errors.New("full scan")
}

func (s *slotStore) RemoveSlot(ctx context.Context, slot Slot) ([]*r4.MedicationAdministration, error) {
	s.slots = append(s.slots, slot)
	return s.memStore.RemoveWhere(ctx, slot.Matches)
}

func TestUnmarkDoseUsesSlotRemover(t *testing.T) {
	store := &slotStore{}
	now := fixedNow
	rec := newTestRecorder(store, &now)
	ctx := context.Background()

	_, err := rec.RecordDose(ctx, simvastatin(), "p1")
	require.NoError(t, err)
	_, err = rec.RecordDose(ctx, simvastatin(), "p2")
	require.NoError(t, err)

	removal, err := rec.UnmarkDose(ctx, "312961", "p1")
	require.NoError(t, err)
	assert.True(t, removal.Removed)
	require.Equal(t, []Slot{{PatientID: "p1", Key: "312961", Day: calendar.Of(fixedNow)}}, store.slots)

	remaining := medication.Administrations(store.recs)
	require.Len(t, remaining, 1)
	assert.Equal(t, "p2", remaining[0].PatientID)
}

func TestSlotMatches(t *testing.T) {
	day := calendar.Of(fixedNow)
	rec := NewRecord("id", simvastatin(), "p1", fixedNow)

	assert.True(t, Slot{PatientID: "p1", Key: "312961", Day: day}.Matches(rec))
	assert.False(t, Slot{PatientID: "p2", Key: "312961", Day: day}.Matches(rec))
	assert.False(t, Slot{PatientID: "p1", Key: "312961", Day: day.AddDays(1)}.Matches(rec))
	assert.False(t, Slot{PatientID: "p1", Day: day}.Matches(rec))
	assert.NotEqual(t,
		Slot{PatientID: "p1", Key: "a", Day: day}.IdempotencyKey(),
		Slot{PatientID: "p1", Key: "b", Day: day}.IdempotencyKey())
}

func TestNewRecordTextOnlyMedication(t *testing.T) {
	med := medication.ActiveMedication{
		Ref:  medication.Reference{DisplayText: "Fish Oil"},
		Key:  "Fish Oil",
		Name: "Fish Oil",
	}
	rec := NewRecord("id", med, "p1", fixedNow)
	assert.Empty(t, rec.MedicationCodeableConcept.Coding)
	assert.Equal(t, medication.Key("Fish Oil"), medication.FromAdministration(rec).Key)
	assert.Nil(t, rec.Context)
}

func TestRangeFor(t *testing.T) {
	today := calendar.Day{Year: 2025, Month: time.March, Day: 12}
	tests := []struct {
		period string
		span   int
	}{
		{PeriodToday, 1},
		{PeriodWeek, 7},
		{PeriodMonth, 12},
		{PeriodAll, 90},
	}
	for _, tt := range tests {
		t.Run(tt.period, func(t *testing.T) {
			r, err := RangeFor(tt.period, today)
			require.NoError(t, err)
			assert.Equal(t, tt.span, r.Span())
			assert.Equal(t, today, r.End)
		})
	}
	_, err := RangeFor("decade", today)
	assert.Error(t, err)
}

func assertUniqueSlots(t *testing.T, recs []*r4.MedicationAdministration) {
	t.Helper()
	seen := map[string]bool{}
	for _, a := range medication.Administrations(recs) {
		key := idempotency.DoseKey(a.PatientID, string(a.Key), a.Day.String())
		assert.False(t, seen[key], "duplicate event for %s on %s", a.Key, a.Day)
		seen[key] = true
	}
}

func TestGenerateMeetsTargetsWithoutDuplicates(t *testing.T) {
	today := calendar.Day{Year: 2025, Month: time.March, Day: 12}
	dates := DateRange{Start: today.AddDays(-29), End: today}
	rng := rand.New(rand.NewSource(7))

	report := Generate(DefaultCatalog("p1"), dates, nil, rng, time.UTC)
	require.Len(t, report.Lines, 7)
	for _, line := range report.Lines {
		assert.Equal(t, line.Target, line.Created, line.Medication)
	}
	assert.Equal(t, 27, report.Lines[2].Target)
	assert.Equal(t, 3, report.Lines[1].Target)
	assertUniqueSlots(t, report.Records)

	for i, rec := range report.Records {
		a := medication.FromAdministration(rec)
		require.True(t, a.Dated())
		assert.False(t, a.Day.Before(dates.Start) || a.Day.After(dates.End))
		if i > 0 {
			assert.LessOrEqual(t, report.Records[i-1].EffectiveDateTime, rec.EffectiveDateTime)
		}
	}
}

func TestGenerateSkipsExistingDays(t *testing.T) {
	today := calendar.Day{Year: 2025, Month: time.March, Day: 12}
	dates := DateRange{Start: today.AddDays(-9), End: today}
	catalog := DefaultCatalog("p1")[2:3] // simvastatin

	var existing []*r4.MedicationAdministration
	for _, d := range calendar.Range(dates.Start, dates.End) {
		existing = append(existing, NewRecord("x", catalog[0].Medication(), "p1", d.At(8, 0, 0, time.UTC)))
	}

	report := Generate(catalog, dates, existing, rand.New(rand.NewSource(1)), time.UTC)
	require.Len(t, report.Lines, 1)
	assert.Equal(t, 9, report.Lines[0].Target)
	assert.Zero(t, report.Lines[0].Created)
	assert.Positive(t, report.Skipped())
	assert.Empty(t, report.Records)
}

func TestGenerateSingleDay(t *testing.T) {
	today := calendar.Day{Year: 2025, Month: time.March, Day: 12}
	report := Generate(DefaultCatalog("p1"), DateRange{Start: today, End: today}, nil, rand.New(rand.NewSource(3)), time.UTC)
	for i, entry := range DefaultCatalog("p1") {
		if entry.Scheduled {
			assert.Equal(t, 1, report.Lines[i].Created, entry.Name)
		}
		assert.LessOrEqual(t, report.Lines[i].Created, 1)
	}
	assertUniqueSlots(t, report.Records)
}

func TestCandidateTimesFavourRecentDays(t *testing.T) {
	today := calendar.Day{Year: 2025, Month: time.March, Day: 12}
	dates := DateRange{Start: today.AddDays(-89), End: today}
	times := candidateTimes(dates, 100, rand.New(rand.NewSource(5)), time.UTC)
	require.Len(t, times, 100)

	recent, middle, old := 0, 0, 0
	for _, ts := range times {
		ago := today.Since(calendar.Of(ts))
		switch {
		case ago <= 30:
			recent++
		case ago <= 60:
			middle++
		default:
			old++
		}
		assert.GreaterOrEqual(t, ts.Hour(), firstHour)
		assert.LessOrEqual(t, ts.Hour(), lastHour)
	}
	assert.Equal(t, 60, recent)
	assert.Equal(t, 30, middle)
	assert.Equal(t, 10, old)
}
