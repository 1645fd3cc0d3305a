package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/fhir/r4"
	"github.com/drfirst/go-adherence/internal/infrastructure/ndjson"
	"github.com/drfirst/go-adherence/internal/service/tracker"
)

// Wednesday.
var now = time.Date(2025, time.March, 12, 9, 0, 0, 0, time.UTC)

func newServer(t *testing.T) http.Handler {
	t.Helper()
	store := ndjson.New(t.TempDir(), nil, nil)
	rec := dose.NewRecorder(store, nil,
		dose.WithClock(func() time.Time { return now }),
		dose.WithLocation(time.UTC))
	svc, err := tracker.New(store, store, rec, tracker.DefaultConfig(), nil, nil)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(map[string]string{"test-key": "tests"}))
		r.Mount("/patients", NewPatientHandler(svc, nil).Routes())
	})
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-API-Key", "test-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func addOrder(t *testing.T, h http.Handler, pid string, order tracker.NewOrder) medication.ActiveMedication {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/v1/patients/"+pid+"/medications", order)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[medication.ActiveMedication](t, rec)
}

func TestAuthRequired(t *testing.T) {
	h := newServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients/p1/medications", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	outcome := decode[r4.OperationOutcome](t, rec)
	assert.Equal(t, "OperationOutcome", outcome.ResourceType)
	assert.NotEmpty(t, rec.Header().Get(middleware.HeaderRequestID))
}

func TestOrderLifecycle(t *testing.T) {
	h := newServer(t)
	med := addOrder(t, h, "p1", tracker.NewOrder{Name: "Lisinopril 10 MG Oral Tablet", RxNormCode: "314076", Dosage: "1 tablet daily"})
	assert.Equal(t, medication.Key("314076"), med.Key)

	rec := do(t, h, http.MethodPut, "/api/v1/patients/p1/medications/"+med.RequestID+"/status", StatusRequest{Status: "stopped"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/patients/p1/medications", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	meds := decode[MedicationsResponse](t, rec)
	assert.Empty(t, meds.Active)
	require.Len(t, meds.Stopped, 1)

	dosage := "2 tablets daily"
	rec = do(t, h, http.MethodPatch, "/api/v1/patients/p1/medications/"+med.RequestID, tracker.OrderPatch{Dosage: &dosage})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, dosage, decode[medication.ActiveMedication](t, rec).DosageText)

	rec = do(t, h, http.MethodPost, "/api/v1/patients/p1/medications/"+med.RequestID+"/notes", NoteRequest{Text: "take with food"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/v1/patients/p1/medications/"+med.RequestID+"/notes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	notes := decode[map[string][]r4.Annotation](t, rec)
	require.Len(t, notes["notes"], 1)
	assert.Equal(t, "take with food", notes["notes"][0].Text)

	rec = do(t, h, http.MethodPut, "/api/v1/patients/p2/medications/"+med.RequestID+"/status", StatusRequest{Status: "active"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddOrderInvalid(t *testing.T) {
	h := newServer(t)
	rec := do(t, h, http.MethodPost, "/api/v1/patients/p1/medications", tracker.NewOrder{Dosage: "daily"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	outcome := decode[r4.OperationOutcome](t, rec)
	require.Len(t, outcome.Issue, 1)
	assert.Equal(t, "invalid", outcome.Issue[0].Code)
}

func TestRecordAndUnmarkDose(t *testing.T) {
	h := newServer(t)
	addOrder(t, h, "p1", tracker.NewOrder{Name: "Metformin 500 MG", RxNormCode: "860975"})
	addOrder(t, h, "p1", tracker.NewOrder{Name: "Vitamin D"})

	rec := do(t, h, http.MethodPost, "/api/v1/patients/p1/doses", DoseRequest{MedicationKey: "860975"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/v1/patients/p1/doses", DoseRequest{MedicationKey: "860975"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/patients/p1/doses", DoseRequest{MedicationKey: "unknown"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/patients/p1/doses", DoseRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/patients/p1/today", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	today := decode[TodayResponse](t, rec)
	assert.Equal(t, 1, today.Taken)
	assert.Equal(t, 1, today.Pending)
	assert.Equal(t, "2025-03-12", today.Day.String())

	rec = do(t, h, http.MethodGet, "/api/v1/patients/p1/adherence?period=daily", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rate := decode[AdherenceResponse](t, rec)
	assert.InDelta(t, 0.5, rate.Rate, 1e-9)
	assert.InDelta(t, 50.0, rate.Percent, 1e-9)
	assert.Equal(t, adherence.BandFair, rate.Band)

	rec = do(t, h, http.MethodDelete, "/api/v1/patients/p1/doses/today/860975", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[dose.Removal](t, rec).Removed)

	rec = do(t, h, http.MethodDelete, "/api/v1/patients/p1/doses/today/860975", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	outcome := decode[r4.OperationOutcome](t, rec)
	assert.Equal(t, dose.DetailNoMatch, outcome.Issue[0].Diagnostics)
}

func TestUnmarkDoseEscapedKey(t *testing.T) {
	h := newServer(t)
	addOrder(t, h, "p1", tracker.NewOrder{Name: "Vitamin D"})

	rec := do(t, h, http.MethodPost, "/api/v1/patients/p1/doses", DoseRequest{MedicationKey: "Vitamin D"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/v1/patients/p1/doses/today/Vitamin%20D", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdherenceQueries(t *testing.T) {
	h := newServer(t)
	addOrder(t, h, "p1", tracker.NewOrder{Name: "Metformin 500 MG", RxNormCode: "860975"})

	rec := do(t, h, http.MethodGet, "/api/v1/patients/p1/adherence?period=last-n&days=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rate := decode[AdherenceResponse](t, rec)
	assert.Equal(t, adherence.PeriodLastNDays, rate.Period)
	assert.Equal(t, "2025-03-10", rate.Start.String())

	rec = do(t, h, http.MethodGet, "/api/v1/patients/p1/adherence?period=custom&start=2025-03-01&end=2025-04-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2025-03-12", decode[AdherenceResponse](t, rec).End.String())

	for _, q := range []string{
		"period=hourly",
		"period=custom&start=2025-03-05",
		"period=custom&start=2025-03-05&end=2025-03-01",
		"period=last-n&days=0",
	} {
		rec = do(t, h, http.MethodGet, "/api/v1/patients/p1/adherence?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/patients/p1/missed?days=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	missed := decode[MissedResponse](t, rec)
	require.Len(t, missed.Missed, 1)
	assert.Equal(t, 5, missed.Missed[0].Missed)

	rec = do(t, h, http.MethodGet, "/api/v1/patients/p1/missed?days=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/patients/p1/weekly", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, decode[adherence.WeeklySummary](t, rec).TotalExpected)

	rec = do(t, h, http.MethodGet, "/api/v1/patients/p1/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[adherence.Summary](t, rec)
	assert.Equal(t, "p1", sum.PatientID)
	assert.Zero(t, sum.Streak)

	rec = do(t, h, http.MethodGet, "/api/v1/patients/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"p1"}, decode[map[string][]string](t, rec)["patients"])
}

func TestHealth(t *testing.T) {
	var broken error
	health := NewHealth("adherence-api", "test", map[string]ReadyFunc{
		"store": func(context.Context) error { return broken },
	})

	rec := httptest.NewRecorder()
	health.Live(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	health.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	broken = errors.New("disk full")
	rec = httptest.NewRecorder()
	health.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "disk full")
}
