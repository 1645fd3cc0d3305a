// Package handlers provides HTTP handlers for the adherence API.
package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/drfirst/go-adherence/internal/domain/calendar"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/service/tracker"
)

// defaultMissedDays is used when /missed has no days parameter.
const defaultMissedDays = 7

// PatientHandler serves the per-patient medication and adherence endpoints.
type PatientHandler struct {
	tracker *tracker.Service
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewPatientHandler creates a handler backed by svc.
func NewPatientHandler(svc *tracker.Service, logger *zap.Logger) *PatientHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PatientHandler{
		tracker: svc,
		logger:  logger,
		tracer:  otel.Tracer("patient-handler"),
	}
}

// Routes returns the handler routes, to be mounted at /patients.
func (h *PatientHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Route("/{patientID}", func(r chi.Router) {
		r.Get("/medications", h.Medications)
		r.Post("/medications", h.AddOrder)
		r.Patch("/medications/{requestID}", h.UpdateOrder)
		r.Put("/medications/{requestID}/status", h.SetStatus)
		r.Get("/medications/{requestID}/notes", h.Notes)
		r.Post("/medications/{requestID}/notes", h.AddNote)

		r.Get("/today", h.Today)
		r.Post("/doses", h.RecordDose)
		r.Delete("/doses/today/{medicationKey}", h.UnmarkDose)

		r.Get("/adherence", h.Adherence)
		r.Get("/missed", h.Missed)
		r.Get("/weekly", h.Weekly)
		r.Get("/summary", h.Summary)
	})
	return r
}

// MedicationsResponse lists a patient's orders.
type MedicationsResponse struct {
	PatientID string                        `json:"patientId"`
	Active    []medication.ActiveMedication `json:"active"`
	Stopped   []medication.ActiveMedication `json:"stopped"`
}

// StatusRequest is the body of PUT .../status.
type StatusRequest struct {
	Status string `json:"status"`
}

// NoteRequest is the body of POST .../notes.
type NoteRequest struct {
	Text string `json:"text"`
}

// DoseRequest is the body of POST .../doses.
type DoseRequest struct {
	MedicationKey string `json:"medicationKey"`
}

// TodayResponse projects today's taken and pending medications.
type TodayResponse struct {
	PatientID string                  `json:"patientId"`
	Day       calendar.Day            `json:"day"`
	Statuses  []adherence.TodayStatus `json:"medications"`
	Taken     int                     `json:"taken"`
	Pending   int                     `json:"pending"`
}

// AdherenceResponse is one rate over one window.
type AdherenceResponse struct {
	PatientID string           `json:"patientId"`
	Period    adherence.Period `json:"period"`
	Start     calendar.Day     `json:"start"`
	End       calendar.Day     `json:"end"`
	Rate      float64          `json:"rate"`
	Percent   float64          `json:"percent"`
	Band      adherence.Band   `json:"band"`
}

// MissedResponse lists missed days per active medication.
type MissedResponse struct {
	PatientID string                `json:"patientId"`
	Days      int                   `json:"days"`
	Missed    []adherence.MissCount `json:"missed"`
}

// List handles GET /patients.
func (h *PatientHandler) List(w http.ResponseWriter, r *http.Request) {
	ids, err := h.tracker.Patients(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"patients": ids})
}

// Medications handles GET /patients/{patientID}/medications.
func (h *PatientHandler) Medications(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "patientID")
	active, stopped, err := h.tracker.Medications(r.Context(), pid)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, MedicationsResponse{PatientID: pid, Active: active, Stopped: stopped})
}

// AddOrder handles POST /patients/{patientID}/medications.
func (h *PatientHandler) AddOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "add_order")
	defer span.End()

	var req tracker.NewOrder
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	pid := chi.URLParam(r, "patientID")
	span.SetAttributes(attribute.String("patient_id", pid))

	med, err := h.tracker.AddOrder(ctx, pid, req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.Info("order created",
		zap.String("patient_id", pid),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("order_id", med.RequestID))
	writeJSON(w, http.StatusCreated, med)
}

// UpdateOrder handles PATCH /patients/{patientID}/medications/{requestID}.
func (h *PatientHandler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	var patch tracker.OrderPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	med, err := h.tracker.UpdateOrder(r.Context(), chi.URLParam(r, "patientID"), chi.URLParam(r, "requestID"), patch)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, med)
}

// SetStatus handles PUT /patients/{patientID}/medications/{requestID}/status.
func (h *PatientHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		badRequest(w, "status is required")
		return
	}
	med, err := h.tracker.SetOrderStatus(r.Context(), chi.URLParam(r, "patientID"), chi.URLParam(r, "requestID"), req.Status)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, med)
}

// Notes handles GET /patients/{patientID}/medications/{requestID}/notes.
func (h *PatientHandler) Notes(w http.ResponseWriter, r *http.Request) {
	notes, err := h.tracker.Notes(r.Context(), chi.URLParam(r, "patientID"), chi.URLParam(r, "requestID"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": notes})
}

// AddNote handles POST /patients/{patientID}/medications/{requestID}/notes.
func (h *PatientHandler) AddNote(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	med, err := h.tracker.AddNote(r.Context(), chi.URLParam(r, "patientID"), chi.URLParam(r, "requestID"), req.Text)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, med)
}

// Today handles GET /patients/{patientID}/today.
func (h *PatientHandler) Today(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "patientID")
	statuses, err := h.tracker.TodayStatus(r.Context(), pid)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	resp := TodayResponse{PatientID: pid, Day: h.tracker.Today(), Statuses: statuses}
	for _, s := range statuses {
		if s.Taken {
			resp.Taken++
		} else {
			resp.Pending++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// RecordDose handles POST /patients/{patientID}/doses.
func (h *PatientHandler) RecordDose(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "record_dose")
	defer span.End()

	var req DoseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MedicationKey == "" {
		badRequest(w, "medicationKey is required")
		return
	}
	pid := chi.URLParam(r, "patientID")
	span.SetAttributes(
		attribute.String("patient_id", pid),
		attribute.String("medication_key", req.MedicationKey))

	event, err := h.tracker.RecordDose(ctx, pid, medication.Key(req.MedicationKey))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

// UnmarkDose handles DELETE /patients/{patientID}/doses/today/{medicationKey}.
func (h *PatientHandler) UnmarkDose(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "medicationKey"))
	if err != nil || key == "" {
		badRequest(w, "invalid medication key")
		return
	}
	removal, err := h.tracker.UnmarkDose(r.Context(), chi.URLParam(r, "patientID"), medication.Key(key))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if !removal.Removed {
		middleware.WriteOutcome(w, http.StatusNotFound, "not-found", removal.Detail)
		return
	}
	writeJSON(w, http.StatusOK, removal)
}

// Adherence handles GET /patients/{patientID}/adherence.
func (h *PatientHandler) Adherence(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	period, err := adherence.ParsePeriod(q.Get("period"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	today := h.tracker.Today()

	var win adherence.Window
	switch period {
	case adherence.PeriodCustom:
		start, err := calendar.Parse(q.Get("start"))
		if err != nil {
			badRequest(w, "start must be YYYY-MM-DD")
			return
		}
		end, err := calendar.Parse(q.Get("end"))
		if err != nil {
			badRequest(w, "end must be YYYY-MM-DD")
			return
		}
		if end.Before(start) {
			badRequest(w, "end is before start")
			return
		}
		win = adherence.Custom(start, end, today)
	default:
		days, ok := positiveInt(q.Get("days"), defaultMissedDays)
		if !ok {
			badRequest(w, "days must be a positive integer")
			return
		}
		win, err = adherence.ForPeriod(period, today, days)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
	}

	pid := chi.URLParam(r, "patientID")
	rate, err := h.tracker.Rate(r.Context(), pid, win)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, AdherenceResponse{
		PatientID: pid,
		Period:    win.Period,
		Start:     win.Start,
		End:       win.End,
		Rate:      rate,
		Percent:   rate * 100,
		Band:      adherence.BandFor(rate * 100),
	})
}

// Missed handles GET /patients/{patientID}/missed.
func (h *PatientHandler) Missed(w http.ResponseWriter, r *http.Request) {
	days, ok := positiveInt(r.URL.Query().Get("days"), defaultMissedDays)
	if !ok {
		badRequest(w, "days must be a positive integer")
		return
	}
	pid := chi.URLParam(r, "patientID")
	missed, err := h.tracker.Missed(r.Context(), pid, days)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, MissedResponse{PatientID: pid, Days: days, Missed: missed})
}

// Weekly handles GET /patients/{patientID}/weekly.
func (h *PatientHandler) Weekly(w http.ResponseWriter, r *http.Request) {
	week, err := h.tracker.Weekly(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, week)
}

// Summary handles GET /patients/{patientID}/summary.
func (h *PatientHandler) Summary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.tracker.Summary(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// positiveInt parses s, returning def when s is empty.
func positiveInt(s string, def int) (int, bool) {
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
