package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/appointment-reminders/internal/appointment"
	"github.com/hackgods/appointment-reminders/internal/audit"
	"github.com/hackgods/appointment-reminders/internal/directory"
	"github.com/hackgods/appointment-reminders/internal/reminder"
)

const (
	defaultAuditLimit    = 50
	maxAuditLimit        = 500
	defaultUpcomingLimit = 100
	maxUpcomingLimit     = 1000
)

// AppointmentService is what the handlers need from appointment.Service.
type AppointmentService interface {
	CreateAppointment(ctx context.Context, in appointment.CreateInput) (*appointment.Appointment, reminder.PlanSummary, error)
	CancelAppointment(ctx context.Context, id uuid.UUID) (reminder.CancelSummary, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status reminder.AppointmentStatus) (reminder.CancelSummary, error)
	RescheduleAppointment(ctx context.Context, id uuid.UUID, newTime time.Time) (*appointment.Appointment, reminder.PlanSummary, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Reminders(ctx context.Context, id uuid.UUID) ([]reminder.Item, error)
	SendReminder(ctx context.Context, id uuid.UUID, ch reminder.Channel) (reminder.Item, error)
}

// ReminderQueries are the read-only engine views.
type ReminderQueries interface {
	Assessment(id uuid.UUID) (reminder.RiskAssessment, error)
	QueryAudit(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
	Stats() reminder.Stats
	Upcoming(tier reminder.Tier, limit int) []reminder.UpcomingRisk
}

// ConsentStore records a patient's per-channel consent.
type ConsentStore interface {
	SetConsent(ctx context.Context, patientID uuid.UUID, ch reminder.Channel, granted bool) error
}

func createAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		var clinicID uuid.UUID
		if req.ClinicID != "" {
			clinicID, err = uuid.Parse(req.ClinicID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_clinic_id", "clinic_id must be a valid UUID")
				return
			}
		}

		if req.ScheduledTime.IsZero() {
			writeError(w, http.StatusBadRequest, "invalid_scheduled_time", "scheduled_time is required")
			return
		}

		appt, plan, err := svc.CreateAppointment(r.Context(), appointment.CreateInput{
			PatientID:         patientID,
			ClinicID:          clinicID,
			ScheduledTime:     req.ScheduledTime,
			Type:              req.AppointmentType,
			NoShowProbability: req.NoShowProbability,
			ModelVersion:      req.ModelVersion,
		})
		if err != nil {
			handleError(w, err)
			return
		}

		resp := PlanResponse{Appointment: toAppointmentResponse(appt), Plan: plan}
		assessment := plan.Assessment
		resp.Appointment.Risk = &assessment
		writeJSON(w, http.StatusCreated, resp)
	}
}

func getAppointmentHandler(svc AppointmentService, queries ReminderQueries) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			handleError(w, err)
			return
		}

		resp := toAppointmentResponse(appt)
		if assessment, err := queries.Assessment(id); err == nil {
			resp.Risk = &assessment
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func cancelAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		summary, err := svc.CancelAppointment(r.Context(), id)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func rescheduleAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		var req RescheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.ScheduledTime.IsZero() {
			writeError(w, http.StatusBadRequest, "invalid_scheduled_time", "scheduled_time is required")
			return
		}

		appt, plan, err := svc.RescheduleAppointment(r.Context(), id, req.ScheduledTime)
		if err != nil {
			handleError(w, err)
			return
		}

		resp := PlanResponse{Appointment: toAppointmentResponse(appt), Plan: plan}
		assessment := plan.Assessment
		resp.Appointment.Risk = &assessment
		writeJSON(w, http.StatusOK, resp)
	}
}

func updateStatusHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		var req StatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		summary, err := svc.UpdateStatus(r.Context(), id, reminder.AppointmentStatus(req.Status))
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func remindersHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		items, err := svc.Reminders(r.Context(), id)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, RemindersResponse{AppointmentID: id, Reminders: items})
	}
}

func sendReminderHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		var req SendReminderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		ch := reminder.Channel(req.Channel)
		if !ch.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_channel", "channel must be one of sms, email, chat, call")
			return
		}

		item, err := svc.SendReminder(r.Context(), id, ch)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

func upcomingHandler(queries ReminderQueries) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		tier := reminder.Tier(q.Get("tier"))
		if tier != "" && !tier.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_tier", "tier must be one of low, medium, high")
			return
		}

		limit := defaultUpcomingLimit
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
				return
			}
			limit = min(n, maxUpcomingLimit)
		}

		writeJSON(w, http.StatusOK, UpcomingResponse{Appointments: queries.Upcoming(tier, limit)})
	}
}

func statsHandler(queries ReminderQueries) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, queries.Stats())
	}
}

func auditHandler(queries ReminderQueries) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		f := audit.Filter{
			AppointmentID: q.Get("appointment_id"),
			SubjectID:     q.Get("subject_id"),
			Action:        q.Get("action"),
			Actor:         q.Get("actor"),
			Limit:         defaultAuditLimit,
			NewestFirst:   q.Get("newest_first") == "true",
		}

		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
				return
			}
			f.Limit = min(n, maxAuditLimit)
		}
		if v := q.Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid_offset", "offset must be a non-negative integer")
				return
			}
			f.Offset = n
		}
		for key, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
			v := q.Get(key)
			if v == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_"+key, key+" must be an RFC 3339 timestamp")
				return
			}
			*dst = &t
		}

		entries, err := queries.QueryAudit(r.Context(), f)
		if err != nil {
			handleError(w, err)
			return
		}

		resp := AuditResponse{Entries: make([]AuditEntry, 0, len(entries)), Limit: f.Limit, Offset: f.Offset}
		for _, e := range entries {
			resp.Entries = append(resp.Entries, AuditEntry(e))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func consentHandler(store ConsentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "id must be a valid UUID")
			return
		}

		var req ConsentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		ch := reminder.Channel(req.Channel)
		if !ch.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_channel", "channel must be one of sms, email, chat, call")
			return
		}

		if err := store.SetConsent(r.Context(), patientID, ch, req.Granted); err != nil {
			handleError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrPatientNotFound),
		errors.Is(err, directory.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound),
		errors.Is(err, reminder.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, reminder.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, reminder.ErrAppointmentClosed):
		writeError(w, http.StatusConflict, "appointment_closed", err.Error())
	case errors.Is(err, reminder.ErrAppointmentExists):
		writeError(w, http.StatusConflict, "appointment_exists", err.Error())
	case errors.Is(err, appointment.ErrAppointmentBusy):
		writeError(w, http.StatusConflict, "appointment_busy", "appointment is currently being modified, please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
