package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-reminders/internal/appointment"
	"github.com/hackgods/appointment-reminders/internal/reminder"
)

type CreateAppointmentRequest struct {
	PatientID         string    `json:"patient_id"`
	ClinicID          string    `json:"clinic_id,omitempty"`
	ScheduledTime     time.Time `json:"scheduled_time"`
	AppointmentType   string    `json:"appointment_type,omitempty"`
	NoShowProbability *float64  `json:"no_show_probability,omitempty"`
	ModelVersion      string    `json:"model_version,omitempty"`
}

type RescheduleRequest struct {
	ScheduledTime time.Time `json:"scheduled_time"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

type SendReminderRequest struct {
	Channel string `json:"channel"`
}

type ConsentRequest struct {
	Channel string `json:"channel"`
	Granted bool   `json:"granted"`
}

type AppointmentResponse struct {
	ID              uuid.UUID                `json:"id"`
	PatientID       uuid.UUID                `json:"patient_id"`
	ClinicID        *uuid.UUID               `json:"clinic_id,omitempty"`
	ScheduledTime   time.Time                `json:"scheduled_time"`
	BookedAt        time.Time                `json:"booked_at"`
	AppointmentType string                   `json:"appointment_type"`
	Status          string                   `json:"status"`
	Risk            *reminder.RiskAssessment `json:"risk,omitempty"`
}

type PlanResponse struct {
	Appointment AppointmentResponse  `json:"appointment"`
	Plan        reminder.PlanSummary `json:"plan"`
}

type RemindersResponse struct {
	AppointmentID uuid.UUID       `json:"appointment_id"`
	Reminders     []reminder.Item `json:"reminders"`
}

type UpcomingResponse struct {
	Appointments []reminder.UpcomingRisk `json:"appointments"`
}

type AuditResponse struct {
	Entries []AuditEntry `json:"entries"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

type AuditEntry struct {
	ID            int64          `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Actor         string         `json:"actor"`
	Action        string         `json:"action"`
	SubjectID     string         `json:"subject_id"`
	AppointmentID string         `json:"appointment_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	resp := AppointmentResponse{
		ID:              a.ID,
		PatientID:       a.PatientID,
		ScheduledTime:   a.ScheduledTime,
		BookedAt:        a.BookedAt,
		AppointmentType: a.Type,
		Status:          string(a.Status),
	}
	if a.ClinicID != uuid.Nil {
		clinic := a.ClinicID
		resp.ClinicID = &clinic
	}
	return resp
}
