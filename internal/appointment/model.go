package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-reminders/internal/reminder"
)

type Patient struct {
	ID        uuid.UUID
	Name      string
	Phone     *string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID            uuid.UUID
	PatientID     uuid.UUID
	ClinicID      uuid.UUID
	ScheduledTime time.Time
	BookedAt      time.Time
	Type          string
	Status        reminder.AppointmentStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Reminder converts the stored record into the engine's view of it.
func (a Appointment) Reminder() reminder.Appointment {
	return reminder.Appointment{
		ID:            a.ID,
		PatientID:     a.PatientID,
		ClinicID:      a.ClinicID,
		ScheduledTime: a.ScheduledTime,
		BookedAt:      a.BookedAt,
		Type:          a.Type,
		Status:        a.Status,
	}
}

// CreateInput is a new booking. NoShowProbability, when set, is stored as the
// appointment's risk score before the reminder plan is built.
type CreateInput struct {
	PatientID         uuid.UUID
	ClinicID          uuid.UUID
	ScheduledTime     time.Time
	Type              string
	NoShowProbability *float64
	ModelVersion      string
}
