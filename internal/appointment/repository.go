package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-reminders/internal/reminder"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error)

	// UpdateAppointmentStatus only applies when the row is currently in
	// `from`; otherwise it returns ErrAppointmentNotFound.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to reminder.AppointmentStatus) (*Appointment, error)
	UpdateScheduledTime(ctx context.Context, id uuid.UUID, scheduledTime, bookedAt time.Time) (*Appointment, error)

	// Used at startup to rebuild reminder plans.
	ListUpcoming(ctx context.Context, now time.Time, limit int) ([]Appointment, error)
}
