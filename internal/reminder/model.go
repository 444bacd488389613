package reminder

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Priority orders tiers for tie-breaking between simultaneously due items.
func (t Tier) Priority() int {
	switch t {
	case TierHigh:
		return 3
	case TierMedium:
		return 2
	case TierLow:
		return 1
	default:
		return 0
	}
}

func (t Tier) Valid() bool {
	return t.Priority() > 0
}

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelChat  Channel = "chat"
	ChannelCall  Channel = "call"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelChat, ChannelCall:
		return true
	}
	return false
}

type ItemStatus string

const (
	StatusPending   ItemStatus = "pending"
	StatusSent      ItemStatus = "sent"
	StatusFailed    ItemStatus = "failed"
	StatusCancelled ItemStatus = "cancelled"
	StatusSkipped   ItemStatus = "skipped"
)

// Terminal reports whether no further transition is allowed.
func (s ItemStatus) Terminal() bool {
	return s != StatusPending
}

type SkipReason string

const (
	SkipInsufficientLeadTime SkipReason = "insufficient_lead_time"
	SkipNoContact            SkipReason = "no_contact"
	SkipNoConsent            SkipReason = "no_consent"
	SkipAppointmentPassed    SkipReason = "appointment_passed"
)

type AppointmentStatus string

const (
	AppointmentScheduled AppointmentStatus = "scheduled"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentNoShow    AppointmentStatus = "no_show"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case AppointmentScheduled, AppointmentCompleted, AppointmentCancelled, AppointmentNoShow:
		return true
	}
	return false
}

type Appointment struct {
	ID            uuid.UUID         `json:"id"`
	PatientID     uuid.UUID         `json:"patient_id"`
	ClinicID      uuid.UUID         `json:"clinic_id"`
	ScheduledTime time.Time         `json:"scheduled_time"`
	BookedAt      time.Time         `json:"booked_at"`
	Type          string            `json:"type"`
	Status        AppointmentStatus `json:"status"`
}

// Validate rejects appointments the engine cannot plan for.
func (a Appointment) Validate() error {
	if a.ID == uuid.Nil || a.PatientID == uuid.Nil {
		return fmt.Errorf("%w: appointment and patient ids are required", ErrInvalidInput)
	}
	if a.ScheduledTime.IsZero() || a.BookedAt.IsZero() {
		return fmt.Errorf("%w: scheduled_time and booked_at are required", ErrInvalidInput)
	}
	if a.BookedAt.After(a.ScheduledTime) {
		return fmt.Errorf("%w: booked_at is after scheduled_time", ErrInvalidInput)
	}
	if a.Status != "" && !a.Status.Valid() {
		return fmt.Errorf("%w: unknown appointment status %q", ErrInvalidInput, a.Status)
	}
	return nil
}

type RiskAssessment struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Probability   float64   `json:"probability"`
	Tier          Tier      `json:"tier"`
	ComputedAt    time.Time `json:"computed_at"`
	ModelVersion  string    `json:"model_version"`
}

type ContactInfo struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// AddressFor returns the address a channel delivers to, or "" when the patient
// has none on file.
func (c ContactInfo) AddressFor(ch Channel) string {
	switch ch {
	case ChannelSMS, ChannelCall:
		return c.Phone
	case ChannelEmail, ChannelChat:
		return c.Email
	}
	return ""
}

type ConsentRecord struct {
	PatientID uuid.UUID `json:"patient_id"`
	Channel   Channel   `json:"channel"`
	Granted   bool      `json:"granted"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Item is a single planned reminder send.
type Item struct {
	ID            uuid.UUID     `json:"id"`
	AppointmentID uuid.UUID     `json:"appointment_id"`
	PatientID     uuid.UUID     `json:"patient_id"`
	Generation    int           `json:"generation"`
	Tier          Tier          `json:"tier"`
	Channel       Channel       `json:"channel"`
	Template      string        `json:"template"`
	Offset        time.Duration `json:"offset"`
	ScheduledFor  time.Time     `json:"scheduled_for"`
	DueAt         time.Time     `json:"due_at"`
	Status        ItemStatus    `json:"status"`
	SkipReason    SkipReason    `json:"skip_reason,omitempty"`
	AttemptCount  int           `json:"attempt_count"`
	LastError     string        `json:"last_error,omitempty"`
	Escalation    bool          `json:"escalation,omitempty"`
	Manual        bool          `json:"manual,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`

	rank            int
	cancelRequested bool
}

// StatusLabel renders the status the way it is shown to staff, e.g.
// "skipped:no_consent".
func (it *Item) StatusLabel() string {
	if it.Status == StatusSkipped && it.SkipReason != "" {
		return string(it.Status) + ":" + string(it.SkipReason)
	}
	return string(it.Status)
}

// transition moves the item to a new status. Terminal items never move.
func (it *Item) transition(to ItemStatus, reason SkipReason, at time.Time) error {
	if it.Status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, it.StatusLabel(), to)
	}
	it.Status = to
	if to == StatusSkipped {
		it.SkipReason = reason
	}
	it.UpdatedAt = at
	return nil
}

func (it *Item) snapshot() Item {
	cp := *it
	cp.cancelRequested = false
	return cp
}
