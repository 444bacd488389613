package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	redisclient "github.com/hackgods/appointment-reminders/internal/redis"
	"github.com/hackgods/appointment-reminders/internal/reminder"
)

var ErrAppointmentBusy = errors.New("appointment is being modified, please retry")

// restoreLimit caps how many upcoming appointments are replanned at startup.
const restoreLimit = 10000

// ReminderEngine is the slice of reminder.Engine the service drives.
type ReminderEngine interface {
	SubmitAppointment(ctx context.Context, appt reminder.Appointment) (reminder.PlanSummary, error)
	CancelAppointment(ctx context.Context, id uuid.UUID) (reminder.CancelSummary, error)
	RescheduleAppointment(ctx context.Context, id uuid.UUID, newTime time.Time) (reminder.PlanSummary, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status reminder.AppointmentStatus) (reminder.CancelSummary, error)
	GetReminderStatus(ctx context.Context, id uuid.UUID) ([]reminder.Item, error)
	SendNow(ctx context.Context, id uuid.UUID, ch reminder.Channel) (reminder.Item, error)
}

// RiskStore persists a score supplied with a booking.
type RiskStore interface {
	Store(ctx context.Context, appointmentID uuid.UUID, pred reminder.Prediction) error
}

type Service struct {
	repo   Repository
	engine ReminderEngine
	risk   RiskStore
	locker redisclient.AppointmentLocker
	now    func() time.Time
	log    zerolog.Logger
}

func NewService(repo Repository, engine ReminderEngine, risk RiskStore, locker redisclient.AppointmentLocker, logger zerolog.Logger) *Service {
	if locker == nil {
		locker = redisclient.NewLocalAppointmentLocker()
	}
	return &Service{
		repo:   repo,
		engine: engine,
		risk:   risk,
		locker: locker,
		now:    time.Now,
		log:    logger.With().Str("component", "appointment_service").Logger(),
	}
}

// WithClock replaces the service clock. It should match the engine's clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateAppointment stores a new booking and builds its reminder plan.
func (s *Service) CreateAppointment(ctx context.Context, in CreateInput) (*Appointment, reminder.PlanSummary, error) {
	now := s.now()
	if in.PatientID == uuid.Nil {
		return nil, reminder.PlanSummary{}, fmt.Errorf("%w: patient_id is required", reminder.ErrInvalidInput)
	}
	if !in.ScheduledTime.After(now) {
		return nil, reminder.PlanSummary{}, fmt.Errorf("%w: scheduled_time must be in the future", reminder.ErrInvalidInput)
	}
	if p := in.NoShowProbability; p != nil && (*p < 0 || *p > 1) {
		return nil, reminder.PlanSummary{}, fmt.Errorf("%w: no_show_probability %v outside [0,1]", reminder.ErrInvalidInput, *p)
	}
	if in.Type == "" {
		in.Type = "checkup"
	}

	if _, err := s.repo.GetPatientByID(ctx, in.PatientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, reminder.PlanSummary{}, err
		}
		return nil, reminder.PlanSummary{}, fmt.Errorf("load patient: %w", err)
	}

	id := uuid.New()
	var (
		created *Appointment
		summary reminder.PlanSummary
	)

	err := s.withLock(ctx, id, func(lockCtx context.Context) error {
		appt, err := s.repo.CreateAppointment(lockCtx, Appointment{
			ID:            id,
			PatientID:     in.PatientID,
			ClinicID:      in.ClinicID,
			ScheduledTime: in.ScheduledTime,
			BookedAt:      now,
			Type:          in.Type,
			Status:        reminder.AppointmentScheduled,
		})
		if err != nil {
			return fmt.Errorf("create appointment: %w", err)
		}
		created = appt

		if in.NoShowProbability != nil && s.risk != nil {
			version := in.ModelVersion
			if version == "" {
				version = "client-supplied"
			}
			pred := reminder.Prediction{Probability: *in.NoShowProbability, ModelVersion: version}
			if err := s.risk.Store(lockCtx, id, pred); err != nil {
				return fmt.Errorf("store risk score: %w", err)
			}
		}

		summary, err = s.engine.SubmitAppointment(lockCtx, appt.Reminder())
		if err != nil {
			return fmt.Errorf("plan reminders: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, reminder.PlanSummary{}, err
	}

	s.log.Info().
		Str("appointment_id", id.String()).
		Str("patient_id", in.PatientID.String()).
		Time("scheduled_time", in.ScheduledTime).
		Str("tier", string(summary.Assessment.Tier)).
		Msg("appointment created")
	return created, summary, nil
}

// CancelAppointment cancels the booking and its pending reminders. Cancelling
// twice is not an error.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID) (reminder.CancelSummary, error) {
	var summary reminder.CancelSummary

	err := s.withLock(ctx, id, func(lockCtx context.Context) error {
		appt, err := s.repo.GetAppointmentByID(lockCtx, id)
		if err != nil {
			return err
		}

		switch appt.Status {
		case reminder.AppointmentCancelled:
			summary = reminder.CancelSummary{AppointmentID: id, AlreadyClosed: true}
			return nil
		case reminder.AppointmentScheduled:
		default:
			return reminder.ErrAppointmentClosed
		}

		summary, err = s.engine.CancelAppointment(lockCtx, id)
		if err != nil && !errors.Is(err, reminder.ErrAppointmentNotFound) {
			return fmt.Errorf("cancel reminders: %w", err)
		}
		summary.AppointmentID = id

		if _, err := s.repo.UpdateAppointmentStatus(lockCtx, id, reminder.AppointmentScheduled, reminder.AppointmentCancelled); err != nil {
			return fmt.Errorf("update appointment status: %w", err)
		}
		return nil
	})
	if err != nil {
		return reminder.CancelSummary{}, err
	}

	if !summary.AlreadyClosed {
		s.log.Info().
			Str("appointment_id", id.String()).
			Int("cancelled", summary.Cancelled).
			Int("deferred", summary.Deferred).
			Msg("appointment cancelled")
	}
	return summary, nil
}

// UpdateStatus closes an appointment as completed, no-show or cancelled.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status reminder.AppointmentStatus) (reminder.CancelSummary, error) {
	if !status.Valid() || status == reminder.AppointmentScheduled {
		return reminder.CancelSummary{}, fmt.Errorf("%w: cannot move appointment to %q", reminder.ErrInvalidInput, status)
	}
	if status == reminder.AppointmentCancelled {
		return s.CancelAppointment(ctx, id)
	}

	var summary reminder.CancelSummary
	err := s.withLock(ctx, id, func(lockCtx context.Context) error {
		appt, err := s.repo.GetAppointmentByID(lockCtx, id)
		if err != nil {
			return err
		}
		if appt.Status == status {
			summary = reminder.CancelSummary{AppointmentID: id, AlreadyClosed: true}
			return nil
		}
		if appt.Status != reminder.AppointmentScheduled {
			return reminder.ErrAppointmentClosed
		}

		summary, err = s.engine.UpdateAppointmentStatus(lockCtx, id, status)
		if err != nil && !errors.Is(err, reminder.ErrAppointmentNotFound) {
			return fmt.Errorf("close reminders: %w", err)
		}
		summary.AppointmentID = id

		if _, err := s.repo.UpdateAppointmentStatus(lockCtx, id, reminder.AppointmentScheduled, status); err != nil {
			return fmt.Errorf("update appointment status: %w", err)
		}
		return nil
	})
	if err != nil {
		return reminder.CancelSummary{}, err
	}
	return summary, nil
}

// RescheduleAppointment moves the booking and replaces its reminder plan.
func (s *Service) RescheduleAppointment(ctx context.Context, id uuid.UUID, newTime time.Time) (*Appointment, reminder.PlanSummary, error) {
	now := s.now()
	if !newTime.After(now) {
		return nil, reminder.PlanSummary{}, fmt.Errorf("%w: new time must be in the future", reminder.ErrInvalidInput)
	}

	var (
		updated *Appointment
		summary reminder.PlanSummary
	)
	err := s.withLock(ctx, id, func(lockCtx context.Context) error {
		appt, err := s.repo.GetAppointmentByID(lockCtx, id)
		if err != nil {
			return err
		}
		if appt.Status != reminder.AppointmentScheduled {
			return reminder.ErrAppointmentClosed
		}

		summary, err = s.engine.RescheduleAppointment(lockCtx, id, newTime)
		if errors.Is(err, reminder.ErrAppointmentNotFound) {
			moved := appt.Reminder()
			moved.ScheduledTime = newTime
			moved.BookedAt = now
			summary, err = s.engine.SubmitAppointment(lockCtx, moved)
		}
		if err != nil {
			return fmt.Errorf("replan reminders: %w", err)
		}

		updated, err = s.repo.UpdateScheduledTime(lockCtx, id, newTime, now)
		if err != nil {
			return fmt.Errorf("update scheduled time: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, reminder.PlanSummary{}, err
	}

	s.log.Info().
		Str("appointment_id", id.String()).
		Time("scheduled_time", newTime).
		Int("pending", summary.Pending).
		Msg("appointment rescheduled")
	return updated, summary, nil
}

// SendReminder sends one reminder right away on ch for a scheduled
// appointment.
func (s *Service) SendReminder(ctx context.Context, id uuid.UUID, ch reminder.Channel) (reminder.Item, error) {
	var item reminder.Item

	err := s.withLock(ctx, id, func(lockCtx context.Context) error {
		appt, err := s.repo.GetAppointmentByID(lockCtx, id)
		if err != nil {
			return err
		}
		if appt.Status != reminder.AppointmentScheduled {
			return reminder.ErrAppointmentClosed
		}

		item, err = s.engine.SendNow(lockCtx, id, ch)
		if err != nil {
			return fmt.Errorf("send reminder: %w", err)
		}
		return nil
	})
	if err != nil {
		return reminder.Item{}, err
	}

	s.log.Info().
		Str("appointment_id", id.String()).
		Str("channel", string(ch)).
		Str("status", item.StatusLabel()).
		Msg("manual reminder sent")
	return item, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

// Reminders returns the reminder items of a stored appointment. An
// appointment without a live plan has none.
func (s *Service) Reminders(ctx context.Context, id uuid.UUID) ([]reminder.Item, error) {
	items, err := s.engine.GetReminderStatus(ctx, id)
	if err == nil {
		return items, nil
	}
	if !errors.Is(err, reminder.ErrAppointmentNotFound) {
		return nil, err
	}
	if _, err := s.repo.GetAppointmentByID(ctx, id); err != nil {
		return nil, err
	}
	return []reminder.Item{}, nil
}

// Restore rebuilds reminder plans for every upcoming scheduled appointment.
// Offsets that already passed are skipped for insufficient lead time.
func (s *Service) Restore(ctx context.Context) (int, error) {
	now := s.now()
	upcoming, err := s.repo.ListUpcoming(ctx, now, restoreLimit)
	if err != nil {
		return 0, fmt.Errorf("list upcoming appointments: %w", err)
	}

	restored := 0
	for _, appt := range upcoming {
		ra := appt.Reminder()
		ra.BookedAt = now
		if _, err := s.engine.SubmitAppointment(ctx, ra); err != nil {
			if errors.Is(err, reminder.ErrAppointmentExists) {
				continue
			}
			s.log.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("failed to restore reminder plan")
			continue
		}
		restored++
	}

	s.log.Info().Int("restored", restored).Int("upcoming", len(upcoming)).Msg("reminder plans restored")
	return restored, nil
}

func (s *Service) withLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) error) error {
	err := s.locker.WithAppointmentLock(ctx, id, fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrAppointmentBusy
	}
	return err
}
