// Package reminder turns a no-show risk score and an appointment into a
// time-ordered set of reminder sends, dispatches them with retry and
// escalation, gates them on consent, and audits every decision.
package reminder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/appointment-reminders/internal/audit"
)

// Auditor is the append-only audit trail the engine writes through.
type Auditor interface {
	Append(ctx context.Context, e audit.Entry) (audit.Entry, error)
	Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
}

// Config holds the versioned policy values passed into the engine.
type Config struct {
	Policy   PolicyTable
	Retry    RetryPolicy
	Dispatch DispatcherConfig

	// Workers bounds concurrent transport calls per tick.
	Workers int

	// FallbackPrediction is used when the risk provider errors. Nil means the
	// provider error is returned to the caller.
	FallbackPrediction *Prediction

	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Policy:   DefaultPolicy(),
		Retry:    DefaultRetryPolicy(),
		Dispatch: DefaultDispatcherConfig(),
		Workers:  8,
		FallbackPrediction: &Prediction{
			Probability:  0.15,
			ModelVersion: "fallback-default",
		},
		Now: time.Now,
	}
}

type Deps struct {
	Risk       RiskProvider
	Directory  Directory
	Transports Transports
	Audit      Auditor
	Locker     Locker
	Logger     zerolog.Logger
}

type Engine struct {
	cfg        Config
	risk       RiskProvider
	directory  Directory
	audit      Auditor
	locker     Locker
	gate       *ConsentGate
	dispatcher *Dispatcher
	scheduler  *Scheduler
	tracker    *Tracker
	log        zerolog.Logger

	mu    sync.RWMutex
	plans map[uuid.UUID]*plan
}

// plan is the engine's bookkeeping for one appointment. mu serializes
// bookkeeping only; it is never held across a transport call.
type plan struct {
	mu         sync.Mutex
	appt       Appointment
	assessment RiskAssessment
	contact    ContactInfo
	generation int
	items      []*Item
	escalated  bool
}

func NewEngine(deps Deps, cfg Config) (*Engine, error) {
	if deps.Risk == nil || deps.Directory == nil || deps.Audit == nil {
		return nil, fmt.Errorf("%w: risk provider, directory and audit are required", ErrInvalidInput)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Locker == nil {
		deps.Locker = NewMemoryLocker()
	}

	logger := deps.Logger.With().Str("component", "reminder_engine").Logger()
	return &Engine{
		cfg:        cfg,
		risk:       deps.Risk,
		directory:  deps.Directory,
		audit:      deps.Audit,
		locker:     deps.Locker,
		gate:       NewConsentGate(deps.Directory, deps.Audit, deps.Logger),
		dispatcher: NewDispatcher(deps.Transports, deps.Audit, cfg.Dispatch, deps.Logger),
		scheduler:  NewScheduler(),
		tracker:    NewTracker(),
		log:        logger,
		plans:      make(map[uuid.UUID]*plan),
	}, nil
}

type PlanSummary struct {
	AppointmentID uuid.UUID      `json:"appointment_id"`
	Assessment    RiskAssessment `json:"assessment"`
	PolicyVersion string         `json:"policy_version"`
	Pending       int            `json:"pending"`
	Skipped       int            `json:"skipped"`
	Items         []Item         `json:"items"`
}

type CancelSummary struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Cancelled     int       `json:"cancelled"`
	Deferred      int       `json:"deferred"`
	AlreadyClosed bool      `json:"already_closed"`
}

type TickSummary struct {
	Due       int `json:"due"`
	Sent      int `json:"sent"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
	Busy      int `json:"busy"`
}

// SubmitAppointment scores a new appointment, builds its reminder plan and
// enqueues the pending items.
func (e *Engine) SubmitAppointment(ctx context.Context, appt Appointment) (PlanSummary, error) {
	if appt.Status == "" {
		appt.Status = AppointmentScheduled
	}
	if err := appt.Validate(); err != nil {
		return PlanSummary{}, err
	}
	if appt.Status != AppointmentScheduled {
		return PlanSummary{}, ErrAppointmentClosed
	}
	if e.lookup(appt.ID) != nil {
		return PlanSummary{}, ErrAppointmentExists
	}

	now := e.cfg.Now()
	assessment, err := e.assess(ctx, appt.ID, now)
	if err != nil {
		return PlanSummary{}, err
	}
	contact := e.contactFor(ctx, appt.PatientID)

	items, err := BuildPlan(appt, assessment.Tier, contact, e.cfg.Policy)
	if err != nil {
		return PlanSummary{}, err
	}

	p := &plan{appt: appt, assessment: assessment, contact: contact}
	p.mu.Lock()
	defer p.mu.Unlock()

	e.mu.Lock()
	if _, exists := e.plans[appt.ID]; exists {
		e.mu.Unlock()
		return PlanSummary{}, ErrAppointmentExists
	}
	e.plans[appt.ID] = p
	e.mu.Unlock()

	summary := e.installPlan(ctx, p, items, now)
	e.log.Info().
		Str("appointment_id", appt.ID.String()).
		Str("tier", string(assessment.Tier)).
		Int("pending", summary.Pending).
		Int("skipped", summary.Skipped).
		Msg("reminder plan created")
	return summary, nil
}

// CancelAppointment cancels every non-terminal item of the appointment.
// Repeated calls are no-ops.
func (e *Engine) CancelAppointment(ctx context.Context, id uuid.UUID) (CancelSummary, error) {
	p := e.lookup(id)
	if p == nil {
		return CancelSummary{}, ErrAppointmentNotFound
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.appt.Status {
	case AppointmentCancelled:
		return CancelSummary{AppointmentID: id, AlreadyClosed: true}, nil
	case AppointmentCompleted, AppointmentNoShow:
		return CancelSummary{}, ErrAppointmentClosed
	}

	now := e.cfg.Now()
	p.appt.Status = AppointmentCancelled
	e.record(ctx, audit.ActorEngine, audit.ActionAppointmentCancelled, id.String(), id, nil)

	summary := e.cancelItems(ctx, p, "appointment_cancelled", now)
	summary.AppointmentID = id
	return summary, nil
}

// UpdateAppointmentStatus closes an appointment as completed, no-show or
// cancelled. Pending reminders are cancelled.
func (e *Engine) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) (CancelSummary, error) {
	if !status.Valid() || status == AppointmentScheduled {
		return CancelSummary{}, fmt.Errorf("%w: cannot move appointment to %q", ErrInvalidInput, status)
	}
	if status == AppointmentCancelled {
		return e.CancelAppointment(ctx, id)
	}

	p := e.lookup(id)
	if p == nil {
		return CancelSummary{}, ErrAppointmentNotFound
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.appt.Status == status {
		return CancelSummary{AppointmentID: id, AlreadyClosed: true}, nil
	}
	if p.appt.Status != AppointmentScheduled {
		return CancelSummary{}, ErrAppointmentClosed
	}

	now := e.cfg.Now()
	prev := p.appt.Status
	p.appt.Status = status
	e.record(ctx, audit.ActorEngine, audit.ActionAppointmentStatus, id.String(), id, map[string]any{
		"from": string(prev),
		"to":   string(status),
	})

	summary := e.cancelItems(ctx, p, "appointment_"+string(status), now)
	summary.AppointmentID = id
	return summary, nil
}

// RescheduleAppointment voids the current plan, recomputes risk and builds a
// new plan for newTime. The reschedule moment becomes the new booking time for
// lead-time checks.
func (e *Engine) RescheduleAppointment(ctx context.Context, id uuid.UUID, newTime time.Time) (PlanSummary, error) {
	p := e.lookup(id)
	if p == nil {
		return PlanSummary{}, ErrAppointmentNotFound
	}

	now := e.cfg.Now()
	if !newTime.After(now) {
		return PlanSummary{}, fmt.Errorf("%w: new time %s is not in the future", ErrInvalidInput, newTime.Format(time.RFC3339))
	}

	p.mu.Lock()
	if p.appt.Status != AppointmentScheduled {
		p.mu.Unlock()
		return PlanSummary{}, ErrAppointmentClosed
	}
	patientID := p.appt.PatientID
	p.mu.Unlock()

	assessment, err := e.assess(ctx, id, now)
	if err != nil {
		return PlanSummary{}, err
	}
	contact := e.contactFor(ctx, patientID)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.appt.Status != AppointmentScheduled {
		return PlanSummary{}, ErrAppointmentClosed
	}

	moved := p.appt
	moved.ScheduledTime = newTime
	moved.BookedAt = now
	items, err := BuildPlan(moved, assessment.Tier, contact, e.cfg.Policy)
	if err != nil {
		return PlanSummary{}, err
	}

	e.cancelItems(ctx, p, "rescheduled", now)

	prev := p.appt.ScheduledTime
	p.appt = moved
	p.assessment = assessment
	p.contact = contact
	p.escalated = false
	e.record(ctx, audit.ActorEngine, audit.ActionAppointmentMoved, id.String(), id, map[string]any{
		"from": prev.UTC().Format(time.RFC3339),
		"to":   newTime.UTC().Format(time.RFC3339),
	})

	return e.installPlan(ctx, p, items, now), nil
}

// Tick advances the scheduler to now and dispatches every due item on the
// bounded worker pool. It returns once the whole batch has settled.
func (e *Engine) Tick(ctx context.Context, now time.Time) TickSummary {
	due := e.scheduler.Advance(now)
	summary := TickSummary{Due: len(due)}
	if len(due) == 0 {
		return summary
	}

	var counts [7]atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Workers)

	for _, it := range due {
		p := e.lookup(it.AppointmentID)
		if p == nil {
			continue
		}
		g.Go(func() error {
			out := e.dispatchItem(ctx, p, it, now)
			counts[out].Add(1)
			return nil
		})
	}
	_ = g.Wait()

	summary.Sent = int(counts[tickSent].Load())
	summary.Retried = int(counts[tickRetried].Load())
	summary.Failed = int(counts[tickFailed].Load())
	summary.Skipped = int(counts[tickSkipped].Load())
	summary.Cancelled = int(counts[tickCancelled].Load())
	summary.Busy = int(counts[tickBusy].Load())
	return summary
}

// GetReminderStatus returns every item ever planned for the appointment.
func (e *Engine) GetReminderStatus(_ context.Context, id uuid.UUID) ([]Item, error) {
	if e.lookup(id) == nil {
		return nil, ErrAppointmentNotFound
	}
	return e.tracker.Status(id), nil
}

// Assessment returns the active risk assessment for an appointment.
func (e *Engine) Assessment(id uuid.UUID) (RiskAssessment, error) {
	p := e.lookup(id)
	if p == nil {
		return RiskAssessment{}, ErrAppointmentNotFound
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.assessment, nil
}

// SendNow dispatches one reminder on ch right away, outside the plan. The item
// passes the consent gate and dispatcher like a planned send and follows the
// normal retry backoff after a transient failure.
func (e *Engine) SendNow(ctx context.Context, id uuid.UUID, ch Channel) (Item, error) {
	if !ch.Valid() {
		return Item{}, fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, ch)
	}
	p := e.lookup(id)
	if p == nil {
		return Item{}, ErrAppointmentNotFound
	}
	now := e.cfg.Now()

	p.mu.Lock()
	if p.appt.Status != AppointmentScheduled || !now.Before(p.appt.ScheduledTime) {
		p.mu.Unlock()
		return Item{}, ErrAppointmentClosed
	}

	template := TemplateStandard
	if ch == ChannelCall {
		template = TemplateCall
	}
	it := &Item{
		ID:            uuid.New(),
		AppointmentID: id,
		PatientID:     p.appt.PatientID,
		Generation:    p.generation,
		Tier:          p.assessment.Tier,
		Channel:       ch,
		Template:      template,
		Offset:        p.appt.ScheduledTime.Sub(now),
		ScheduledFor:  now,
		DueAt:         now,
		Status:        StatusPending,
		Manual:        true,
		UpdatedAt:     now,
		rank:          e.cfg.Policy.ChannelRank(ch),
	}
	p.items = append(p.items, it)
	e.tracker.Record(it.snapshot())
	e.record(ctx, audit.ActorEngine, audit.ActionManualSend, it.ID.String(), id, map[string]any{
		"channel": string(ch),
	})

	if p.contact.AddressFor(ch) == "" {
		e.skipItem(ctx, p, it, SkipNoContact, now, nil)
		snap := it.snapshot()
		p.mu.Unlock()
		return snap, nil
	}
	p.mu.Unlock()

	e.dispatchItem(ctx, p, it, now)

	p.mu.Lock()
	defer p.mu.Unlock()
	return it.snapshot(), nil
}

// UpcomingRisk is a scheduled appointment with its active risk assessment.
type UpcomingRisk struct {
	Appointment Appointment    `json:"appointment"`
	Assessment  RiskAssessment `json:"assessment"`
	Pending     int            `json:"pending"`
}

// Upcoming lists scheduled appointments that have not started yet, soonest
// first. An empty tier matches every tier and limit <= 0 means no limit.
func (e *Engine) Upcoming(tier Tier, limit int) []UpcomingRisk {
	now := e.cfg.Now()

	e.mu.RLock()
	plans := make([]*plan, 0, len(e.plans))
	for _, p := range e.plans {
		plans = append(plans, p)
	}
	e.mu.RUnlock()

	out := make([]UpcomingRisk, 0)
	for _, p := range plans {
		p.mu.Lock()
		if p.appt.Status == AppointmentScheduled && p.appt.ScheduledTime.After(now) &&
			(tier == "" || p.assessment.Tier == tier) {
			pending := 0
			for _, it := range p.items {
				if it.Status == StatusPending {
					pending++
				}
			}
			out = append(out, UpcomingRisk{Appointment: p.appt, Assessment: p.assessment, Pending: pending})
		}
		p.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Appointment, out[j].Appointment
		if !a.ScheduledTime.Equal(b.ScheduledTime) {
			return a.ScheduledTime.Before(b.ScheduledTime)
		}
		return a.ID.String() < b.ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (e *Engine) QueryAudit(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	return e.audit.Query(ctx, f)
}

func (e *Engine) Stats() Stats {
	return e.tracker.Stats()
}

// PendingCount is the number of items waiting in the scheduler.
func (e *Engine) PendingCount() int {
	return e.scheduler.Len()
}

func (e *Engine) lookup(id uuid.UUID) *plan {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.plans[id]
}

func (e *Engine) assess(ctx context.Context, id uuid.UUID, now time.Time) (RiskAssessment, error) {
	pred, err := e.risk.RiskFor(ctx, id)
	if err != nil {
		if e.cfg.FallbackPrediction == nil {
			return RiskAssessment{}, fmt.Errorf("risk for appointment %s: %w", id, err)
		}
		e.log.Warn().Err(err).
			Str("appointment_id", id.String()).
			Float64("fallback_probability", e.cfg.FallbackPrediction.Probability).
			Msg("risk provider unavailable, using fallback prediction")
		pred = *e.cfg.FallbackPrediction
	}
	return Assess(id, pred, now)
}

// contactFor treats a failed lookup as no contact on file, so the affected
// items are skipped rather than the whole submission failing.
func (e *Engine) contactFor(ctx context.Context, patientID uuid.UUID) ContactInfo {
	contact, err := e.directory.ContactInfo(ctx, patientID)
	if err != nil {
		e.log.Warn().Err(err).Str("patient_id", patientID.String()).Msg("contact lookup failed")
		return ContactInfo{}
	}
	return contact
}

// installPlan registers a freshly built generation of items. Caller holds p.mu.
func (e *Engine) installPlan(ctx context.Context, p *plan, items []Item, now time.Time) PlanSummary {
	p.generation++
	id := p.appt.ID

	e.record(ctx, audit.ActorPolicy, audit.ActionRiskAssessed, id.String(), id, map[string]any{
		"probability":   p.assessment.Probability,
		"tier":          string(p.assessment.Tier),
		"model_version": p.assessment.ModelVersion,
	})

	summary := PlanSummary{
		AppointmentID: id,
		Assessment:    p.assessment,
		PolicyVersion: e.cfg.Policy.Version,
		Items:         make([]Item, 0, len(items)),
	}

	for i := range items {
		it := items[i]
		it.Generation = p.generation
		it.UpdatedAt = now
		ptr := &it
		p.items = append(p.items, ptr)
		e.tracker.Record(ptr.snapshot())

		details := map[string]any{
			"channel":       string(it.Channel),
			"offset":        it.Offset.String(),
			"scheduled_for": it.ScheduledFor.UTC().Format(time.RFC3339),
			"generation":    it.Generation,
		}
		if it.Status == StatusSkipped {
			summary.Skipped++
			details["reason"] = string(it.SkipReason)
			e.record(ctx, audit.ActorPolicy, audit.ActionItemSkipped, it.ID.String(), id, details)
		} else {
			summary.Pending++
			e.scheduler.Enqueue(ptr)
			e.record(ctx, audit.ActorPolicy, audit.ActionItemPlanned, it.ID.String(), id, details)
		}
		summary.Items = append(summary.Items, ptr.snapshot())
	}

	e.record(ctx, audit.ActorPolicy, audit.ActionPlanGenerated, id.String(), id, map[string]any{
		"tier":           string(p.assessment.Tier),
		"policy_version": e.cfg.Policy.Version,
		"generation":     p.generation,
		"pending":        summary.Pending,
		"skipped":        summary.Skipped,
	})
	return summary
}

// cancelItems cancels every non-terminal item it can take the ownership token
// for. Items whose token is held by an in-flight dispatch are flagged; the
// dispatch outcome stands and the flag is resolved when it settles. Caller
// holds p.mu.
func (e *Engine) cancelItems(ctx context.Context, p *plan, reason string, now time.Time) CancelSummary {
	var summary CancelSummary
	for _, it := range p.items {
		if it.Status.Terminal() {
			continue
		}

		key := itemLockKey(it.ID)
		token, ok, err := e.locker.TryLock(ctx, key)
		if err != nil {
			e.log.Error().Err(err).Str("item_id", it.ID.String()).Msg("acquire item token for cancel")
		}
		if err != nil || !ok {
			if !it.cancelRequested {
				it.cancelRequested = true
				summary.Deferred++
				e.record(ctx, audit.ActorScheduler, audit.ActionCancelDeferred, it.ID.String(), p.appt.ID, map[string]any{
					"reason": reason,
				})
			}
			continue
		}

		e.scheduler.Remove(it.ID)
		e.cancelItem(ctx, p, it, reason, now)
		summary.Cancelled++

		if err := e.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			e.log.Warn().Err(err).Str("item_id", it.ID.String()).Msg("release item token")
		}
	}
	return summary
}

func (e *Engine) cancelItem(ctx context.Context, p *plan, it *Item, reason string, now time.Time) {
	if err := it.transition(StatusCancelled, "", now); err != nil {
		return
	}
	e.tracker.Record(it.snapshot())
	e.record(ctx, audit.ActorScheduler, audit.ActionItemCancelled, it.ID.String(), p.appt.ID, map[string]any{
		"reason":        reason,
		"attempt_count": it.AttemptCount,
	})
}

func (e *Engine) skipItem(ctx context.Context, p *plan, it *Item, reason SkipReason, now time.Time, details map[string]any) {
	if err := it.transition(StatusSkipped, reason, now); err != nil {
		return
	}
	e.tracker.Record(it.snapshot())
	if details == nil {
		details = map[string]any{}
	}
	details["reason"] = string(reason)
	details["channel"] = string(it.Channel)
	e.record(ctx, audit.ActorScheduler, audit.ActionItemSkipped, it.ID.String(), p.appt.ID, details)
	e.resolveDeferredCancel(ctx, p, it)
}

func (e *Engine) failItem(ctx context.Context, p *plan, it *Item, reason string, now time.Time) {
	if err := it.transition(StatusFailed, "", now); err != nil {
		return
	}
	e.tracker.Record(it.snapshot())
	e.record(ctx, audit.ActorDispatcher, audit.ActionItemFailed, it.ID.String(), p.appt.ID, map[string]any{
		"reason":        reason,
		"attempt_count": it.AttemptCount,
		"last_error":    it.LastError,
	})
	e.resolveDeferredCancel(ctx, p, it)
}

// resolveDeferredCancel logs a cancellation that lost the race as a no-op
// against the now-terminal item.
func (e *Engine) resolveDeferredCancel(ctx context.Context, p *plan, it *Item) {
	if !it.cancelRequested {
		return
	}
	it.cancelRequested = false
	e.record(ctx, audit.ActorScheduler, audit.ActionCancelNoop, it.ID.String(), p.appt.ID, map[string]any{
		"final_status": it.StatusLabel(),
	})
}

// record appends an audit entry for a state change that already happened. The
// write outlives the caller's deadline so the trail never misses a transition.
func (e *Engine) record(ctx context.Context, actor, action, subject string, appointmentID uuid.UUID, details map[string]any) {
	_, err := e.audit.Append(context.WithoutCancel(ctx), audit.Entry{
		Actor:         actor,
		Action:        action,
		SubjectID:     subject,
		AppointmentID: appointmentID.String(),
		Details:       details,
	})
	if err != nil {
		e.log.Error().Err(err).Str("action", action).Str("subject_id", subject).Msg("audit write failed")
	}
}
