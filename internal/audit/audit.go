// Package audit is the append-only trail of every reminder decision.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	ActionRiskAssessed         = "RISK_ASSESSED"
	ActionPlanGenerated        = "PLAN_GENERATED"
	ActionItemPlanned          = "ITEM_PLANNED"
	ActionItemSkipped          = "ITEM_SKIPPED"
	ActionConsentAllowed       = "CONSENT_ALLOWED"
	ActionConsentDenied        = "CONSENT_DENIED"
	ActionDispatchAttempt      = "DISPATCH_ATTEMPT"
	ActionDispatchSucceeded    = "DISPATCH_SUCCEEDED"
	ActionDispatchTransient    = "DISPATCH_TRANSIENT_FAILURE"
	ActionDispatchPermanent    = "DISPATCH_PERMANENT_FAILURE"
	ActionRetryScheduled       = "RETRY_SCHEDULED"
	ActionItemFailed           = "ITEM_FAILED"
	ActionItemCancelled        = "ITEM_CANCELLED"
	ActionCancelDeferred       = "CANCEL_DEFERRED"
	ActionCancelNoop           = "CANCEL_NOOP"
	ActionEscalationCreated    = "ESCALATION_CREATED"
	ActionEscalationSuppressed = "ESCALATION_SUPPRESSED"
	ActionAppointmentCancelled = "APPOINTMENT_CANCELLED"
	ActionAppointmentStatus    = "APPOINTMENT_STATUS_CHANGED"
	ActionAppointmentMoved     = "APPOINTMENT_RESCHEDULED"
	ActionManualSend           = "MANUAL_SEND_REQUESTED"
)

const (
	ActorScheduler   = "scheduler"
	ActorPolicy      = "policy"
	ActorConsentGate = "consent_gate"
	ActorDispatcher  = "dispatcher"
	ActorEngine      = "engine"
)

var ErrInvalidEntry = errors.New("invalid audit entry")

// Entry is one immutable audit record.
type Entry struct {
	ID            int64          `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Actor         string         `json:"actor"`
	Action        string         `json:"action"`
	SubjectID     string         `json:"subject_id"`
	AppointmentID string         `json:"appointment_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

func (e Entry) clone() Entry {
	if e.Details == nil {
		return e
	}
	details := make(map[string]any, len(e.Details))
	for k, v := range e.Details {
		details[k] = v
	}
	e.Details = details
	return e
}

// Filter narrows a query. Zero fields match everything.
type Filter struct {
	AppointmentID string     `json:"appointment_id"`
	SubjectID     string     `json:"subject_id"`
	Action        string     `json:"action"`
	Actor         string     `json:"actor"`
	From          *time.Time `json:"from"`
	To            *time.Time `json:"to"`
	Limit         int        `json:"limit"`
	Offset        int        `json:"offset"`
	NewestFirst   bool       `json:"newest_first"`
}

func (f Filter) matches(e Entry) bool {
	if f.AppointmentID != "" && e.AppointmentID != f.AppointmentID {
		return false
	}
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// Store persists entries. Implementations must never update or delete.
type Store interface {
	Insert(ctx context.Context, e *Entry) error
	Query(ctx context.Context, f Filter) ([]Entry, error)
}

// Logger is the only write path into the audit trail.
type Logger struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

func NewLogger(store Store, logger zerolog.Logger) *Logger {
	return &Logger{
		store: store,
		now:   time.Now,
		log:   logger.With().Str("component", "audit").Logger(),
	}
}

// WithClock swaps the timestamp source, mainly for tests.
func (l *Logger) WithClock(now func() time.Time) *Logger {
	l.now = now
	return l
}

// Append writes the entry synchronously and returns it as stored.
func (l *Logger) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.Action == "" || e.Actor == "" || e.SubjectID == "" {
		return Entry{}, fmt.Errorf("%w: actor, action and subject are required", ErrInvalidEntry)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	e = e.clone()

	if err := l.store.Insert(ctx, &e); err != nil {
		l.log.Error().Err(err).
			Str("action", e.Action).
			Str("subject_id", e.SubjectID).
			Msg("audit append failed")
		return Entry{}, fmt.Errorf("append audit entry: %w", err)
	}
	return e.clone(), nil
}

// Query is read-only; the returned entries are copies.
func (l *Logger) Query(ctx context.Context, f Filter) ([]Entry, error) {
	if f.Limit < 0 || f.Offset < 0 {
		return nil, fmt.Errorf("%w: negative limit or offset", ErrInvalidEntry)
	}
	entries, err := l.store.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = e.clone()
	}
	return out, nil
}
