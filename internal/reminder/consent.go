package reminder

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-reminders/internal/audit"
)

// Directory is the contact and consent lookup owned by the surrounding
// application. Consent returns nil when no record exists.
type Directory interface {
	ContactInfo(ctx context.Context, patientID uuid.UUID) (ContactInfo, error)
	Consent(ctx context.Context, patientID uuid.UUID, ch Channel) (*ConsentRecord, error)
	OptedOut(ctx context.Context, patientID uuid.UUID, ch Channel) (bool, error)
}

const (
	DenyNoRecord     = "no_consent_record"
	DenyNotGranted   = "consent_not_granted"
	DenyOptedOut     = "channel_opt_out"
	DenyLookupFailed = "consent_lookup_failed"
)

type Decision struct {
	Allowed bool
	Reason  string
}

// ConsentGate authorizes sends. It fails closed: any missing record or lookup
// error is a deny.
type ConsentGate struct {
	directory Directory
	audit     Auditor
	log       zerolog.Logger
}

func NewConsentGate(directory Directory, auditor Auditor, logger zerolog.Logger) *ConsentGate {
	return &ConsentGate{
		directory: directory,
		audit:     auditor,
		log:       logger.With().Str("component", "consent_gate").Logger(),
	}
}

// Check decides whether the item may be sent on its channel and records
// the decision.
func (g *ConsentGate) Check(ctx context.Context, item Item) Decision {
	d := g.decide(ctx, item.PatientID, item.Channel)

	action := audit.ActionConsentAllowed
	details := map[string]any{"channel": string(item.Channel), "patient_id": item.PatientID.String()}
	if !d.Allowed {
		action = audit.ActionConsentDenied
		details["reason"] = d.Reason
	}
	_, err := g.audit.Append(context.WithoutCancel(ctx), audit.Entry{
		Actor:         audit.ActorConsentGate,
		Action:        action,
		SubjectID:     item.ID.String(),
		AppointmentID: item.AppointmentID.String(),
		Details:       details,
	})
	if err != nil {
		g.log.Error().Err(err).Str("action", action).Str("subject_id", item.ID.String()).Msg("audit write failed")
	}
	return d
}

func (g *ConsentGate) decide(ctx context.Context, patientID uuid.UUID, ch Channel) Decision {
	optedOut, err := g.directory.OptedOut(ctx, patientID, ch)
	if err != nil {
		return Decision{Reason: DenyLookupFailed}
	}
	if optedOut {
		return Decision{Reason: DenyOptedOut}
	}

	rec, err := g.directory.Consent(ctx, patientID, ch)
	if err != nil {
		return Decision{Reason: DenyLookupFailed}
	}
	if rec == nil {
		return Decision{Reason: DenyNoRecord}
	}
	if !rec.Granted {
		return Decision{Reason: DenyNotGranted}
	}
	return Decision{Allowed: true}
}
