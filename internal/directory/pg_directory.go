// Package directory resolves patient contact details, channel consent and
// opt-outs for the reminder engine.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/appointment-reminders/internal/reminder"
)

var ErrPatientNotFound = errors.New("patient not found")

type PgDirectory struct {
	pool *pgxpool.Pool
}

var _ reminder.Directory = (*PgDirectory)(nil)

func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

func (d *PgDirectory) ContactInfo(ctx context.Context, patientID uuid.UUID) (reminder.ContactInfo, error) {
	var (
		c            reminder.ContactInfo
		phone, email *string
	)
	err := d.pool.QueryRow(ctx, `
		SELECT name, phone, email
		FROM patients
		WHERE id = $1
	`, patientID).Scan(&c.Name, &phone, &email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return reminder.ContactInfo{}, ErrPatientNotFound
		}
		return reminder.ContactInfo{}, fmt.Errorf("load contact info: %w", err)
	}
	if phone != nil {
		c.Phone = *phone
	}
	if email != nil {
		c.Email = *email
	}
	return c, nil
}

func (d *PgDirectory) Consent(ctx context.Context, patientID uuid.UUID, ch reminder.Channel) (*reminder.ConsentRecord, error) {
	rec := reminder.ConsentRecord{PatientID: patientID, Channel: ch}
	err := d.pool.QueryRow(ctx, `
		SELECT granted, updated_at
		FROM patient_consents
		WHERE patient_id = $1 AND channel = $2
	`, patientID, string(ch)).Scan(&rec.Granted, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load consent: %w", err)
	}
	return &rec, nil
}

func (d *PgDirectory) OptedOut(ctx context.Context, patientID uuid.UUID, ch reminder.Channel) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM channel_opt_outs WHERE patient_id = $1 AND channel = $2
		)
	`, patientID, string(ch)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("load opt-out: %w", err)
	}
	return exists, nil
}

// SetConsent upserts a consent record.
func (d *PgDirectory) SetConsent(ctx context.Context, patientID uuid.UUID, ch reminder.Channel, granted bool) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO patient_consents (patient_id, channel, granted, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (patient_id, channel)
		DO UPDATE SET granted = EXCLUDED.granted, updated_at = now()
	`, patientID, string(ch), granted)
	if err != nil {
		return fmt.Errorf("set consent: %w", err)
	}
	return nil
}
