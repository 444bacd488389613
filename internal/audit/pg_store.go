package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore writes entries to the reminder_audit_log table. The table has no
// UPDATE or DELETE path here; purging is the retention job's concern.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Insert(ctx context.Context, e *Entry) error {
	var details []byte
	if e.Details != nil {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		details = data
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO reminder_audit_log (recorded_at, actor, action, subject_id, appointment_id, details)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		RETURNING id
	`, e.Timestamp, e.Actor, e.Action, e.SubjectID, e.AppointmentID, details).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PgStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if f.AppointmentID != "" {
		add("appointment_id = $%d", f.AppointmentID)
	}
	if f.SubjectID != "" {
		add("subject_id = $%d", f.SubjectID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.From != nil {
		add("recorded_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("recorded_at <= $%d", *f.To)
	}

	query := `SELECT id, recorded_at, actor, action, subject_id, COALESCE(appointment_id, ''), details FROM reminder_audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.NewestFirst {
		query += " ORDER BY recorded_at DESC, id DESC"
	} else {
		query += " ORDER BY recorded_at ASC, id ASC"
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e       Entry
		ts      time.Time
		details []byte
	)
	if err := row.Scan(&e.ID, &ts, &e.Actor, &e.Action, &e.SubjectID, &e.AppointmentID, &details); err != nil {
		return Entry{}, fmt.Errorf("scan audit entry: %w", err)
	}
	e.Timestamp = ts.UTC()
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return Entry{}, fmt.Errorf("decode audit details: %w", err)
		}
	}
	return e, nil
}
