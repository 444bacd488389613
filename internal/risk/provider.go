// Package risk supplies no-show probabilities to the reminder engine. Scores
// are produced by an external model and stored per appointment.
package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/appointment-reminders/internal/reminder"
)

var ErrScoreNotFound = errors.New("risk score not found")

// PgProvider reads the latest stored score for an appointment.
type PgProvider struct {
	pool *pgxpool.Pool
}

var _ reminder.RiskProvider = (*PgProvider)(nil)

func NewPgProvider(pool *pgxpool.Pool) *PgProvider {
	return &PgProvider{pool: pool}
}

func (p *PgProvider) RiskFor(ctx context.Context, appointmentID uuid.UUID) (reminder.Prediction, error) {
	var pred reminder.Prediction
	err := p.pool.QueryRow(ctx, `
		SELECT probability, model_version
		FROM risk_scores
		WHERE appointment_id = $1
	`, appointmentID).Scan(&pred.Probability, &pred.ModelVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return reminder.Prediction{}, ErrScoreNotFound
		}
		return reminder.Prediction{}, fmt.Errorf("load risk score: %w", err)
	}
	return pred, nil
}

// Store upserts a score, e.g. one supplied with an appointment submission.
func (p *PgProvider) Store(ctx context.Context, appointmentID uuid.UUID, pred reminder.Prediction) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO risk_scores (appointment_id, probability, model_version, computed_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (appointment_id)
		DO UPDATE SET probability = EXCLUDED.probability,
		              model_version = EXCLUDED.model_version,
		              computed_at = now()
	`, appointmentID, pred.Probability, pred.ModelVersion)
	if err != nil {
		return fmt.Errorf("store risk score: %w", err)
	}
	return nil
}

// Static serves scores from memory.
type Static struct {
	mu     sync.RWMutex
	scores map[uuid.UUID]reminder.Prediction
}

var _ reminder.RiskProvider = (*Static)(nil)

func NewStatic() *Static {
	return &Static{scores: make(map[uuid.UUID]reminder.Prediction)}
}

func (s *Static) Store(_ context.Context, appointmentID uuid.UUID, pred reminder.Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[appointmentID] = pred
	return nil
}

func (s *Static) RiskFor(_ context.Context, appointmentID uuid.UUID) (reminder.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pred, ok := s.scores[appointmentID]
	if !ok {
		return reminder.Prediction{}, ErrScoreNotFound
	}
	return pred, nil
}
