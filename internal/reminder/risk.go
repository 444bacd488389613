package reminder

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

const (
	MediumRiskThreshold = 0.10
	HighRiskThreshold   = 0.25
)

// Classify maps a no-show probability to a tier. Boundaries are inclusive
// upward: 0.10 is Medium and 0.25 is High.
func Classify(probability float64) (Tier, error) {
	if math.IsNaN(probability) || probability < 0 || probability > 1 {
		return "", fmt.Errorf("%w: probability %v outside [0,1]", ErrInvalidInput, probability)
	}
	switch {
	case probability < MediumRiskThreshold:
		return TierLow, nil
	case probability < HighRiskThreshold:
		return TierMedium, nil
	default:
		return TierHigh, nil
	}
}

// Prediction is what a risk provider returns for one appointment.
type Prediction struct {
	Probability  float64
	ModelVersion string
}

// RiskProvider supplies no-show probabilities. It is called on submit and on
// reschedule.
type RiskProvider interface {
	RiskFor(ctx context.Context, appointmentID uuid.UUID) (Prediction, error)
}

// Assess classifies a prediction into the active assessment for an appointment.
func Assess(appointmentID uuid.UUID, p Prediction, at time.Time) (RiskAssessment, error) {
	tier, err := Classify(p.Probability)
	if err != nil {
		return RiskAssessment{}, err
	}
	return RiskAssessment{
		AppointmentID: appointmentID,
		Probability:   p.Probability,
		Tier:          tier,
		ComputedAt:    at,
		ModelVersion:  p.ModelVersion,
	}, nil
}
