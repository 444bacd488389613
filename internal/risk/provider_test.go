package risk

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/appointment-reminders/internal/reminder"
)

func TestStaticProvider(t *testing.T) {
	s := NewStatic()
	ctx := context.Background()
	id := uuid.New()

	_, err := s.RiskFor(ctx, id)
	assert.ErrorIs(t, err, ErrScoreNotFound)

	require.NoError(t, s.Store(ctx, id, reminder.Prediction{Probability: 0.3, ModelVersion: "gbm-2"}))
	pred, err := s.RiskFor(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0.3, pred.Probability)
	assert.Equal(t, "gbm-2", pred.ModelVersion)
}
