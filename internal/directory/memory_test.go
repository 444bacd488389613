package directory

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/appointment-reminders/internal/reminder"
)

func TestMemoryDirectory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	patient := uuid.New()

	_, err := m.ContactInfo(ctx, patient)
	assert.ErrorIs(t, err, ErrPatientNotFound)

	m.PutContact(patient, reminder.ContactInfo{Name: "Grace", Phone: "+15550101"})
	c, err := m.ContactInfo(ctx, patient)
	require.NoError(t, err)
	assert.Equal(t, "+15550101", c.AddressFor(reminder.ChannelSMS))
	assert.Empty(t, c.AddressFor(reminder.ChannelEmail))

	rec, err := m.Consent(ctx, patient, reminder.ChannelSMS)
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, m.SetConsent(ctx, patient, reminder.ChannelSMS, true))
	rec, err = m.Consent(ctx, patient, reminder.ChannelSMS)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Granted)

	out, err := m.OptedOut(ctx, patient, reminder.ChannelSMS)
	require.NoError(t, err)
	assert.False(t, out)

	m.OptOut(patient, reminder.ChannelSMS)
	out, err = m.OptedOut(ctx, patient, reminder.ChannelSMS)
	require.NoError(t, err)
	assert.True(t, out)
}
