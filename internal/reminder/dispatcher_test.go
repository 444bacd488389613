package reminder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/appointment-reminders/internal/audit"
)

func newTestAuditor() (*audit.Logger, *audit.MemoryStore) {
	store := audit.NewMemoryStore()
	return audit.NewLogger(store, zerolog.Nop()), store
}

func smsRequest() SendRequest {
	return SendRequest{
		Item: Item{
			ID:            uuid.New(),
			AppointmentID: uuid.New(),
			Channel:       ChannelSMS,
		},
		Address: "+15550100",
		Message: Message{Body: "hi"},
		Attempt: 1,
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 5*time.Minute, p.Backoff(1))
	assert.Equal(t, 10*time.Minute, p.Backoff(2))
	assert.Equal(t, 20*time.Minute, p.Backoff(3))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))

	assert.ErrorIs(t, RetryPolicy{InitialBackoff: time.Minute, Factor: 0.5, MaxAttempts: 3}.Validate(), ErrInvalidInput)
}

func TestDispatcherClassifiesOutcomes(t *testing.T) {
	auditor, store := newTestAuditor()
	sms := &recordingTransport{}
	cfg := DefaultDispatcherConfig()
	cfg.BreakerEnabled = false
	d := NewDispatcher(Transports{SMS: sms}, auditor, cfg, zerolog.Nop())
	ctx := context.Background()

	res := d.Send(ctx, smsRequest())
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.NoError(t, res.Err)

	sms.failWith(errFlaky)
	res = d.Send(ctx, smsRequest())
	assert.Equal(t, OutcomeTransient, res.Outcome)
	assert.ErrorIs(t, res.Err, errFlaky)

	sms.failWith(fmt.Errorf("%w: invalid number", ErrPermanentFailure))
	res = d.Send(ctx, smsRequest())
	assert.Equal(t, OutcomePermanent, res.Outcome)

	// Two audit entries per attempt: the attempt and its result.
	assert.Equal(t, 6, store.Len())
}

func TestDispatcherUnconfiguredChannelIsPermanent(t *testing.T) {
	auditor, _ := newTestAuditor()
	d := NewDispatcher(Transports{}, auditor, DefaultDispatcherConfig(), zerolog.Nop())

	res := d.Send(context.Background(), smsRequest())
	assert.Equal(t, OutcomePermanent, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrPermanentFailure)
}

func TestDispatcherBreakerOpensOnTransientFailures(t *testing.T) {
	auditor, _ := newTestAuditor()
	sms := &recordingTransport{}
	cfg := DefaultDispatcherConfig()
	cfg.FailureThreshold = 2
	cfg.OpenTimeout = time.Hour
	d := NewDispatcher(Transports{SMS: sms}, auditor, cfg, zerolog.Nop())
	ctx := context.Background()

	sms.failWith(errFlaky, errFlaky)
	d.Send(ctx, smsRequest())
	d.Send(ctx, smsRequest())
	require.Equal(t, 2, sms.calls())

	res := d.Send(ctx, smsRequest())
	assert.Equal(t, OutcomeTransient, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrTransientFailure)
	assert.Equal(t, 2, sms.calls(), "open breaker short-circuits the transport")
}

func TestDispatcherBreakerIgnoresPermanentFailures(t *testing.T) {
	auditor, _ := newTestAuditor()
	sms := &recordingTransport{}
	cfg := DefaultDispatcherConfig()
	cfg.FailureThreshold = 1
	d := NewDispatcher(Transports{SMS: sms}, auditor, cfg, zerolog.Nop())
	ctx := context.Background()

	sms.failWith(fmt.Errorf("%w: unsubscribed", ErrPermanentFailure))
	d.Send(ctx, smsRequest())

	res := d.Send(ctx, smsRequest())
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, 2, sms.calls())
}

type brokenDirectory struct{ memDirectory }

func (*brokenDirectory) OptedOut(context.Context, uuid.UUID, Channel) (bool, error) {
	return false, errors.New("directory unavailable")
}

func TestConsentGate(t *testing.T) {
	dir := newMemDirectory()
	patient := uuid.New()
	dir.setConsent(patient, ChannelEmail, true)
	dir.setConsent(patient, ChannelSMS, false)
	dir.optOuts[patient] = map[Channel]bool{ChannelChat: true}
	dir.setConsent(patient, ChannelChat, true)

	auditor, store := newTestAuditor()
	gate := NewConsentGate(dir, auditor, zerolog.Nop())
	ctx := context.Background()

	check := func(ch Channel) Decision {
		return gate.Check(ctx, Item{ID: uuid.New(), PatientID: patient, Channel: ch})
	}

	assert.Equal(t, Decision{Allowed: true}, check(ChannelEmail))
	assert.Equal(t, Decision{Reason: DenyNotGranted}, check(ChannelSMS))
	assert.Equal(t, Decision{Reason: DenyOptedOut}, check(ChannelChat))
	assert.Equal(t, Decision{Reason: DenyNoRecord}, check(ChannelCall))
	assert.Equal(t, 4, store.Len())

	failing := NewConsentGate(&brokenDirectory{}, auditor, zerolog.Nop())
	d := failing.Check(ctx, Item{ID: uuid.New(), PatientID: patient, Channel: ChannelEmail})
	assert.False(t, d.Allowed)
	assert.Equal(t, DenyLookupFailed, d.Reason)
}

type failingAuditor struct{}

func (failingAuditor) Append(context.Context, audit.Entry) (audit.Entry, error) {
	return audit.Entry{}, errors.New("audit store down")
}

func (failingAuditor) Query(context.Context, audit.Filter) ([]audit.Entry, error) {
	return nil, nil
}

func TestAuditFailuresAreLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ctx := context.Background()

	sms := &recordingTransport{}
	d := NewDispatcher(Transports{SMS: sms}, failingAuditor{}, DispatcherConfig{}, logger)
	res := d.Send(ctx, smsRequest())
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("audit write failed")))

	buf.Reset()
	dir := newMemDirectory()
	patient := uuid.New()
	dir.setConsent(patient, ChannelSMS, true)
	gate := NewConsentGate(dir, failingAuditor{}, logger)
	d2 := gate.Check(ctx, Item{ID: uuid.New(), PatientID: patient, Channel: ChannelSMS})
	assert.True(t, d2.Allowed)
	assert.Contains(t, buf.String(), "audit write failed")
	assert.Contains(t, buf.String(), audit.ActionConsentAllowed)
}

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	token, ok, err := l.TryLock(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, l.Unlock(ctx, "k", "someone-else"), ErrLockNotHeld)
	require.NoError(t, l.Unlock(ctx, "k", token))

	_, ok, _ = l.TryLock(ctx, "k")
	assert.True(t, ok)
}
