package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/appointment-reminders/internal/audit"
)

var baseTime = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type staticRisk struct {
	mu    sync.Mutex
	probs map[uuid.UUID]float64
	err   error
}

func (r *staticRisk) set(id uuid.UUID, p float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.probs == nil {
		r.probs = make(map[uuid.UUID]float64)
	}
	r.probs[id] = p
}

func (r *staticRisk) RiskFor(_ context.Context, id uuid.UUID) (Prediction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return Prediction{}, r.err
	}
	return Prediction{Probability: r.probs[id], ModelVersion: "test-v1"}, nil
}

type memDirectory struct {
	mu       sync.Mutex
	contacts map[uuid.UUID]ContactInfo
	consents map[uuid.UUID]map[Channel]bool
	optOuts  map[uuid.UUID]map[Channel]bool
}

func newMemDirectory() *memDirectory {
	return &memDirectory{
		contacts: make(map[uuid.UUID]ContactInfo),
		consents: make(map[uuid.UUID]map[Channel]bool),
		optOuts:  make(map[uuid.UUID]map[Channel]bool),
	}
}

// addPatient registers a patient with full contact details and consent on
// every channel.
func (d *memDirectory) addPatient(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts[id] = ContactInfo{Name: "Ada", Phone: "+15550100", Email: "ada@example.com"}
	d.consents[id] = map[Channel]bool{ChannelSMS: true, ChannelEmail: true, ChannelChat: true, ChannelCall: true}
}

func (d *memDirectory) setConsent(id uuid.UUID, ch Channel, granted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.consents[id] == nil {
		d.consents[id] = make(map[Channel]bool)
	}
	d.consents[id][ch] = granted
}

func (d *memDirectory) ContactInfo(_ context.Context, id uuid.UUID) (ContactInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.contacts[id], nil
}

func (d *memDirectory) Consent(_ context.Context, id uuid.UUID, ch Channel) (*ConsentRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	granted, ok := d.consents[id][ch]
	if !ok {
		return nil, nil
	}
	return &ConsentRecord{PatientID: id, Channel: ch, Granted: granted}, nil
}

func (d *memDirectory) OptedOut(_ context.Context, id uuid.UUID, ch Channel) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.optOuts[id][ch], nil
}

type sentMessage struct {
	Address string
	Message Message
}

// recordingTransport records every call and returns queued errors in order,
// then nil.
type recordingTransport struct {
	mu    sync.Mutex
	sent  []sentMessage
	errs  []error
	block chan struct{}
	entry chan struct{}
}

func (t *recordingTransport) failWith(errs ...error) {
	t.mu.Lock()
	t.errs = append(t.errs, errs...)
	t.mu.Unlock()
}

func (t *recordingTransport) Send(ctx context.Context, address string, msg Message) error {
	t.mu.Lock()
	t.sent = append(t.sent, sentMessage{Address: address, Message: msg})
	var err error
	if len(t.errs) > 0 {
		err = t.errs[0]
		t.errs = t.errs[1:]
	}
	block, entry := t.block, t.entry
	t.mu.Unlock()

	if entry != nil {
		entry <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (t *recordingTransport) calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

var errFlaky = errors.New("gateway timeout")

// deadlineStore refuses writes on a finished context, the way a database
// driver does.
type deadlineStore struct {
	*audit.MemoryStore
}

func (s deadlineStore) Insert(ctx context.Context, e *audit.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Insert(ctx, e)
}

type harness struct {
	engine    *Engine
	clock     *fakeClock
	risk      *staticRisk
	directory *memDirectory
	store     *audit.MemoryStore
	sms       *recordingTransport
	email     *recordingTransport
	call      *recordingTransport
	chat      *recordingTransport
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	return newHarnessWithStore(t, nil, mutate...)
}

// newHarnessWithStore lets a test put a wrapper in front of the memory audit
// store. wrap may be nil.
func newHarnessWithStore(t *testing.T, wrap func(*audit.MemoryStore) audit.Store, mutate ...func(*Config)) *harness {
	t.Helper()

	h := &harness{
		clock:     &fakeClock{now: baseTime},
		risk:      &staticRisk{},
		directory: newMemDirectory(),
		store:     audit.NewMemoryStore(),
		sms:       &recordingTransport{},
		email:     &recordingTransport{},
		call:      &recordingTransport{},
		chat:      &recordingTransport{},
	}

	cfg := DefaultConfig()
	cfg.Now = h.clock.Now
	cfg.Dispatch.BreakerEnabled = false
	for _, m := range mutate {
		m(&cfg)
	}

	var store audit.Store = h.store
	if wrap != nil {
		store = wrap(h.store)
	}
	logger := audit.NewLogger(store, zerolog.Nop()).WithClock(h.clock.Now)
	engine, err := NewEngine(Deps{
		Risk:      h.risk,
		Directory: h.directory,
		Transports: Transports{
			SMS:   h.sms,
			Email: h.email,
			Chat:  h.chat,
			Call:  h.call,
		},
		Audit:  logger,
		Logger: zerolog.Nop(),
	}, cfg)
	require.NoError(t, err)
	h.engine = engine
	return h
}

// submit books an appointment `ahead` after the current clock with the given
// no-show probability.
func (h *harness) submit(t *testing.T, prob float64, ahead time.Duration) Appointment {
	t.Helper()
	appt := Appointment{
		ID:            uuid.New(),
		PatientID:     uuid.New(),
		ClinicID:      uuid.New(),
		ScheduledTime: h.clock.Now().Add(ahead),
		BookedAt:      h.clock.Now(),
		Type:          "checkup",
	}
	h.directory.addPatient(appt.PatientID)
	h.risk.set(appt.ID, prob)
	_, err := h.engine.SubmitAppointment(context.Background(), appt)
	require.NoError(t, err)
	return appt
}

func (h *harness) auditActions(t *testing.T, f audit.Filter) []string {
	t.Helper()
	entries, err := h.engine.QueryAudit(context.Background(), f)
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

func (h *harness) countAction(t *testing.T, appointmentID uuid.UUID, action string) int {
	t.Helper()
	entries, err := h.engine.QueryAudit(context.Background(), audit.Filter{
		AppointmentID: appointmentID.String(),
		Action:        action,
	})
	require.NoError(t, err)
	return len(entries)
}

func itemsBy(items []Item, ch Channel) []Item {
	var out []Item
	for _, it := range items {
		if it.Channel == ch {
			out = append(out, it)
		}
	}
	return out
}
