package directory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-reminders/internal/reminder"
)

// Memory is an in-process directory for the simulator and tests.
type Memory struct {
	mu       sync.RWMutex
	contacts map[uuid.UUID]reminder.ContactInfo
	consents map[uuid.UUID]map[reminder.Channel]reminder.ConsentRecord
	optOuts  map[uuid.UUID]map[reminder.Channel]bool
}

var _ reminder.Directory = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		contacts: make(map[uuid.UUID]reminder.ContactInfo),
		consents: make(map[uuid.UUID]map[reminder.Channel]reminder.ConsentRecord),
		optOuts:  make(map[uuid.UUID]map[reminder.Channel]bool),
	}
}

func (m *Memory) PutContact(patientID uuid.UUID, c reminder.ContactInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[patientID] = c
}

func (m *Memory) SetConsent(_ context.Context, patientID uuid.UUID, ch reminder.Channel, granted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consents[patientID] == nil {
		m.consents[patientID] = make(map[reminder.Channel]reminder.ConsentRecord)
	}
	m.consents[patientID][ch] = reminder.ConsentRecord{
		PatientID: patientID,
		Channel:   ch,
		Granted:   granted,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func (m *Memory) OptOut(patientID uuid.UUID, ch reminder.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.optOuts[patientID] == nil {
		m.optOuts[patientID] = make(map[reminder.Channel]bool)
	}
	m.optOuts[patientID][ch] = true
}

func (m *Memory) ContactInfo(_ context.Context, patientID uuid.UUID) (reminder.ContactInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[patientID]
	if !ok {
		return reminder.ContactInfo{}, ErrPatientNotFound
	}
	return c, nil
}

func (m *Memory) Consent(_ context.Context, patientID uuid.UUID, ch reminder.Channel) (*reminder.ConsentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.consents[patientID][ch]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) OptedOut(_ context.Context, patientID uuid.UUID, ch reminder.Channel) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.optOuts[patientID][ch], nil
}
