package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/appointment-reminders/internal/appointment"
	"github.com/hackgods/appointment-reminders/internal/audit"
	"github.com/hackgods/appointment-reminders/internal/directory"
	"github.com/hackgods/appointment-reminders/internal/reminder"
)

var baseTime = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type stubService struct {
	appts   map[uuid.UUID]*appointment.Appointment
	created appointment.CreateInput
	err     error
	items   []reminder.Item
}

func newStubService() *stubService {
	return &stubService{appts: make(map[uuid.UUID]*appointment.Appointment)}
}

func (s *stubService) CreateAppointment(_ context.Context, in appointment.CreateInput) (*appointment.Appointment, reminder.PlanSummary, error) {
	if s.err != nil {
		return nil, reminder.PlanSummary{}, s.err
	}
	s.created = in
	a := &appointment.Appointment{
		ID:            uuid.New(),
		PatientID:     in.PatientID,
		ScheduledTime: in.ScheduledTime,
		BookedAt:      baseTime,
		Type:          in.Type,
		Status:        reminder.AppointmentScheduled,
	}
	s.appts[a.ID] = a
	return a, reminder.PlanSummary{
		AppointmentID: a.ID,
		Assessment:    reminder.RiskAssessment{AppointmentID: a.ID, Probability: 0.3, Tier: reminder.TierHigh},
		Pending:       5,
	}, nil
}

func (s *stubService) CancelAppointment(_ context.Context, id uuid.UUID) (reminder.CancelSummary, error) {
	a, ok := s.appts[id]
	if !ok {
		return reminder.CancelSummary{}, appointment.ErrAppointmentNotFound
	}
	if a.Status == reminder.AppointmentCancelled {
		return reminder.CancelSummary{AppointmentID: id, AlreadyClosed: true}, nil
	}
	a.Status = reminder.AppointmentCancelled
	return reminder.CancelSummary{AppointmentID: id, Cancelled: 3}, nil
}

func (s *stubService) UpdateStatus(_ context.Context, id uuid.UUID, status reminder.AppointmentStatus) (reminder.CancelSummary, error) {
	if !status.Valid() || status == reminder.AppointmentScheduled {
		return reminder.CancelSummary{}, fmt.Errorf("%w: bad status", reminder.ErrInvalidInput)
	}
	if _, ok := s.appts[id]; !ok {
		return reminder.CancelSummary{}, appointment.ErrAppointmentNotFound
	}
	return reminder.CancelSummary{AppointmentID: id}, nil
}

func (s *stubService) RescheduleAppointment(_ context.Context, id uuid.UUID, newTime time.Time) (*appointment.Appointment, reminder.PlanSummary, error) {
	a, ok := s.appts[id]
	if !ok {
		return nil, reminder.PlanSummary{}, appointment.ErrAppointmentNotFound
	}
	if a.Status != reminder.AppointmentScheduled {
		return nil, reminder.PlanSummary{}, reminder.ErrAppointmentClosed
	}
	a.ScheduledTime = newTime
	return a, reminder.PlanSummary{AppointmentID: id}, nil
}

func (s *stubService) GetAppointment(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	a, ok := s.appts[id]
	if !ok {
		return nil, fmt.Errorf("get appointment: %w", appointment.ErrAppointmentNotFound)
	}
	return a, nil
}

func (s *stubService) Reminders(_ context.Context, id uuid.UUID) ([]reminder.Item, error) {
	if _, ok := s.appts[id]; !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	return s.items, nil
}

func (s *stubService) SendReminder(_ context.Context, id uuid.UUID, ch reminder.Channel) (reminder.Item, error) {
	a, ok := s.appts[id]
	if !ok {
		return reminder.Item{}, appointment.ErrAppointmentNotFound
	}
	if a.Status != reminder.AppointmentScheduled {
		return reminder.Item{}, reminder.ErrAppointmentClosed
	}
	return reminder.Item{
		ID:            uuid.New(),
		AppointmentID: id,
		Channel:       ch,
		Status:        reminder.StatusSent,
		AttemptCount:  1,
		Manual:        true,
	}, nil
}

type stubReminders struct {
	entries  []audit.Entry
	filter   audit.Filter
	upcoming []reminder.UpcomingRisk
	tier     reminder.Tier
	limit    int
}

func (s *stubReminders) Assessment(uuid.UUID) (reminder.RiskAssessment, error) {
	return reminder.RiskAssessment{}, reminder.ErrAppointmentNotFound
}

func (s *stubReminders) QueryAudit(_ context.Context, f audit.Filter) ([]audit.Entry, error) {
	s.filter = f
	return s.entries, nil
}

func (s *stubReminders) Stats() reminder.Stats {
	return reminder.Stats{Total: 4, Sent: 3, Pending: 1, SuccessRate: 75}
}

func (s *stubReminders) Upcoming(tier reminder.Tier, limit int) []reminder.UpcomingRisk {
	s.tier, s.limit = tier, limit
	return s.upcoming
}

func (s *stubReminders) PendingCount() int { return 1 }

type testServer struct {
	handler   http.Handler
	svc       *stubService
	reminders *stubReminders
	consent   *directory.Memory
}

func newTestServer() *testServer {
	ts := &testServer{
		svc:       newStubService(),
		reminders: &stubReminders{},
		consent:   directory.NewMemory(),
	}
	ts.handler = NewRouter(RouterConfig{
		Service:   ts.svc,
		Reminders: ts.reminders,
		Consent:   ts.consent,
		Logger:    zerolog.Nop(),
		Env:       "test",
		Version:   "dev",
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestCreateAppointment(t *testing.T) {
	ts := newTestServer()
	patient := uuid.New()
	prob := 0.3

	rec := ts.do(t, http.MethodPost, "/appointments", CreateAppointmentRequest{
		PatientID:         patient.String(),
		ScheduledTime:     baseTime.Add(96 * time.Hour),
		AppointmentType:   "dental",
		NoShowProbability: &prob,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	resp := decode[PlanResponse](t, rec)
	assert.Equal(t, patient, resp.Appointment.PatientID)
	assert.Equal(t, "scheduled", resp.Appointment.Status)
	require.NotNil(t, resp.Appointment.Risk)
	assert.Equal(t, reminder.TierHigh, resp.Appointment.Risk.Tier)
	assert.Equal(t, 5, resp.Plan.Pending)
	assert.Equal(t, "dental", ts.svc.created.Type)
	require.NotNil(t, ts.svc.created.NoShowProbability)
	assert.Equal(t, 0.3, *ts.svc.created.NoShowProbability)
}

func TestCreateAppointmentBadRequests(t *testing.T) {
	ts := newTestServer()

	tests := []struct {
		name string
		body string
		code string
	}{
		{"not json", "{", "invalid_request_body"},
		{"bad patient", `{"patient_id":"nope","scheduled_time":"2024-03-08T09:00:00Z"}`, "invalid_patient_id"},
		{"bad clinic", `{"patient_id":"` + uuid.NewString() + `","clinic_id":"x","scheduled_time":"2024-03-08T09:00:00Z"}`, "invalid_clinic_id"},
		{"no time", `{"patient_id":"` + uuid.NewString() + `"}`, "invalid_scheduled_time"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/appointments", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			ts.handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestServiceErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{appointment.ErrPatientNotFound, http.StatusNotFound, "patient_not_found"},
		{fmt.Errorf("%w: out of range", reminder.ErrInvalidInput), http.StatusBadRequest, "invalid_input"},
		{appointment.ErrAppointmentBusy, http.StatusConflict, "appointment_busy"},
		{reminder.ErrAppointmentClosed, http.StatusConflict, "appointment_closed"},
		{fmt.Errorf("db down"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			ts := newTestServer()
			ts.svc.err = tt.err
			rec := ts.do(t, http.MethodPost, "/appointments", CreateAppointmentRequest{
				PatientID:     uuid.NewString(),
				ScheduledTime: baseTime.Add(time.Hour),
			})
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestAppointmentLifecycle(t *testing.T) {
	ts := newTestServer()
	rec := ts.do(t, http.MethodPost, "/appointments", CreateAppointmentRequest{
		PatientID:     uuid.NewString(),
		ScheduledTime: baseTime.Add(48 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[PlanResponse](t, rec).Appointment.ID

	rec = ts.do(t, http.MethodGet, "/appointments/"+id.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode[AppointmentResponse](t, rec).Risk)

	moved := baseTime.Add(72 * time.Hour)
	rec = ts.do(t, http.MethodPost, "/appointments/"+id.String()+"/reschedule", RescheduleRequest{ScheduledTime: moved})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, moved.Equal(decode[PlanResponse](t, rec).Appointment.ScheduledTime))

	ts.svc.items = []reminder.Item{{ID: uuid.New(), AppointmentID: id, Channel: reminder.ChannelSMS, Status: reminder.StatusPending}}
	rec = ts.do(t, http.MethodGet, "/appointments/"+id.String()+"/reminders", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[RemindersResponse](t, rec).Reminders, 1)

	rec = ts.do(t, http.MethodPost, "/appointments/"+id.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[reminder.CancelSummary](t, rec).Cancelled)

	rec = ts.do(t, http.MethodPost, "/appointments/"+id.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[reminder.CancelSummary](t, rec).AlreadyClosed)

	rec = ts.do(t, http.MethodPost, "/appointments/"+id.String()+"/reschedule", RescheduleRequest{ScheduledTime: moved})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPut, "/appointments/"+id.String()+"/status", StatusRequest{Status: "scheduled"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownAndInvalidAppointmentIDs(t *testing.T) {
	ts := newTestServer()

	rec := ts.do(t, http.MethodGet, "/appointments/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/appointments/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "appointment_not_found", decode[ErrorResponse](t, rec).Error)

	rec = ts.do(t, http.MethodPost, "/appointments/"+uuid.NewString()+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditQueryParams(t *testing.T) {
	ts := newTestServer()
	ts.reminders.entries = []audit.Entry{{ID: 7, Action: audit.ActionItemPlanned, Actor: audit.ActorScheduler, SubjectID: "x"}}

	rec := ts.do(t, http.MethodGet, "/audit?action=ITEM_PLANNED&limit=10&offset=5&newest_first=true&from=2024-03-01T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	f := ts.reminders.filter
	assert.Equal(t, audit.ActionItemPlanned, f.Action)
	assert.Equal(t, 10, f.Limit)
	assert.Equal(t, 5, f.Offset)
	assert.True(t, f.NewestFirst)
	require.NotNil(t, f.From)
	assert.Nil(t, f.To)

	resp := decode[AuditResponse](t, rec)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, int64(7), resp.Entries[0].ID)

	rec = ts.do(t, http.MethodGet, "/audit?limit=100000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxAuditLimit, ts.reminders.filter.Limit)

	rec = ts.do(t, http.MethodGet, "/audit?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/audit?to=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsAndHealth(t *testing.T) {
	ts := newTestServer()

	rec := ts.do(t, http.MethodGet, "/reminders/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 75.0, decode[reminder.Stats](t, rec).SuccessRate)

	rec = ts.do(t, http.MethodGet, "/health/live", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[LivenessResponse](t, rec).Status)

	rec = ts.do(t, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ready := decode[ReadinessResponse](t, rec)
	assert.Equal(t, "ok", ready.Status)
	assert.Equal(t, "disabled", ready.Dependencies["postgres"])
	assert.Equal(t, 1, ready.PendingReminders)
}

func TestConsentEndpoint(t *testing.T) {
	ts := newTestServer()
	patient := uuid.New()

	rec := ts.do(t, http.MethodPut, "/patients/"+patient.String()+"/consent", ConsentRequest{Channel: "sms", Granted: true})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec2, err := ts.consent.Consent(context.Background(), patient, reminder.ChannelSMS)
	require.NoError(t, err)
	require.NotNil(t, rec2)
	assert.True(t, rec2.Granted)

	rec = ts.do(t, http.MethodPut, "/patients/"+patient.String()+"/consent", ConsentRequest{Channel: "fax", Granted: true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendReminderEndpoint(t *testing.T) {
	ts := newTestServer()
	created := decode[PlanResponse](t, ts.do(t, http.MethodPost, "/appointments", CreateAppointmentRequest{
		PatientID:     uuid.New().String(),
		ScheduledTime: baseTime.Add(48 * time.Hour),
	}))
	path := "/appointments/" + created.Appointment.ID.String() + "/reminders"

	rec := ts.do(t, http.MethodPost, path, SendReminderRequest{Channel: "sms"})
	require.Equal(t, http.StatusOK, rec.Code)
	item := decode[reminder.Item](t, rec)
	assert.Equal(t, reminder.ChannelSMS, item.Channel)
	assert.Equal(t, reminder.StatusSent, item.Status)
	assert.True(t, item.Manual)

	rec = ts.do(t, http.MethodPost, path, SendReminderRequest{Channel: "pager"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_channel", decode[ErrorResponse](t, rec).Error)

	rec = ts.do(t, http.MethodPost, "/appointments/"+uuid.NewString()+"/reminders", SendReminderRequest{Channel: "sms"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.do(t, http.MethodPost, "/appointments/"+created.Appointment.ID.String()+"/cancel", nil)
	rec = ts.do(t, http.MethodPost, path, SendReminderRequest{Channel: "email"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "appointment_closed", decode[ErrorResponse](t, rec).Error)
}

func TestUpcomingEndpoint(t *testing.T) {
	ts := newTestServer()
	id := uuid.New()
	ts.reminders.upcoming = []reminder.UpcomingRisk{{
		Appointment: reminder.Appointment{ID: id, ScheduledTime: baseTime.Add(5 * time.Hour)},
		Assessment:  reminder.RiskAssessment{AppointmentID: id, Probability: 0.4, Tier: reminder.TierHigh},
		Pending:     2,
	}}

	rec := ts.do(t, http.MethodGet, "/appointments/upcoming?tier=high&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[UpcomingResponse](t, rec)
	require.Len(t, resp.Appointments, 1)
	assert.Equal(t, id, resp.Appointments[0].Appointment.ID)
	assert.Equal(t, reminder.TierHigh, resp.Appointments[0].Assessment.Tier)
	assert.Equal(t, reminder.TierHigh, ts.reminders.tier)
	assert.Equal(t, 5, ts.reminders.limit)

	rec = ts.do(t, http.MethodGet, "/appointments/upcoming", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reminder.Tier(""), ts.reminders.tier)
	assert.Equal(t, defaultUpcomingLimit, ts.reminders.limit)

	for _, q := range []string{"tier=extreme", "limit=0", "limit=abc"} {
		rec = ts.do(t, http.MethodGet, "/appointments/upcoming?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}
