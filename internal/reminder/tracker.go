package reminder

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Tracker is the read-side projection of item status per appointment.
type Tracker struct {
	mu    sync.RWMutex
	items map[uuid.UUID]Item
	byApp map[uuid.UUID][]uuid.UUID
}

func NewTracker() *Tracker {
	return &Tracker{
		items: make(map[uuid.UUID]Item),
		byApp: make(map[uuid.UUID][]uuid.UUID),
	}
}

// Record applies a snapshot. Once an item is recorded in a terminal state
// later snapshots are ignored; the return value reports whether it applied.
func (t *Tracker) Record(it Item) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.items[it.ID]
	if ok && prev.Status.Terminal() {
		return false
	}
	if !ok {
		t.byApp[it.AppointmentID] = append(t.byApp[it.AppointmentID], it.ID)
	}
	t.items[it.ID] = it
	return true
}

// Status returns copies of every item planned for the appointment, ordered by
// plan generation then ScheduledFor.
func (t *Tracker) Status(appointmentID uuid.UUID) []Item {
	t.mu.RLock()
	ids := t.byApp[appointmentID]
	out := make([]Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.items[id])
	}
	t.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Generation != out[j].Generation {
			return out[i].Generation < out[j].Generation
		}
		if !out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].ScheduledFor.Before(out[j].ScheduledFor)
		}
		return out[i].rank < out[j].rank
	})
	return out
}

type Stats struct {
	Total       int     `json:"total_reminders"`
	Pending     int     `json:"pending_reminders"`
	Sent        int     `json:"sent_reminders"`
	Failed      int     `json:"failed_reminders"`
	Cancelled   int     `json:"cancelled_reminders"`
	Skipped     int     `json:"skipped_reminders"`
	SuccessRate float64 `json:"success_rate"`
}

// Stats aggregates status counts across all appointments. SuccessRate is the
// percentage of items that ended Sent.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var s Stats
	for _, it := range t.items {
		s.Total++
		switch it.Status {
		case StatusPending:
			s.Pending++
		case StatusSent:
			s.Sent++
		case StatusFailed:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		case StatusSkipped:
			s.Skipped++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Sent) / float64(s.Total) * 100
	}
	return s
}
