package reminder

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-reminders/internal/audit"
)

type tickOutcome int

const (
	tickNone tickOutcome = iota
	tickSent
	tickRetried
	tickFailed
	tickSkipped
	tickCancelled
	tickBusy
)

// dispatchItem runs one due item through consent, dispatch and the retry or
// escalation bookkeeping. The item's ownership token is held for the whole
// call; p.mu is only held around bookkeeping.
func (e *Engine) dispatchItem(ctx context.Context, p *plan, it *Item, now time.Time) tickOutcome {
	key := itemLockKey(it.ID)
	token, ok, err := e.locker.TryLock(ctx, key)
	if err != nil || !ok {
		if err != nil {
			e.log.Error().Err(err).Str("item_id", it.ID.String()).Msg("acquire item token for dispatch")
		}
		p.mu.Lock()
		if !it.Status.Terminal() {
			e.scheduler.Enqueue(it)
		}
		p.mu.Unlock()
		return tickBusy
	}
	defer func() {
		if err := e.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			e.log.Warn().Err(err).Str("item_id", it.ID.String()).Msg("release item token")
		}
	}()

	p.mu.Lock()
	if it.Status.Terminal() {
		p.mu.Unlock()
		return tickNone
	}
	if out, stop := e.preflight(ctx, p, it, now); stop {
		p.mu.Unlock()
		return out
	}
	snap := it.snapshot()
	p.mu.Unlock()

	decision := e.gate.Check(ctx, snap)

	p.mu.Lock()
	// A cancellation that arrived during the consent lookup still wins.
	if out, stop := e.preflight(ctx, p, it, now); stop {
		p.mu.Unlock()
		return out
	}
	if !decision.Allowed {
		e.skipItem(ctx, p, it, SkipNoConsent, now, map[string]any{"deny_reason": decision.Reason})
		p.mu.Unlock()
		return tickSkipped
	}
	it.AttemptCount++
	it.UpdatedAt = now
	snap = it.snapshot()
	appt := p.appt
	contact := p.contact
	e.tracker.Record(snap)
	p.mu.Unlock()

	res := e.dispatcher.Send(ctx, SendRequest{
		Item:    snap,
		Address: contact.AddressFor(snap.Channel),
		Message: Message{
			Subject: subjectFor(appt),
			Body:    renderMessage(snap.Template, snap.Channel, appt, contact),
		},
		Attempt: snap.AttemptCount,
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	return e.applyResult(ctx, p, it, res, now)
}

// preflight resolves items that must not reach the transport. Caller holds
// p.mu.
func (e *Engine) preflight(ctx context.Context, p *plan, it *Item, now time.Time) (tickOutcome, bool) {
	if it.cancelRequested || p.appt.Status != AppointmentScheduled {
		it.cancelRequested = false
		e.scheduler.Remove(it.ID)
		e.cancelItem(ctx, p, it, "cancelled_before_send", now)
		return tickCancelled, true
	}
	if !now.Before(p.appt.ScheduledTime) {
		e.skipItem(ctx, p, it, SkipAppointmentPassed, now, nil)
		return tickSkipped, true
	}
	return tickNone, false
}

// applyResult records the dispatch outcome. Caller holds p.mu.
func (e *Engine) applyResult(ctx context.Context, p *plan, it *Item, res Result, now time.Time) tickOutcome {
	if res.Err != nil {
		it.LastError = res.Err.Error()
	}

	switch res.Outcome {
	case OutcomeSuccess:
		it.LastError = ""
		if err := it.transition(StatusSent, "", now); err != nil {
			return tickNone
		}
		e.tracker.Record(it.snapshot())
		e.resolveDeferredCancel(ctx, p, it)
		return tickSent

	case OutcomePermanent:
		e.failItem(ctx, p, it, "permanent_failure", now)
		return tickFailed
	}

	if it.cancelRequested || p.appt.Status != AppointmentScheduled {
		it.cancelRequested = false
		e.cancelItem(ctx, p, it, "deferred_cancellation", now)
		return tickCancelled
	}

	if e.cfg.Retry.Exhausted(it.AttemptCount) {
		e.failItem(ctx, p, it, "retries_exhausted", now)
		e.escalate(ctx, p, it, now)
		return tickFailed
	}

	next := now.Add(e.cfg.Retry.Backoff(it.AttemptCount))
	if !next.Before(p.appt.ScheduledTime) {
		e.failItem(ctx, p, it, "no_retry_window", now)
		e.escalate(ctx, p, it, now)
		return tickFailed
	}

	it.DueAt = next
	it.UpdatedAt = now
	e.tracker.Record(it.snapshot())
	e.scheduler.Enqueue(it)
	e.record(ctx, audit.ActorScheduler, audit.ActionRetryScheduled, it.ID.String(), p.appt.ID, map[string]any{
		"attempt_count":   it.AttemptCount,
		"next_attempt_at": next.UTC().Format(time.RFC3339),
		"last_error":      it.LastError,
	})
	return tickRetried
}

// escalate adds one phone call to a High-tier plan after an item exhausted
// its retries. At most one escalation exists per plan generation, and none is
// added when a planned call has already run or is already due. A queued
// escalation replaces any planned call still waiting. Caller holds p.mu.
func (e *Engine) escalate(ctx context.Context, p *plan, source *Item, now time.Time) {
	if source.Tier != TierHigh {
		return
	}

	suppress := func(reason string) {
		e.record(ctx, audit.ActorScheduler, audit.ActionEscalationSuppressed, source.ID.String(), p.appt.ID, map[string]any{
			"reason": reason,
		})
	}
	switch {
	case p.escalated:
		suppress("already_escalated")
		return
	case p.callCovered(now):
		suppress("call_already_covered")
		return
	case p.appt.Status != AppointmentScheduled:
		suppress("appointment_closed")
		return
	case !now.Before(p.appt.ScheduledTime):
		suppress("appointment_passed")
		return
	}

	p.escalated = true
	call := &Item{
		ID:            uuid.New(),
		AppointmentID: p.appt.ID,
		PatientID:     p.appt.PatientID,
		Generation:    p.generation,
		Tier:          source.Tier,
		Channel:       ChannelCall,
		Template:      TemplateCall,
		Offset:        p.appt.ScheduledTime.Sub(now),
		ScheduledFor:  now,
		DueAt:         now,
		Status:        StatusPending,
		Escalation:    true,
		UpdatedAt:     now,
		rank:          e.cfg.Policy.ChannelRank(ChannelCall),
	}
	if p.contact.AddressFor(ChannelCall) == "" {
		call.Status = StatusSkipped
		call.SkipReason = SkipNoContact
	}
	p.items = append(p.items, call)
	e.tracker.Record(call.snapshot())

	e.record(ctx, audit.ActorScheduler, audit.ActionEscalationCreated, call.ID.String(), p.appt.ID, map[string]any{
		"source_item_id": source.ID.String(),
		"source_channel": string(source.Channel),
		"status":         call.StatusLabel(),
	})
	if call.Status == StatusPending {
		e.scheduler.Enqueue(call)
		e.supersedePlannedCalls(ctx, p, now)
	}
}

// supersedePlannedCalls cancels the later planned calls of the current
// generation once an escalation call is queued, so the patient is phoned once.
// Caller holds p.mu.
func (e *Engine) supersedePlannedCalls(ctx context.Context, p *plan, now time.Time) {
	for _, it := range p.items {
		if it.Generation != p.generation || it.Channel != ChannelCall || it.Escalation || it.Status != StatusPending {
			continue
		}
		key := itemLockKey(it.ID)
		token, ok, err := e.locker.TryLock(ctx, key)
		if err != nil || !ok {
			continue
		}
		e.scheduler.Remove(it.ID)
		e.cancelItem(ctx, p, it, "superseded_by_escalation", now)
		if err := e.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			e.log.Warn().Err(err).Str("item_id", it.ID.String()).Msg("release item token")
		}
	}
}

// callCovered reports whether a call in the current generation has been sent,
// tried, or is pending and already due.
func (p *plan) callCovered(now time.Time) bool {
	for _, it := range p.items {
		if it.Generation != p.generation || it.Channel != ChannelCall {
			continue
		}
		if it.Status == StatusSent || it.AttemptCount > 0 {
			return true
		}
		if it.Status == StatusPending && !it.DueAt.After(now) {
			return true
		}
	}
	return false
}
