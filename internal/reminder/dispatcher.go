package reminder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/hackgods/appointment-reminders/internal/audit"
)

// Message is what a transport delivers. Subject is only used by email.
type Message struct {
	Subject string
	Body    string
}

// Transport delivers one message to one address. Errors wrapping
// ErrPermanentFailure are never retried; every other error is transient.
type Transport interface {
	Send(ctx context.Context, address string, msg Message) error
}

// Transports holds one transport per channel. A nil entry means the channel
// is not configured and every send on it fails permanently.
type Transports struct {
	SMS   Transport
	Email Transport
	Chat  Transport
	Call  Transport
}

type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTransient Outcome = "transient_failure"
	OutcomePermanent Outcome = "permanent_failure"
)

type Result struct {
	Outcome Outcome
	Err     error
}

type SendRequest struct {
	Item    Item
	Address string
	Message Message
	Attempt int
}

// RetryPolicy is exponential backoff with a cap on total attempts.
type RetryPolicy struct {
	InitialBackoff time.Duration
	Factor         float64
	MaxAttempts    int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: 5 * time.Minute,
		Factor:         2,
		MaxAttempts:    3,
	}
}

func (p RetryPolicy) Validate() error {
	if p.InitialBackoff <= 0 || p.Factor < 1 || p.MaxAttempts < 1 {
		return fmt.Errorf("%w: retry policy %+v", ErrInvalidInput, p)
	}
	return nil
}

// Backoff is the delay before the next attempt after `attempt` failed
// attempts: 5m, 10m, 20m, ...
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(p.InitialBackoff) * math.Pow(p.Factor, float64(attempt-1)))
}

func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// DispatcherConfig configures per-channel circuit breakers and call timeouts.
type DispatcherConfig struct {
	// BreakerEnabled wraps every channel in its own circuit breaker.
	BreakerEnabled bool

	// FailureThreshold is the number of consecutive transient failures that
	// opens a channel's breaker.
	FailureThreshold uint32

	// OpenTimeout is how long a tripped breaker stays open.
	OpenTimeout time.Duration

	// SendTimeout bounds a single transport call.
	SendTimeout time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BreakerEnabled:   true,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		SendTimeout:      15 * time.Second,
	}
}

// Dispatcher executes one send attempt with a uniform result contract.
type Dispatcher struct {
	transports Transports
	breakers   map[Channel]*gobreaker.CircuitBreaker[struct{}]
	audit      Auditor
	cfg        DispatcherConfig
	log        zerolog.Logger
}

func NewDispatcher(transports Transports, auditor Auditor, cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		transports: transports,
		breakers:   make(map[Channel]*gobreaker.CircuitBreaker[struct{}]),
		audit:      auditor,
		cfg:        cfg,
		log:        logger.With().Str("component", "dispatcher").Logger(),
	}
	if cfg.BreakerEnabled {
		for _, ch := range []Channel{ChannelSMS, ChannelEmail, ChannelChat, ChannelCall} {
			d.breakers[ch] = d.newBreaker(ch)
		}
	}
	return d
}

func (d *Dispatcher) newBreaker(ch Channel) *gobreaker.CircuitBreaker[struct{}] {
	threshold := d.cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        string(ch),
		MaxRequests: 1,
		Timeout:     d.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A rejected recipient says nothing about the health of the channel.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrPermanentFailure)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.log.Warn().
				Str("channel", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("channel breaker state changed")
		},
	})
}

// transportFor is the per-channel handler table.
func (d *Dispatcher) transportFor(ch Channel) (Transport, error) {
	var t Transport
	switch ch {
	case ChannelSMS:
		t = d.transports.SMS
	case ChannelEmail:
		t = d.transports.Email
	case ChannelChat:
		t = d.transports.Chat
	case ChannelCall:
		t = d.transports.Call
	default:
		return nil, fmt.Errorf("%w: unknown channel %q", ErrPermanentFailure, ch)
	}
	if t == nil {
		return nil, fmt.Errorf("%w: channel %s is not configured", ErrPermanentFailure, ch)
	}
	return t, nil
}

// Send performs exactly one attempt and audits the attempt and its result.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) Result {
	it := req.Item
	d.record(ctx, it, audit.ActionDispatchAttempt, map[string]any{
		"attempt": req.Attempt,
		"channel": string(it.Channel),
	})

	res := d.send(ctx, it.Channel, req.Address, req.Message)

	details := map[string]any{
		"attempt": req.Attempt,
		"channel": string(it.Channel),
	}
	action := audit.ActionDispatchSucceeded
	switch res.Outcome {
	case OutcomeTransient:
		action = audit.ActionDispatchTransient
		details["error"] = res.Err.Error()
	case OutcomePermanent:
		action = audit.ActionDispatchPermanent
		details["error"] = res.Err.Error()
	}
	d.record(ctx, it, action, details)

	ev := d.log.Debug()
	if res.Err != nil {
		ev = d.log.Warn().Err(res.Err)
	}
	ev.Str("item_id", it.ID.String()).
		Str("channel", string(it.Channel)).
		Int("attempt", req.Attempt).
		Str("outcome", string(res.Outcome)).
		Msg("dispatch attempt finished")

	return res
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, address string, msg Message) Result {
	t, err := d.transportFor(ch)
	if err != nil {
		return Result{Outcome: OutcomePermanent, Err: err}
	}

	call := func() (struct{}, error) {
		sendCtx := ctx
		if d.cfg.SendTimeout > 0 {
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(ctx, d.cfg.SendTimeout)
			defer cancel()
		}
		return struct{}{}, t.Send(sendCtx, address, msg)
	}

	if cb, ok := d.breakers[ch]; ok {
		_, err = cb.Execute(call)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{Outcome: OutcomeTransient, Err: fmt.Errorf("%w: %s breaker: %v", ErrTransientFailure, ch, err)}
		}
	} else {
		_, err = call()
	}

	return classify(err)
}

func classify(err error) Result {
	switch {
	case err == nil:
		return Result{Outcome: OutcomeSuccess}
	case errors.Is(err, ErrPermanentFailure):
		return Result{Outcome: OutcomePermanent, Err: err}
	default:
		return Result{Outcome: OutcomeTransient, Err: err}
	}
}

func (d *Dispatcher) record(ctx context.Context, it Item, action string, details map[string]any) {
	_, err := d.audit.Append(context.WithoutCancel(ctx), audit.Entry{
		Actor:         audit.ActorDispatcher,
		Action:        action,
		SubjectID:     it.ID.String(),
		AppointmentID: it.AppointmentID.String(),
		Details:       details,
	})
	if err != nil {
		d.log.Error().Err(err).Str("action", action).Str("subject_id", it.ID.String()).Msg("audit write failed")
	}
}
