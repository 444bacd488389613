// Package transport holds the channel transports the dispatcher sends
// through. Every transport reports rejections it will never recover from by
// wrapping reminder.ErrPermanentFailure; anything else is retried.
package transport

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/hackgods/appointment-reminders/internal/reminder"
)

// twilioAPI is the slice of the Twilio REST API the transports use.
type twilioAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
}

const defaultTwilioTimeout = 15 * time.Second

type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string

	// Timeout bounds each REST call. The Twilio client takes no context, so
	// this is what stops a slow request from holding an item's token.
	Timeout time.Duration
}

func newTwilioAPI(opts TwilioOpts) (twilioAPI, error) {
	if opts.AccountSID == "" || opts.AuthToken == "" {
		return nil, fmt.Errorf("twilio account SID and auth token must be provided")
	}
	if opts.FromNumber == "" {
		return nil, fmt.Errorf("twilio from number must be provided")
	}
	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: opts.AccountSID,
		Password: opts.AuthToken,
		Client:   twilioBaseClient(opts),
	})
	return rc.Api, nil
}

func twilioBaseClient(opts TwilioOpts) *twclient.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTwilioTimeout
	}
	base := &twclient.Client{
		Credentials: twclient.NewCredentials(opts.AccountSID, opts.AuthToken),
		HTTPClient:  &http.Client{Timeout: timeout},
	}
	base.SetAccountSid(opts.AccountSID)
	return base
}

// TwilioSMS sends SMS reminders.
type TwilioSMS struct {
	api  twilioAPI
	from string
}

func NewTwilioSMS(opts TwilioOpts) (*TwilioSMS, error) {
	api, err := newTwilioAPI(opts)
	if err != nil {
		return nil, err
	}
	return &TwilioSMS{api: api, from: opts.FromNumber}, nil
}

func (t *TwilioSMS) Send(ctx context.Context, address string, msg reminder.Message) error {
	if address == "" {
		return fmt.Errorf("%w: no phone number", reminder.ErrPermanentFailure)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(address)
	params.SetFrom(t.from)
	params.SetBody(msg.Body)

	if _, err := t.api.CreateMessage(params); err != nil {
		return classifyTwilio(fmt.Sprintf("send sms to %s", address), err)
	}
	return nil
}

// TwilioCall places a voice call that reads the reminder aloud.
type TwilioCall struct {
	api  twilioAPI
	from string
}

func NewTwilioCall(opts TwilioOpts) (*TwilioCall, error) {
	api, err := newTwilioAPI(opts)
	if err != nil {
		return nil, err
	}
	return &TwilioCall{api: api, from: opts.FromNumber}, nil
}

func (t *TwilioCall) Send(ctx context.Context, address string, msg reminder.Message) error {
	if address == "" {
		return fmt.Errorf("%w: no phone number", reminder.ErrPermanentFailure)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(address)
	params.SetFrom(t.from)
	params.SetTwiml(callTwiml(msg.Body))

	if _, err := t.api.CreateCall(params); err != nil {
		return classifyTwilio(fmt.Sprintf("place call to %s", address), err)
	}
	return nil
}

func callTwiml(script string) string {
	return `<Response><Say voice="alice">` + html.EscapeString(script) + `</Say></Response>`
}

// classifyTwilio marks 4xx API rejections other than rate limiting as
// permanent.
func classifyTwilio(op string, err error) error {
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) && isPermanentStatus(restErr.Status) {
		return fmt.Errorf("%w: %s: twilio %d: %s", reminder.ErrPermanentFailure, op, restErr.Code, restErr.Message)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isPermanentStatus(status int) bool {
	return status >= 400 && status < 500 &&
		status != http.StatusTooManyRequests &&
		status != http.StatusRequestTimeout
}
