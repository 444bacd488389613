package transport

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/hackgods/appointment-reminders/internal/reminder"
)

type sendGridAPI interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridEmail delivers email reminders through the SendGrid v3 API.
type SendGridEmail struct {
	api  sendGridAPI
	from *mail.Email
}

func NewSendGridEmail(apiKey, fromAddress, fromName string) (*SendGridEmail, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("sendgrid api key must be provided")
	}
	if fromAddress == "" {
		return nil, fmt.Errorf("sendgrid from address must be provided")
	}
	return &SendGridEmail{
		api:  sendgrid.NewSendClient(apiKey),
		from: mail.NewEmail(fromName, fromAddress),
	}, nil
}

func (s *SendGridEmail) Send(ctx context.Context, address string, msg reminder.Message) error {
	if address == "" {
		return fmt.Errorf("%w: no email address", reminder.ErrPermanentFailure)
	}

	to := mail.NewEmail("", address)
	email := mail.NewSingleEmail(s.from, msg.Subject, to, msg.Body, htmlBody(msg.Body))

	resp, err := s.api.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("send email to %s: %w", address, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if isPermanentStatus(resp.StatusCode) {
		return fmt.Errorf("%w: send email to %s: sendgrid %d: %s", reminder.ErrPermanentFailure, address, resp.StatusCode, resp.Body)
	}
	return fmt.Errorf("send email to %s: sendgrid %d: %s", address, resp.StatusCode, http.StatusText(resp.StatusCode))
}

func htmlBody(text string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, para := range strings.Split(text, "\n\n") {
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>")
	}
	b.WriteString("</body></html>")
	return b.String()
}

