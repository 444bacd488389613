package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hackgods/appointment-reminders/internal/reminder"
)

// ChatWebhook posts reminders to a messaging gateway that accepts a JSON
// payload of recipient and text.
type ChatWebhook struct {
	url    string
	client *http.Client
}

type chatPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
	Text    string `json:"text"`
}

func NewChatWebhook(url string, timeout time.Duration) (*ChatWebhook, error) {
	if url == "" {
		return nil, fmt.Errorf("chat webhook url must be provided")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ChatWebhook{url: url, client: &http.Client{Timeout: timeout}}, nil
}

func (c *ChatWebhook) Send(ctx context.Context, address string, msg reminder.Message) error {
	if address == "" {
		return fmt.Errorf("%w: no chat handle", reminder.ErrPermanentFailure)
	}

	body, err := json.Marshal(chatPayload{To: address, Subject: msg.Subject, Text: msg.Body})
	if err != nil {
		return fmt.Errorf("%w: encode chat payload: %v", reminder.ErrPermanentFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build chat request: %v", reminder.ErrPermanentFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post chat message to %s: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if isPermanentStatus(resp.StatusCode) {
		return fmt.Errorf("%w: post chat message to %s: status %d: %s", reminder.ErrPermanentFailure, address, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return fmt.Errorf("post chat message to %s: status %d", address, resp.StatusCode)
}
