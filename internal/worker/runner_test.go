package worker

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/appointment-reminders/internal/reminder"
)

type countingTicker struct {
	mu    sync.Mutex
	times []time.Time
	hasDL bool
}

func (c *countingTicker) Tick(ctx context.Context, now time.Time) reminder.TickSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.times = append(c.times, now)
	_, c.hasDL = ctx.Deadline()
	return reminder.TickSummary{Due: 2, Sent: 1, Retried: 1}
}

func (c *countingTicker) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.times)
}

func TestRunOnceUsesClockAndDeadline(t *testing.T) {
	var buf bytes.Buffer
	tk := &countingTicker{}
	r := NewRunner(tk, time.Minute, 10*time.Second, zerolog.New(&buf))
	fixed := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	summary := r.RunOnce(context.Background())

	assert.Equal(t, 1, summary.Sent)
	require.Len(t, tk.times, 1)
	assert.Equal(t, fixed, tk.times[0])
	assert.True(t, tk.hasDL)
	assert.Contains(t, buf.String(), `"message":"tick complete"`)
	assert.Contains(t, buf.String(), `"due":2`)
}

func TestRunStopsOnCancel(t *testing.T) {
	tk := &countingTicker{}
	r := NewRunner(tk, 10*time.Millisecond, 0, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return tk.count() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}

func TestNewRunnerClampsTimeout(t *testing.T) {
	r := NewRunner(&countingTicker{}, time.Second, time.Hour, zerolog.Nop())
	assert.Equal(t, time.Second, r.timeout)

	r = NewRunner(&countingTicker{}, 0, 0, zerolog.Nop())
	assert.Equal(t, time.Minute, r.interval)
	assert.Equal(t, time.Minute, r.timeout)
}
