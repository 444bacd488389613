package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/hackgods/appointment-reminders/internal/reminder"
)

var ErrSimulatedOutage = errors.New("simulated transport outage")

// Simulated is an in-process transport for load simulation. Each send fails
// transiently with probability TransientRate and permanently with
// probability PermanentRate.
type Simulated struct {
	Name          string
	TransientRate float64
	PermanentRate float64

	mu  sync.Mutex
	rng *rand.Rand

	sent      atomic.Int64
	transient atomic.Int64
	permanent atomic.Int64
}

func NewSimulated(name string, transientRate, permanentRate float64, seed uint64) *Simulated {
	return &Simulated{
		Name:          name,
		TransientRate: transientRate,
		PermanentRate: permanentRate,
		rng:           rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (s *Simulated) Send(ctx context.Context, address string, _ reminder.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if address == "" {
		s.permanent.Add(1)
		return fmt.Errorf("%w: %s: empty address", reminder.ErrPermanentFailure, s.Name)
	}

	s.mu.Lock()
	roll := s.rng.Float64()
	s.mu.Unlock()

	switch {
	case roll < s.PermanentRate:
		s.permanent.Add(1)
		return fmt.Errorf("%w: %s rejected %s", reminder.ErrPermanentFailure, s.Name, address)
	case roll < s.PermanentRate+s.TransientRate:
		s.transient.Add(1)
		return fmt.Errorf("%s: %w", s.Name, ErrSimulatedOutage)
	}
	s.sent.Add(1)
	return nil
}

type SimulatedCounts struct {
	Sent      int64
	Transient int64
	Permanent int64
}

func (s *Simulated) Counts() SimulatedCounts {
	return SimulatedCounts{
		Sent:      s.sent.Load(),
		Transient: s.transient.Load(),
		Permanent: s.permanent.Load(),
	}
}
