package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-reminders/internal/audit"
	"github.com/hackgods/appointment-reminders/internal/directory"
	"github.com/hackgods/appointment-reminders/internal/logging"
	"github.com/hackgods/appointment-reminders/internal/reminder"
	"github.com/hackgods/appointment-reminders/internal/risk"
	"github.com/hackgods/appointment-reminders/internal/transport"
)

// SimConfig drives an in-process run of the reminder engine against a
// virtual clock and simulated transports.
type SimConfig struct {
	Appointments    int
	Horizon         time.Duration
	Step            time.Duration
	Workers         int
	TransientRate   float64
	PermanentRate   float64
	ConsentRate     float64
	CancelRatio     float64
	RescheduleRatio float64
	Seed            int64
	LogLevel        string
}

// virtualClock is shared by the engine and the driver loop.
type virtualClock struct {
	nanos atomic.Int64
}

func newVirtualClock(start time.Time) *virtualClock {
	c := &virtualClock{}
	c.nanos.Store(start.UnixNano())
	return c
}

func (c *virtualClock) Now() time.Time {
	return time.Unix(0, c.nanos.Load()).UTC()
}

func (c *virtualClock) Advance(d time.Duration) time.Time {
	return time.Unix(0, c.nanos.Add(int64(d))).UTC()
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[min2(len(latencies)*50/100, len(latencies)-1)]
	p95 = latencies[min2(len(latencies)*95/100, len(latencies)-1)]
	return avg, min, max, p50, p95
}

type Metrics struct {
	Submit     OperationMetrics
	Cancel     OperationMetrics
	Reschedule OperationMetrics
	Tick       OperationMetrics
}

type Simulator struct {
	config     SimConfig
	clock      *virtualClock
	engine     *reminder.Engine
	directory  *directory.Memory
	scores     *risk.Static
	auditStore *audit.MemoryStore
	transports map[reminder.Channel]*transport.Simulated
	rng        *rand.Rand
	metrics    Metrics

	appointments []uuid.UUID
	tickTotals   reminder.TickSummary
}

func main() {
	cfg := loadConfig()
	logger := logging.New("dev", cfg.LogLevel, "simulate")

	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	logger.Info().
		Int("appointments", cfg.Appointments).
		Dur("horizon", cfg.Horizon).
		Dur("step", cfg.Step).
		Int("workers", cfg.Workers).
		Float64("transient_rate", cfg.TransientRate).
		Float64("permanent_rate", cfg.PermanentRate).
		Msg("simulator starting")

	sim, err := newSimulator(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build simulator")
	}

	ctx := context.Background()
	sim.Populate(ctx)
	sim.Run(ctx)
	sim.PrintReport(ctx)
}

func loadConfig() SimConfig {
	_ = godotenv.Load()

	return SimConfig{
		Appointments:    getInt("SIM_APPOINTMENTS", 500),
		Horizon:         getDuration("SIM_HORIZON", 7*24*time.Hour),
		Step:            getDuration("SIM_STEP", 5*time.Minute),
		Workers:         getInt("SIM_WORKERS", 16),
		TransientRate:   getFloat("SIM_TRANSIENT_RATE", 0.15),
		PermanentRate:   getFloat("SIM_PERMANENT_RATE", 0.02),
		ConsentRate:     getFloat("SIM_CONSENT_RATE", 0.9),
		CancelRatio:     getFloat("SIM_CANCEL_RATIO", 0.08),
		RescheduleRatio: getFloat("SIM_RESCHEDULE_RATIO", 0.05),
		Seed:            int64(getInt("SIM_SEED", 42)),
		LogLevel:        getEnv("LOG_LEVEL", "warn"),
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.Appointments <= 0 {
		return fmt.Errorf("SIM_APPOINTMENTS must be > 0")
	}
	if cfg.Horizon <= 2*time.Hour {
		return fmt.Errorf("SIM_HORIZON must be longer than 2h")
	}
	if cfg.Step <= 0 || cfg.Horizon < cfg.Step {
		return fmt.Errorf("SIM_STEP must be > 0 and no longer than SIM_HORIZON")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.TransientRate+cfg.PermanentRate > 1 {
		return fmt.Errorf("SIM_TRANSIENT_RATE + SIM_PERMANENT_RATE must not exceed 1")
	}
	return nil
}

func newSimulator(cfg SimConfig, logger zerolog.Logger) (*Simulator, error) {
	clock := newVirtualClock(time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC))

	sim := &Simulator{
		config:     cfg,
		clock:      clock,
		directory:  directory.NewMemory(),
		scores:     risk.NewStatic(),
		auditStore: audit.NewMemoryStore(),
		transports: make(map[reminder.Channel]*transport.Simulated),
		rng:        rand.New(rand.NewSource(cfg.Seed)),
	}

	for i, ch := range []reminder.Channel{reminder.ChannelSMS, reminder.ChannelEmail, reminder.ChannelChat, reminder.ChannelCall} {
		sim.transports[ch] = transport.NewSimulated(string(ch), cfg.TransientRate, cfg.PermanentRate, uint64(cfg.Seed)+uint64(i))
	}

	engineCfg := reminder.DefaultConfig()
	engineCfg.Now = clock.Now
	engineCfg.Workers = cfg.Workers
	// Breaker timeouts run on wall time, which does not advance with the
	// virtual clock.
	engineCfg.Dispatch.BreakerEnabled = false

	engine, err := reminder.NewEngine(reminder.Deps{
		Risk:      sim.scores,
		Directory: sim.directory,
		Transports: reminder.Transports{
			SMS:   sim.transports[reminder.ChannelSMS],
			Email: sim.transports[reminder.ChannelEmail],
			Chat:  sim.transports[reminder.ChannelChat],
			Call:  sim.transports[reminder.ChannelCall],
		},
		Audit:  audit.NewLogger(sim.auditStore, logger).WithClock(clock.Now),
		Logger: logger,
	}, engineCfg)
	if err != nil {
		return nil, err
	}
	sim.engine = engine
	return sim, nil
}

// Populate books every simulated appointment at the start of the run with a
// random lead time inside the horizon.
func (s *Simulator) Populate(ctx context.Context) {
	faker := gofakeit.New(uint64(s.config.Seed))
	now := s.clock.Now()

	for i := 0; i < s.config.Appointments; i++ {
		patientID := uuid.New()
		contact := reminder.ContactInfo{Name: faker.Name()}
		if faker.Float64Range(0, 1) < 0.92 {
			contact.Phone = "+1" + faker.Numerify("##########")
		}
		if faker.Float64Range(0, 1) < 0.88 {
			contact.Email = faker.Email()
		}
		s.directory.PutContact(patientID, contact)

		for _, ch := range []reminder.Channel{reminder.ChannelSMS, reminder.ChannelEmail, reminder.ChannelCall} {
			if s.rng.Float64() < s.config.ConsentRate {
				_ = s.directory.SetConsent(ctx, patientID, ch, true)
			}
		}
		if s.rng.Float64() < 0.03 {
			s.directory.OptOut(patientID, reminder.ChannelSMS)
		}

		apptID := uuid.New()
		prob := s.rng.Float64() * 0.2
		if s.rng.Float64() < 0.35 {
			prob = 0.2 + s.rng.Float64()*0.6
		}
		_ = s.scores.Store(ctx, apptID, reminder.Prediction{Probability: prob, ModelVersion: "sim-gbm"})

		lead := time.Duration(s.rng.Int63n(int64(s.config.Horizon-time.Hour))) + time.Hour
		appt := reminder.Appointment{
			ID:            apptID,
			PatientID:     patientID,
			ClinicID:      uuid.New(),
			ScheduledTime: now.Add(lead).Truncate(15 * time.Minute).Add(15 * time.Minute),
			BookedAt:      now,
			Type:          faker.RandomString([]string{"checkup", "follow-up", "dental", "consultation"}),
		}

		start := time.Now()
		_, err := s.engine.SubmitAppointment(ctx, appt)
		s.metrics.Submit.Record(time.Since(start), err == nil, false)
		if err == nil {
			s.appointments = append(s.appointments, apptID)
		}
	}
}

// Run steps the virtual clock across the horizon, ticking the engine and
// occasionally cancelling or moving an appointment.
func (s *Simulator) Run(ctx context.Context) {
	end := s.clock.Now().Add(s.config.Horizon)
	steps := int(s.config.Horizon / s.config.Step)
	cancelPerStep := s.config.CancelRatio / float64(steps)
	reschedulePerStep := s.config.RescheduleRatio / float64(steps)

	for now := s.clock.Now(); now.Before(end); now = s.clock.Advance(s.config.Step) {
		for _, id := range s.appointments {
			r := s.rng.Float64()
			switch {
			case r < cancelPerStep:
				s.doCancel(ctx, id)
			case r < cancelPerStep+reschedulePerStep:
				s.doReschedule(ctx, id, now)
			}
		}

		start := time.Now()
		summary := s.engine.Tick(ctx, now)
		s.metrics.Tick.Record(time.Since(start), true, false)
		s.addTick(summary)
	}
}

func (s *Simulator) doCancel(ctx context.Context, id uuid.UUID) {
	start := time.Now()
	summary, err := s.engine.CancelAppointment(ctx, id)
	conflict := err == nil && summary.AlreadyClosed
	s.metrics.Cancel.Record(time.Since(start), err == nil && !conflict, conflict)
}

func (s *Simulator) doReschedule(ctx context.Context, id uuid.UUID, now time.Time) {
	newTime := now.Add(time.Duration(s.rng.Int63n(int64(96*time.Hour))) + 2*time.Hour).Truncate(15 * time.Minute)

	start := time.Now()
	_, err := s.engine.RescheduleAppointment(ctx, id, newTime)
	latency := time.Since(start)

	switch {
	case err == nil:
		s.metrics.Reschedule.Record(latency, true, false)
	case errors.Is(err, reminder.ErrAppointmentClosed):
		s.metrics.Reschedule.Record(latency, false, true)
	default:
		s.metrics.Reschedule.Record(latency, false, false)
	}
}

func (s *Simulator) addTick(t reminder.TickSummary) {
	s.tickTotals.Due += t.Due
	s.tickTotals.Sent += t.Sent
	s.tickTotals.Retried += t.Retried
	s.tickTotals.Failed += t.Failed
	s.tickTotals.Skipped += t.Skipped
	s.tickTotals.Cancelled += t.Cancelled
	s.tickTotals.Busy += t.Busy
}

func (s *Simulator) PrintReport(ctx context.Context) {
	fmt.Println("\n" + repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(repeat("=", 80))
	fmt.Printf("Appointments: %d\n", len(s.appointments))
	fmt.Printf("Virtual horizon: %s in steps of %s\n", s.config.Horizon, s.config.Step)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Submit", &s.metrics.Submit)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Reschedule", &s.metrics.Reschedule)
	printOperationReport("Tick", &s.metrics.Tick)

	t := s.tickTotals
	fmt.Println("Dispatch:")
	fmt.Printf("  Due: %d  Sent: %d  Retried: %d  Failed: %d  Skipped: %d  Cancelled: %d  Busy: %d\n",
		t.Due, t.Sent, t.Retried, t.Failed, t.Skipped, t.Cancelled, t.Busy)
	fmt.Println()

	stats := s.engine.Stats()
	fmt.Println("Reminders:")
	fmt.Printf("  Total: %d  Pending: %d  Sent: %d  Failed: %d  Cancelled: %d  Skipped: %d\n",
		stats.Total, stats.Pending, stats.Sent, stats.Failed, stats.Cancelled, stats.Skipped)
	fmt.Printf("  Success rate: %.1f%%\n", stats.SuccessRate)
	fmt.Println()

	fmt.Println("Transports:")
	for _, ch := range []reminder.Channel{reminder.ChannelSMS, reminder.ChannelEmail, reminder.ChannelChat, reminder.ChannelCall} {
		c := s.transports[ch].Counts()
		fmt.Printf("  %-6s sent=%d transient=%d permanent=%d\n", ch, c.Sent, c.Transient, c.Permanent)
	}
	fmt.Println()

	entries, err := s.engine.QueryAudit(ctx, audit.Filter{})
	if err != nil {
		fmt.Printf("Audit: query failed: %v\n", err)
		return
	}
	byAction := make(map[string]int)
	for _, e := range entries {
		byAction[e.Action]++
	}
	actions := make([]string, 0, len(byAction))
	for a := range byAction {
		actions = append(actions, a)
	}
	sort.Strings(actions)

	fmt.Printf("Audit (%d entries):\n", len(entries))
	for _, a := range actions {
		fmt.Printf("  %-28s %d\n", a, byAction[a])
	}
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	errCount := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if errCount > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", errCount, float64(errCount)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Microsecond), min.Round(time.Microsecond), max.Round(time.Microsecond),
		p50.Round(time.Microsecond), p95.Round(time.Microsecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func repeat(s string, n int) string {
	return strings.Repeat(s, n)
}

func min2(a, b int) int {
	if a < b {
		return a
	}
	return b
}
