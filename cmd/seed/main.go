package main

import (
	"context"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-reminders/internal/db"
	"github.com/hackgods/appointment-reminders/internal/logging"
	"github.com/hackgods/appointment-reminders/internal/reminder"
)

const (
	patientCount       = 2000
	appointmentsPerPat = 2
	batchSize          = 500
)

var appointmentTypes = []string{
	"checkup",
	"follow-up",
	"consultation",
	"dental",
	"vaccination",
	"physiotherapy",
	"lab work",
}

var channels = []reminder.Channel{
	reminder.ChannelSMS,
	reminder.ChannelEmail,
	reminder.ChannelChat,
	reminder.ChannelCall,
}

func main() {
	logger := logging.New(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"), "seed")
	logger.Info().Msg("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		logger.Fatal().Msg("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn, db.DefaultPoolOptions())
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := db.Migrate(context.Background(), pool); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}

	gofakeit.Seed(time.Now().UnixNano())

	if err := seedPatients(context.Background(), pool, patientCount, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed patients")
	}

	logger.Info().Msg("seed complete")
}

// seedPatients inserts patients with contact details, per-channel consent,
// a few opt-outs and upcoming appointments carrying a stored risk score.
func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int, logger zerolog.Logger) error {
	logger.Info().Int("count", count).Msg("seeding patients")

	now := time.Now().UTC()

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			if err := seedPatient(ctx, tx, now); err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		logger.Info().Int("seeded", end).Int("total", count).Msg("patients seeded")
	}

	return nil
}

func seedPatient(ctx context.Context, tx pgx.Tx, now time.Time) error {
	id := uuid.New()

	var phone, email *string
	if gofakeit.Float64Range(0, 1) < 0.9 {
		p := "+1" + gofakeit.Numerify("##########")
		phone = &p
	}
	if gofakeit.Float64Range(0, 1) < 0.85 {
		e := gofakeit.Email()
		email = &e
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO patients (id, name, phone, email, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
	`, id, gofakeit.Name(), phone, email)
	if err != nil {
		return err
	}

	for _, ch := range channels {
		// Roughly one channel in ten has no consent record at all.
		if gofakeit.Float64Range(0, 1) < 0.1 {
			continue
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO patient_consents (patient_id, channel, granted, updated_at)
			VALUES ($1, $2, $3, now())
		`, id, string(ch), gofakeit.Float64Range(0, 1) < 0.85)
		if err != nil {
			return err
		}
	}

	if gofakeit.Float64Range(0, 1) < 0.05 {
		ch := channels[gofakeit.Number(0, len(channels)-1)]
		_, err := tx.Exec(ctx, `
			INSERT INTO channel_opt_outs (patient_id, channel, opted_out_at)
			VALUES ($1, $2, now())
		`, id, string(ch))
		if err != nil {
			return err
		}
	}

	for j := 0; j < appointmentsPerPat; j++ {
		apptID := uuid.New()
		scheduled := now.Add(time.Duration(gofakeit.Number(3, 14*24)) * time.Hour).Truncate(15 * time.Minute)
		bookedAt := now.Add(-time.Duration(gofakeit.Number(0, 30*24)) * time.Hour)

		_, err := tx.Exec(ctx, `
			INSERT INTO appointments (id, patient_id, clinic_id, scheduled_time, booked_at, appointment_type, status, created_at, updated_at)
			VALUES ($1, $2, NULL, $3, $4, $5, 'scheduled', now(), now())
		`, apptID, id, scheduled, bookedAt, appointmentTypes[gofakeit.Number(0, len(appointmentTypes)-1)])
		if err != nil {
			return err
		}

		// Most appointments score low; a tail is high risk.
		prob := gofakeit.Float64Range(0, 0.2)
		if gofakeit.Float64Range(0, 1) < 0.3 {
			prob = gofakeit.Float64Range(0.2, 0.8)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO risk_scores (appointment_id, probability, model_version, computed_at)
			VALUES ($1, $2, 'seed-gbm-1', now())
		`, apptID, prob)
		if err != nil {
			return err
		}
	}

	return nil
}
