package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-reminders/internal/api"
	"github.com/hackgods/appointment-reminders/internal/appointment"
	"github.com/hackgods/appointment-reminders/internal/audit"
	"github.com/hackgods/appointment-reminders/internal/config"
	"github.com/hackgods/appointment-reminders/internal/db"
	"github.com/hackgods/appointment-reminders/internal/directory"
	"github.com/hackgods/appointment-reminders/internal/logging"
	redisclient "github.com/hackgods/appointment-reminders/internal/redis"
	"github.com/hackgods/appointment-reminders/internal/reminder"
	"github.com/hackgods/appointment-reminders/internal/risk"
	"github.com/hackgods/appointment-reminders/internal/transport"
	"github.com/hackgods/appointment-reminders/internal/worker"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("dev", "info", "api-server")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel, "api-server")
	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.DefaultPoolOptions())
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	if err := db.Migrate(rootCtx, pgPool); err != nil {
		logger.Fatal().Err(err).Msg("schema migration failed")
	}

	// Redis is optional: without it ownership tokens are process-local.
	var (
		rdb        *redis.Client
		itemLocker reminder.Locker
		apptLocker redisclient.AppointmentLocker
	)
	if cfg.RedisEnabled {
		rdb, err = redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error().Err(err).Msg("error closing redis")
			}
		}()
		tokens := redisclient.NewTokenLocker(rdb, cfg.LockTTL)
		itemLocker, apptLocker = tokens, tokens
		logger.Info().Msg("connected to Redis")
	} else {
		itemLocker = reminder.NewMemoryLocker()
		apptLocker = redisclient.NewLocalAppointmentLocker()
		logger.Warn().Msg("redis disabled, using in-process locks")
	}

	engineCfg, err := engineConfig(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid reminder configuration")
	}

	dir := directory.NewPgDirectory(pgPool)
	scores := risk.NewPgProvider(pgPool)
	auditLog := audit.NewLogger(audit.NewPgStore(pgPool), logger)

	engine, err := reminder.NewEngine(reminder.Deps{
		Risk:       scores,
		Directory:  dir,
		Transports: buildTransports(cfg, logger),
		Audit:      auditLog,
		Locker:     itemLocker,
		Logger:     logger,
	}, engineCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("reminder engine init failed")
	}

	repo := appointment.NewPgRepository(pgPool)
	svc := appointment.NewService(repo, engine, scores, apptLocker, logger)

	if _, err := svc.Restore(rootCtx); err != nil {
		logger.Error().Err(err).Msg("failed to restore reminder plans")
	}

	runner := worker.NewRunner(engine, cfg.TickInterval, cfg.TickTimeout, logger)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		runner.Run(rootCtx)
	}()

	router := api.NewRouter(api.RouterConfig{
		Service:   svc,
		Reminders: engine,
		Consent:   dir,
		PgPool:    pgPool,
		Redis:     rdb,
		Logger:    logger,
		Env:       cfg.Env,
		Version:   version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	<-rootCtx.Done()
	logger.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown error")
	}

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("reminder worker did not stop before shutdown timeout")
	}
}

func engineConfig(cfg config.Config) (reminder.Config, error) {
	ec := reminder.DefaultConfig()
	if cfg.PolicyFile != "" {
		table, err := reminder.LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return reminder.Config{}, err
		}
		ec.Policy = table
	}
	ec.Retry = reminder.RetryPolicy{
		InitialBackoff: cfg.RetryInitialBackoff,
		Factor:         cfg.RetryBackoffFactor,
		MaxAttempts:    cfg.RetryMaxAttempts,
	}
	ec.Dispatch.FailureThreshold = cfg.BreakerFailureThreshold
	ec.Dispatch.OpenTimeout = cfg.BreakerOpenTimeout
	ec.Dispatch.SendTimeout = cfg.SendTimeout
	ec.Workers = cfg.DispatchWorker
	ec.FallbackPrediction = &reminder.Prediction{
		Probability:  cfg.DefaultNoShowProbability,
		ModelVersion: cfg.DefaultNoShowModelVersion,
	}
	return ec, nil
}

// buildTransports wires every channel whose credentials are present. Missing
// channels fail permanently at send time.
func buildTransports(cfg config.Config, logger zerolog.Logger) reminder.Transports {
	var ts reminder.Transports

	if cfg.TwilioConfigured() {
		opts := transport.TwilioOpts{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioFromNumber,
			Timeout:    cfg.SendTimeout,
		}
		if sms, err := transport.NewTwilioSMS(opts); err == nil {
			ts.SMS = sms
		} else {
			logger.Error().Err(err).Msg("twilio sms transport disabled")
		}
		if call, err := transport.NewTwilioCall(opts); err == nil {
			ts.Call = call
		} else {
			logger.Error().Err(err).Msg("twilio call transport disabled")
		}
	} else {
		logger.Warn().Msg("twilio not configured, sms and call channels disabled")
	}

	if cfg.SendGridAPIKey != "" {
		email, err := transport.NewSendGridEmail(cfg.SendGridAPIKey, cfg.FromEmail, cfg.FromName)
		if err != nil {
			logger.Error().Err(err).Msg("sendgrid email transport disabled")
		} else {
			ts.Email = email
		}
	} else {
		logger.Warn().Msg("sendgrid not configured, email channel disabled")
	}

	if cfg.ChatWebhookURL != "" {
		chat, err := transport.NewChatWebhook(cfg.ChatWebhookURL, cfg.SendTimeout)
		if err != nil {
			logger.Error().Err(err).Msg("chat transport disabled")
		} else {
			ts.Chat = chat
		}
	}

	if ts == (reminder.Transports{}) {
		logger.Warn().Msg("no transports configured, every reminder will fail permanently")
	}
	return ts
}
