package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fmtmentor/server/internal/audit"
	"github.com/fmtmentor/server/internal/auth"
	"github.com/fmtmentor/server/internal/config"
	"github.com/fmtmentor/server/internal/db"
	httphandler "github.com/fmtmentor/server/internal/http"
	"github.com/fmtmentor/server/internal/http/handlers"
	"github.com/fmtmentor/server/internal/jobs"
	"github.com/fmtmentor/server/internal/logger"
	"github.com/fmtmentor/server/internal/metrics"
	"github.com/fmtmentor/server/internal/middleware"
	"github.com/fmtmentor/server/internal/notify"
	"github.com/fmtmentor/server/internal/repo"
	"github.com/fmtmentor/server/internal/repo/memory"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const otpRetention = 24 * time.Hour

func main() {
	// Load .env from CWD or server/ so it works from repo root or server/ (env vars override)
	_ = godotenv.Load(".env")
	_ = godotenv.Load("server/.env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zl, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
	zl.Info("server exited")
}

func run(ctx context.Context, cfg *config.Config, zl *zap.Logger) error {
	m := metrics.New()

	store, database, err := openStore(ctx, cfg, zl)
	if err != nil {
		return err
	}
	if database != nil {
		defer database.Close()
	}

	notifications := notify.NewDispatcher(notify.DispatcherConfig{
		Workers:       cfg.Notify.Workers,
		QueueSize:     cfg.Notify.QueueSize,
		Timeout:       cfg.Notify.Timeout,
		RatePerSecond: cfg.Notify.RatePerSecond,
	}, senders(cfg, zl), zl, m)
	defer notifications.Close()

	auditLog, closeAudit := auditRecorder(cfg, zl)
	defer closeAudit()

	devMode := cfg.IsDevelopment() && cfg.OTP.DevMode

	otps := auth.NewOtpEngine(store.Otps, auth.OtpConfig{
		Expiry:         cfg.OTP.Expiry,
		MaxAttempts:    cfg.OTP.MaxAttempts,
		Lockout:        cfg.OTP.Lockout,
		ResendCooldown: cfg.OTP.ResendCooldown,
		DevMode:        devMode,
	}, zl, m)
	devices := auth.NewDeviceRegistry(store.Devices, auth.DeviceConfig{
		MaxSessionsPerUser:   cfg.Device.MaxSessionsPerUser,
		MaxStreamingSessions: cfg.Device.MaxStreamingSessions,
		InactivityPeriod:     cfg.Device.InactivityPeriod,
		TrustClientID:        cfg.Device.TrustClientID,
	}, zl, m, auditLog)
	jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.JWTIssuer, cfg.AccessTokenTTL)
	tokens := auth.NewTokenService(jwtService, devices, store.RefreshTokens, store.Users, cfg.RefreshTokenTTL, devMode, zl, m, auditLog)

	creds, err := auth.NewBcryptVerifier(store.Users, 0)
	if err != nil {
		return err
	}
	authService := auth.NewAuthService(auth.Deps{
		Otp:         otps,
		Users:       store.Users,
		Credentials: creds,
		Hasher:      creds,
		Lockout:     auth.NewLockoutPolicy(store.Users, cfg.Login.MaxFailedAttempts, cfg.Login.Lockout),
		Tokens:      tokens,
		Devices:     devices,
		Notifier:    notify.NewNotifier(notifications, ""),
		Log:         zl,
		Metrics:     m,
		Audit:       auditLog,
	}, auth.ServiceConfig{
		OtpExpiry:           cfg.OTP.Expiry,
		EmailVerifiedWindow: cfg.SignupEmailVerifiedWindow,
		ExposeCodes:         devMode,
	})

	limits, closeLimits := rateLimits(ctx, cfg, zl)
	defer closeLimits()

	var pinger handlers.Pinger
	if database != nil {
		pinger = database
	}
	router := httphandler.NewRouter(httphandler.Handlers{
		Auth:   handlers.NewAuthHandler(authService, zl),
		Token:  handlers.NewTokenHandler(tokens, zl),
		Device: handlers.NewDeviceHandler(devices, zl),
		Health: handlers.NewHealthHandler(pinger, zl),
	}, tokens, limits, zl, m)

	sweeper := jobs.NewSweeper(cfg.SweepInterval, zl, m, jobs.AuthJobs(tokens, devices, otps, otpRetention)...)
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	sweeper.Start(sweepCtx)
	defer func() {
		stopSweeper()
		sweeper.Wait()
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zl.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// openStore returns the Postgres repositories (after migrating) or the in-memory ones
func openStore(ctx context.Context, cfg *config.Config, zl *zap.Logger) (repo.Store, *sql.DB, error) {
	if cfg.Store == "memory" {
		zl.Warn("using in-memory store; data is lost on restart")
		return memory.New().Repos(), nil, nil
	}

	database, err := db.Open(ctx, cfg.DatabaseURL, zl)
	if err != nil {
		return repo.Store{}, nil, err
	}
	if err := db.Migrate(database); err != nil {
		_ = database.Close()
		return repo.Store{}, nil, err
	}
	zl.Info("migrations applied")
	return repo.NewPostgresStore(database), database, nil
}

// senders picks a real sender per channel when configured, else the log sender
func senders(cfg *config.Config, zl *zap.Logger) map[notify.Channel]notify.Sender {
	fallback := notify.NewLogSender(zl, cfg.IsDevelopment())
	out := map[notify.Channel]notify.Sender{
		notify.Email: fallback,
		notify.SMS:   fallback,
	}
	if s := notify.NewHTTPEmailSender(cfg.Email.APIURL, cfg.Email.APIKey, cfg.Email.From, cfg.Email.FromName, cfg.Notify.Timeout); s != nil {
		out[notify.Email] = s
	} else {
		zl.Warn("email API not configured; emails go to the log")
	}
	if s := notify.NewTwilioSMSSender(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.FromNumber); s != nil {
		out[notify.SMS] = s
	} else {
		zl.Warn("twilio not configured; SMS go to the log")
	}
	return out
}

// auditRecorder sends audit events to Kafka when brokers are set, else to the log
func auditRecorder(cfg *config.Config, zl *zap.Logger) (audit.Recorder, func()) {
	if len(cfg.Kafka.Brokers) == 0 {
		d := audit.NewDispatcher(audit.NewLogSink(zl), 1024, 0, zl)
		return d, d.Close
	}
	sink := audit.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.AuditTopic)
	d := audit.NewDispatcher(sink, 1024, 0, zl)
	return d, func() {
		d.Close()
		if err := sink.Close(); err != nil {
			zl.Warn("close kafka writer", zap.Error(err))
		}
	}
}

// rateLimits uses Redis when REDIS_ADDR is set so limits hold across instances
func rateLimits(ctx context.Context, cfg *config.Config, zl *zap.Logger) (httphandler.Limits, func()) {
	rl := cfg.RateLimit
	if cfg.Redis.Addr == "" {
		send := middleware.NewMemoryLimiter(rl.Window, rl.OTPPerWindow)
		verify := middleware.NewMemoryLimiter(rl.Window, rl.VerifyPerWindow)
		go send.Run(ctx, time.Minute)
		go verify.Run(ctx, time.Minute)
		return httphandler.Limits{Send: send, Verify: verify}, func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		zl.Warn("redis unreachable; rate limiting fails open until it recovers", zap.Error(err))
	}
	limits := httphandler.Limits{
		Send:   middleware.NewRedisLimiter(client, "rl:send", rl.Window, rl.OTPPerWindow),
		Verify: middleware.NewRedisLimiter(client, "rl:verify", rl.Window, rl.VerifyPerWindow),
	}
	return limits, func() { _ = client.Close() }
}
