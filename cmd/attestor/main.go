// Command attestor runs the username attestation bot: it sells usernames
// for a fee, validates the payments and posts an attestation of each paid
// username to the ledger.
//
// Startup order: .env, configuration, logging, tracing, storage and schema
// check, ledger addresses, locks, chat transport, services, then the
// periodic jobs, the AMQP consumer and the HTTP server. Any configuration
// failure is reported to the operator and aborts before a worker starts.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/username-attestor/internal/config"
	httpapi "github.com/tbourn/username-attestor/internal/http"
	"github.com/tbourn/username-attestor/internal/http/handlers"
	"github.com/tbourn/username-attestor/internal/keymutex"
	"github.com/tbourn/username-attestor/internal/ledger"
	"github.com/tbourn/username-attestor/internal/notify"
	"github.com/tbourn/username-attestor/internal/observability"
	"github.com/tbourn/username-attestor/internal/repo"
	"github.com/tbourn/username-attestor/internal/services"
	"github.com/tbourn/username-attestor/internal/sysutil"
	"github.com/tbourn/username-attestor/internal/transport"
	"github.com/tbourn/username-attestor/internal/worker"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// The logger is not configured yet; the default one writes JSON to stderr.
		abort(operatorFor(cfg), err)
	}
	sysutil.SetupLogger(nil, cfg.LogLevel, cfg.OTEL.ServiceName, cfg.LogPretty)
	gin.SetMode(cfg.GinMode)
	op := operatorFor(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTEL, version)
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
		shutdownTracing = func(context.Context) error { return nil }
	}

	db, err := repo.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		abort(op, fmt.Errorf("%w: open %s: %v", config.ErrConfiguration, cfg.DBDriver, err))
	}
	if err := repo.AutoMigrate(db); err != nil {
		abort(op, fmt.Errorf("%w: migrate: %v", config.ErrConfiguration, err))
	}
	if err := repo.VerifySchema(db); err != nil {
		abort(op, fmt.Errorf("%w: %v", config.ErrConfiguration, err))
	}

	led := ledger.NewGateway(ledger.GatewayConfig{URL: cfg.LedgerURL, Timeout: cfg.LedgerTimeout})
	attestor, err := ensureAddress(ctx, led, cfg.AttestorAddress, "attestor")
	if err != nil {
		abort(op, err)
	}
	accumulation, err := ensureAddress(ctx, led, cfg.AccumulationAddr, "accumulation")
	if err != nil {
		abort(op, err)
	}

	var lockOpts []keymutex.Option
	if rdb := keymutex.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); rdb != nil {
		defer rdb.Close()
		lockOpts = append(lockOpts, keymutex.WithLease(keymutex.NewRedisLease(rdb, cfg.Redis.LeaseTTL)))
		log.Info().Str("addr", cfg.Redis.Addr).Msg("cross-instance lock leases enabled")
	}

	var out transport.Transport = transport.Log{}
	if cfg.AMQPURL != "" {
		pub := transport.NewPublisher(cfg.AMQPURL, transport.OutboundQueue)
		defer pub.Close()
		out = pub
	}

	app := services.NewApp(services.Deps{
		DB:        db,
		Ledger:    led,
		Transport: out,
		Operator:  op,
		Locks:     services.NewLocks(lockOpts...),
		Settings:  services.NewSettings(cfg, attestor, accumulation),
	})
	sweeps := app.Sweeps()

	sched := worker.New(
		worker.Job{Name: services.SweepRetry, Every: cfg.RetryInterval, Immediate: true, Run: sweeps[services.SweepRetry]},
		worker.Job{Name: services.SweepExpiry, Every: cfg.ExpiryInterval, Run: sweeps[services.SweepExpiry]},
		worker.Job{Name: services.SweepConsolidate, Every: cfg.ConsolidateEvery, Run: sweeps[services.SweepConsolidate]},
		worker.Job{Name: services.SweepPayout, Every: cfg.PayoutEvery, Run: sweeps[services.SweepPayout]},
	)
	sched.Start(ctx)

	if cfg.AMQPURL != "" {
		go func() {
			if err := transport.Consume(ctx, cfg.AMQPURL, transport.EventsQueue, app.Conversation); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("events consumer stopped")
			}
		}()
	}

	manual := make(map[string]handlers.Sweep, len(sweeps))
	for name, run := range sweeps {
		manual[name] = run
	}
	sqlDB, err := db.DB()
	if err != nil {
		abort(op, fmt.Errorf("%w: %v", config.ErrConfiguration, err))
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		Events: app.Conversation,
		Admin:  app.Admin,
		Sweeps: manual,
		Ready:  sqlDB.PingContext,
	}, cfg)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).
			Str("attestor", attestor).Str("accumulation", accumulation).
			Msg("attestor listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	sched.Wait()
	if err := shutdownTracing(sctx); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown")
	}
	_ = sqlDB.Close()
	log.Info().Msg("stopped")
}

// ensureAddress returns configured, or issues a fresh address from the
// ledger when it is empty.
func ensureAddress(ctx context.Context, led ledger.Client, configured, role string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	addr, err := led.IssueReceivingAddress(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: issue %s address: %v", config.ErrConfiguration, role, err)
	}
	log.Info().Str("role", role).Str("address", addr).Msg("issued address")
	return addr, nil
}

// operatorFor returns the e-mail operator channel, or nil when the
// addresses are not configured yet.
func operatorFor(cfg config.Config) notify.Operator {
	if cfg.AdminEmail == "" || cfg.FromEmail == "" {
		return nil
	}
	return notify.NewEmail(notify.EmailConfig{
		To:       cfg.AdminEmail,
		From:     cfg.FromEmail,
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		User:     cfg.SMTP.User,
		Password: cfg.SMTP.Password,
	})
}

// abort reports a startup failure to the operator, when one is reachable,
// and exits.
func abort(op notify.Operator, err error) {
	if op != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = op.Notify(ctx, "attestor failed to start", err.Error())
		cancel()
	}
	log.Error().Err(err).Bool("configuration", errors.Is(err, config.ErrConfiguration)).Msg("startup failed")
	os.Exit(1)
}
