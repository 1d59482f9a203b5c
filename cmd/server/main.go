package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/crmsync/internal/auth"
	"github.com/erauner12/crmsync/internal/bus"
	"github.com/erauner12/crmsync/internal/config"
	"github.com/erauner12/crmsync/internal/convo"
	"github.com/erauner12/crmsync/internal/crm"
	"github.com/erauner12/crmsync/internal/db"
	"github.com/erauner12/crmsync/internal/dedup"
	"github.com/erauner12/crmsync/internal/digest"
	"github.com/erauner12/crmsync/internal/dispatch"
	"github.com/erauner12/crmsync/internal/httpapi"
	"github.com/erauner12/crmsync/internal/leader"
	"github.com/erauner12/crmsync/internal/maintenance"
	"github.com/erauner12/crmsync/internal/poller"
	"github.com/erauner12/crmsync/internal/scheduler"
	"github.com/erauner12/crmsync/internal/store"
	"github.com/erauner12/crmsync/internal/syncworker"
)

// Advisory lock keys for the single-leader loops.
const (
	leasePoller    int64 = 0x637273796e6301
	leaseScheduler int64 = 0x637273796e6302
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "crmsync").Logger()

	cfg := config.FromEnv()
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL, db.Options{
		MaxConns: int32(cfg.PGMaxConns),
		MinConns: int32(cfg.PGMinConns),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	st := &store.Store{DB: pool}
	bootstrapRoles(ctx, st, cfg.RoleBootstrap)

	var cache dedup.Cache
	if cfg.RedisAddr != "" {
		redisCache, err := dedup.NewRedisCache(ctx, cfg.RedisAddr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
		}
		cache = redisCache
	} else {
		log.Warn().Msg("REDIS_ADDR unset, using in-process dedup cache (single instance only)")
		cache = dedup.NewMemoryCache(cfg.DedupTTL)
	}

	eventBus := bus.New(pool, cfg.QueueName, cfg.MaxAttempts, cfg.MessageTTL)

	lookups, err := digest.NewLookupStore(cfg.LookupTablePath)
	if err != nil {
		log.Fatal().Err(err).Msg("lookup tables failed to load")
	}

	builder := &digest.Builder{
		Store:               st,
		Lookups:             lookups,
		PrivilegedAudiences: map[string]bool{"executive": true},
	}

	var transport dispatch.Transport
	switch {
	case cfg.SlackToken != "":
		transport = dispatch.NewSlackTransport(cfg.SlackToken)
	case cfg.TransportWebhookURL != "":
		transport = dispatch.NewWebhookTransport(cfg.TransportWebhookURL)
	default:
		log.Warn().Msg("no transport configured, digests go to the in-memory sink")
		transport = &dispatch.MemoryTransport{}
	}

	dispatcher := &dispatch.Dispatcher{
		Store:      st,
		Builder:    builder,
		Transport:  transport,
		Cache:      cache,
		MaxRetries: cfg.MaxDeliveryRetries,
	}

	engine := convo.New(st, cache, convo.KeywordClassifier{},
		cfg.ConfidenceThreshold, cfg.FuzzyThreshold, cfg.ClarifyTTL, cfg.HotWindowTurns)

	workerPool := &syncworker.Pool{
		DB:      pool,
		Store:   st,
		Bus:     eventBus,
		Applier: &syncworker.Applier{Store: st, Source: "webhook"},
		Workers: cfg.WorkerCount,
	}

	vendor := crm.NewClient(cfg.VendorBaseURL, cfg.VendorToken)
	reconciler := &poller.Poller{
		DB:       pool,
		Store:    st,
		Client:   vendor,
		Applier:  &syncworker.Applier{Store: st, Source: "poller", SkipEqual: true},
		Interval: cfg.PollInterval,
	}

	sched := scheduler.New(st, dispatcher, 4)

	reaper := &maintenance.Reaper{
		Store:           st,
		Bus:             eventBus,
		MemoryRetention: cfg.MemoryRetention,
	}

	var wg sync.WaitGroup
	runLoop := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			log.Info().Str("loop", name).Msg("loop stopped")
		}()
	}

	runLoop("workers", workerPool.Run)
	runLoop("lookup-watch", func(ctx context.Context) {
		if err := lookups.Watch(ctx); err != nil {
			log.Error().Err(err).Msg("lookup table watcher failed")
		}
	})
	runLoop("poller", func(ctx context.Context) {
		leader.New(pool, leasePoller, "poller").Run(ctx, cfg.PollInterval, func(ctx context.Context) {
			reconciler.SweepAll(ctx)
			reaper.Run(ctx)
		})
	})
	runLoop("scheduler", func(ctx context.Context) {
		leader.New(pool, leaseScheduler, "scheduler").Run(ctx, cfg.SchedulerTick, sched.Tick)
	})

	srv := &httpapi.Server{
		DB:      pool,
		Store:   st,
		Bus:     eventBus,
		Cache:   cache,
		Engine:  engine,
		Builder: builder,
		Roles:   st,
		Auth: auth.Cfg{
			APIKey:      cfg.AdminAPIKey,
			HS256Secret: cfg.AdminJWTSecret,
			DevMode:     cfg.Env == "dev",
		},
		WebhookSecret: cfg.WebhookSecret,
		DedupTTL:      cfg.DedupTTL,
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	wg.Wait()
	log.Info().Msg("server stopped")
}

// bootstrapRoles seeds the role map from ROLE_BOOTSTRAP ("email:role" pairs).
// Seeding is idempotent; operators adjust roles afterwards through the store.
func bootstrapRoles(ctx context.Context, st *store.Store, entries []string) {
	for _, entry := range entries {
		email, roleStr, ok := strings.Cut(entry, ":")
		if !ok {
			log.Warn().Str("entry", entry).Msg("malformed role bootstrap entry, want email:role")
			continue
		}
		role, err := store.ParseRole(roleStr)
		if err != nil {
			log.Warn().Err(err).Str("entry", entry).Msg("role bootstrap entry skipped")
			continue
		}
		if err := st.UpsertRole(ctx, email, role); err != nil {
			log.Error().Err(err).Str("email", email).Msg("role bootstrap failed")
		}
	}
}
