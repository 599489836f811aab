package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/watzon/funcbox/internal/auth"
	"github.com/watzon/funcbox/internal/blobstore"
	"github.com/watzon/funcbox/internal/config"
	"github.com/watzon/funcbox/internal/database"
	"github.com/watzon/funcbox/internal/events"
	"github.com/watzon/funcbox/internal/executions"
	"github.com/watzon/funcbox/internal/functions"
	"github.com/watzon/funcbox/internal/invoker"
	"github.com/watzon/funcbox/internal/sandbox"
	"github.com/watzon/funcbox/internal/server"
	"github.com/watzon/funcbox/internal/telemetry"
	"github.com/watzon/funcbox/internal/triggers"
)

// claimRetention bounds how long SQL occurrence claims are kept.
const claimRetention = 7 * 24 * time.Hour

// app owns every long-lived component of a running server.
type app struct {
	cfg *config.Config

	db        *database.DB
	executor  *sandbox.Executor
	registry  *functions.Registry
	feed      *executions.Feed
	tracker   *executions.Tracker
	invoker   *invoker.Service
	evaluator *triggers.Evaluator
	scheduler *triggers.Scheduler
	bus       *events.Bus
	redis     *redis.Client
	watcher   *functions.ManifestWatcher
	tokens    *auth.TokenService

	stopTracing telemetry.ShutdownFunc
	stopAMQP    context.CancelFunc
	amqpDone    chan struct{}
}

// newApp opens the database and wires the registry, sandbox, tracker,
// trigger evaluator and event bus. Background loops are started; call
// close to stop them in reverse order.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	if err := a.init(ctx); err != nil {
		_ = a.close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg

	var err error
	if a.stopTracing, err = telemetry.Setup(ctx, cfg.Tracing, version); err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}

	if a.db, err = database.Open(&cfg.Database); err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	var blobs *blobstore.Store
	if cfg.Blobs.Type != "" {
		backend, err := blobstore.NewBackend(ctx, cfg.Blobs)
		if err != nil {
			return fmt.Errorf("opening blob store: %w", err)
		}
		blobs = blobstore.NewStore(backend)
	}

	if a.executor, err = sandbox.New(cfg.Functions, cfg.Sandbox); err != nil {
		return err
	}
	a.registry = functions.NewRegistry(
		functions.NewSQLStore(a.db, blobs, cfg.Functions.InlineSourceLimit),
		a.executor,
		functions.Limits{
			DefaultTimeout: cfg.Functions.DefaultTimeout,
			MaxTimeout:     cfg.Functions.MaxTimeout,
			DefaultMemory:  cfg.Functions.DefaultMemory,
		},
	)

	a.feed = executions.NewFeed()
	a.tracker = executions.NewTracker(executions.NewStore(a.db), a.feed, cfg.Executions.Retention)
	if n, err := a.tracker.AbandonPending(ctx, time.Now()); err != nil {
		return fmt.Errorf("abandoning interrupted executions: %w", err)
	} else if n > 0 {
		log.Warn().Int("count", n).Msg("Marked interrupted executions as failed")
	}
	a.tracker.Start(cfg.Executions.CleanupInterval)

	a.invoker = invoker.New(a.registry, a.executor, a.tracker)

	claimer, err := a.newClaimer(ctx)
	if err != nil {
		return err
	}
	a.evaluator, err = triggers.NewEvaluator(triggers.EvaluatorConfig{
		Store:           triggers.NewStore(a.db),
		Claimer:         claimer,
		Dispatcher:      a.invoker,
		DefaultTimezone: cfg.Scheduler.DefaultTimezone,
		Catchup:         cfg.Scheduler.Catchup,
	})
	if err != nil {
		return err
	}
	if _, err := a.evaluator.Recover(ctx); err != nil {
		return fmt.Errorf("recovering triggers: %w", err)
	}

	if err := a.loadManifests(ctx); err != nil {
		return err
	}

	if cfg.Scheduler.Enabled {
		a.scheduler = triggers.NewScheduler(a.evaluator, triggers.SchedulerConfig{
			PollInterval:   cfg.Scheduler.PollInterval,
			ClaimRetention: claimRetention,
		})
		a.scheduler.Start()
	}

	if cfg.Events.Enabled {
		a.startEvents()
	}

	if cfg.Server.Auth.Enabled() {
		a.tokens = auth.NewTokenService(cfg.Server.Auth)
	}

	return nil
}

func (a *app) newClaimer(ctx context.Context) (triggers.Claimer, error) {
	switch a.cfg.Scheduler.ClaimBackend {
	case "", "sqlite":
		return triggers.NewSQLClaimer(a.db), nil
	case "redis":
		rc := a.cfg.Scheduler.Redis
		a.redis = redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connecting to redis at %s: %w", rc.Addr, err)
		}
		return triggers.NewRedisClaimer(a.redis, rc.ClaimTTL), nil
	default:
		return nil, fmt.Errorf("unknown claim backend %q", a.cfg.Scheduler.ClaimBackend)
	}
}

// loadManifests registers every manifest in the manifests directory, with
// the triggers it declares, and watches the directory when enabled.
func (a *app) loadManifests(ctx context.Context) error {
	dir := a.cfg.Functions.ManifestsDir
	if dir == "" {
		return nil
	}

	handler := triggers.RegisterManifest(a.evaluator, functions.RegisterManifest(a.registry))
	n, err := functions.LoadManifestDir(ctx, dir, handler)
	if err != nil {
		return fmt.Errorf("loading manifests: %w", err)
	}
	log.Info().Int("count", n).Str("dir", dir).Msg("Loaded function manifests")

	if !a.cfg.Functions.Watch {
		return nil
	}
	if a.watcher, err = functions.NewManifestWatcher(dir, handler); err != nil {
		return fmt.Errorf("watching manifests: %w", err)
	}
	return a.watcher.Start()
}

// startEvents delivers every queued event to the trigger evaluator and
// starts the optional AMQP source.
func (a *app) startEvents() {
	a.bus = events.NewBus(a.db, &events.BusConfig{
		Retention:       a.cfg.Events.Retention,
		ProcessInterval: a.cfg.Events.PollInterval,
		BatchSize:       a.cfg.Events.BatchSize,
	})
	a.bus.Subscribe("*", "*", func(ctx context.Context, ev *events.Event) error {
		_, err := a.evaluator.NotifyEvent(ctx, &triggers.Event{
			ID:         ev.ID,
			Object:     ev.Object,
			Action:     ev.Action,
			Payload:    ev.Payload,
			RequestID:  ev.RequestID,
			OccurredAt: ev.CreatedAt,
		})
		return err
	})
	a.bus.Start()

	if !a.cfg.Events.AMQP.Enabled {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.stopAMQP = cancel
	a.amqpDone = make(chan struct{})
	source := events.NewAMQPSource(a.cfg.Events.AMQP, a.bus)
	go func() {
		defer close(a.amqpDone)
		if err := source.Run(ctx); err != nil {
			log.Error().Err(err).Msg("AMQP source stopped")
		}
	}()
}

// server builds the HTTP server over the app's components.
func (a *app) server() *server.Server {
	return server.New(a.cfg, server.Deps{
		DB:        a.db,
		Registry:  a.registry,
		Executor:  a.executor,
		Invoker:   a.invoker,
		Tracker:   a.tracker,
		Feed:      a.feed,
		Evaluator: a.evaluator,
		Bus:       a.bus,
		Tokens:    a.tokens,
		Version:   version,
	})
}

// close stops background work and releases resources. It is safe to call
// on a partially constructed app.
func (a *app) close(ctx context.Context) error {
	var errs []error

	if a.stopAMQP != nil {
		a.stopAMQP()
		<-a.amqpDone
	}
	if a.bus != nil {
		a.bus.Stop()
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.watcher != nil {
		errs = append(errs, a.watcher.Stop())
	}
	if a.evaluator != nil {
		a.evaluator.Close()
	}
	if a.tracker != nil {
		a.tracker.Stop()
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.stopTracing != nil {
		errs = append(errs, a.stopTracing(ctx))
	}
	return errors.Join(errs...)
}
