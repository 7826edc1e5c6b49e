package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dukex/crucible/pkg/config"
	"github.com/dukex/crucible/pkg/engine"
	"github.com/dukex/crucible/pkg/eventbus"
	"github.com/dukex/crucible/pkg/lifecycle"
	"github.com/dukex/crucible/pkg/metrics"
	"github.com/dukex/crucible/pkg/otelhelper"
	"github.com/dukex/crucible/pkg/persistence"
	"github.com/dukex/crucible/pkg/recovery"
	"github.com/dukex/crucible/pkg/runner"
	"go.opentelemetry.io/otel/trace"
)

// Options selects the backends of a Runtime. Every field maps to a CLI flag.
type Options struct {
	ServiceName  string
	DatabaseURL  string
	EventBus     string
	KafkaBrokers string
	RedisURL     string
	ConfigPath   string
	OTELEndpoint string

	// RecoveryTimeout and RecoverySchedule override the config file when set.
	RecoveryTimeout  time.Duration
	RecoverySchedule string
}

// Runtime holds the components shared by the crucible processes. EventBus is
// nil when batches run in process.
type Runtime struct {
	Config      *config.Config
	Persistence persistence.Persistence
	EventBus    eventbus.EventBus
	Metrics     *metrics.Metrics
	Tracer      trace.Tracer
	Machine     *lifecycle.Machine
	Executor    *runner.BatchExecutor
	Engine      *engine.Engine
	Sweeper     *recovery.Sweeper

	local  *engine.LocalDispatcher
	locker recovery.Locker
	logger *slog.Logger
}

func NewRuntime(ctx context.Context, logger *slog.Logger, opts Options) (*Runtime, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Config:  cfg,
		Metrics: metrics.New("crucible"),
		Tracer:  otelhelper.Noop(),
		logger:  logger,
	}

	if opts.OTELEndpoint != "" {
		tracer, err := otelhelper.NewTracer(ctx, opts.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}

		rt.Tracer = tracer
	}

	rt.Persistence, err = NewPersistence(ctx, logger, opts.DatabaseURL)
	if err != nil {
		return nil, err
	}

	rt.EventBus, err = NewEventBus(opts.EventBus, opts.KafkaBrokers, opts.ServiceName, logger)
	if err != nil && !errors.Is(err, ErrNoEventBus) {
		_ = rt.Persistence.Close(ctx)

		return nil, err
	}

	var publisher eventbus.EventPublisher
	if rt.EventBus != nil {
		publisher = rt.EventBus
	}

	rt.Machine = lifecycle.NewMachine(rt.Persistence, publisher, logger,
		lifecycle.WithMetrics(rt.Metrics),
		lifecycle.WithTracer(rt.Tracer),
	)

	rt.Executor = runner.NewBatchExecutor(rt.Persistence, NewRunnerRegistry(cfg, logger), logger,
		runner.WithMaxParallel(cfg.Engine.MaxParallelSteps),
		runner.WithMetrics(rt.Metrics),
		runner.WithTracer(rt.Tracer),
	)

	var dispatcher engine.Dispatcher
	if rt.EventBus == nil {
		rt.local = engine.NewLocalDispatcher(rt.Executor, logger)
		dispatcher = rt.local
	} else {
		dispatcher = engine.NewBusDispatcher(rt.EventBus)
	}

	rt.Engine = engine.New(rt.Persistence, rt.Machine, dispatcher, logger,
		engine.WithMetrics(rt.Metrics),
		engine.WithTracer(rt.Tracer),
	)

	if rt.local != nil {
		rt.local.Bind(rt.Engine)
	}

	rt.locker, err = NewLocker(ctx, opts.RedisURL)
	if err != nil {
		_ = rt.Close(ctx)

		return nil, err
	}

	rt.Sweeper = recovery.NewSweeper(rt.Persistence, rt.Machine, rt.Engine, logger,
		recovery.WithTimeout(cfg.Recovery.Timeout),
		recovery.WithLocker(rt.locker),
		recovery.WithMetrics(rt.Metrics),
		recovery.WithTracer(rt.Tracer),
	)

	logger.InfoContext(ctx, "Runtime ready",
		"event_bus", opts.EventBus,
		"recovery_timeout", cfg.Recovery.Timeout,
		"max_parallel_steps", cfg.Engine.MaxParallelSteps,
	)

	return rt, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	if opts.RecoveryTimeout == 0 && opts.RecoverySchedule == "" {
		return cfg, nil
	}

	if opts.RecoveryTimeout > 0 {
		cfg.Recovery.Timeout = opts.RecoveryTimeout
	}

	if opts.RecoverySchedule != "" {
		cfg.Recovery.Schedule = opts.RecoverySchedule
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// NewLocker returns the cluster-wide sweep lock when redisURL is set and a
// process-local one otherwise.
func NewLocker(ctx context.Context, redisURL string) (recovery.Locker, error) {
	if redisURL == "" {
		return &recovery.LocalLocker{}, nil
	}

	locker, err := recovery.NewRedisLockerFromURL(ctx, redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return locker, nil
}

// ServeCompletions routes batch completions from the bus into the engine.
// It is a no-op for in-process dispatch.
func (rt *Runtime) ServeCompletions() error {
	if rt.EventBus == nil {
		return nil
	}

	return engine.HandleCompletions(rt.EventBus, rt.Engine, rt.logger)
}

// Subscribe starts consuming the bus once every handler is registered.
func (rt *Runtime) Subscribe(ctx context.Context) error {
	if rt.EventBus == nil {
		return nil
	}

	return rt.EventBus.Subscribe(ctx)
}

func (rt *Runtime) Close(ctx context.Context) error {
	if rt.local != nil {
		rt.local.Wait()
	}

	var errs []error

	if rt.EventBus != nil {
		errs = append(errs, rt.EventBus.Close())
	}

	if closer, ok := rt.locker.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}

	errs = append(errs, rt.Persistence.Close(ctx))

	return errors.Join(errs...)
}
