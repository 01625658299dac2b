// Package bootstrap wires configuration, the connection pool, the query gate,
// the heartbeat and the optional HTTP interface into one application.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"

	"sidecart/internal/config"
	appcron "sidecart/internal/cron"
	"sidecart/internal/db"
	"sidecart/internal/events"
	"sidecart/internal/events/rabbitmq"
	"sidecart/internal/query"
	"sidecart/internal/repository"
	"sidecart/internal/server"
)

const (
	ProviderNone     = "NONE"
	ProviderRabbitMQ = "RABBITMQ"
)

// NewSink returns the external event sink selected by cfg, or nil when none
// is configured.
func NewSink(cfg config.EventsConfig, logger *slog.Logger) (events.Sink, error) {
	switch cfg.Provider {
	case ProviderRabbitMQ:
		return rabbitmq.New(cfg.AMQPURI, cfg.Exchange, logger), nil
	case "", ProviderNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported EVENTS_PROVIDER: %s", cfg.Provider)
	}
}

type Option func(*App)

// WithOpener replaces the pgx driver, mainly for tests.
func WithOpener(open db.Opener) Option {
	return func(a *App) { a.opener = open }
}

// WithSink uses s instead of the sink selected from configuration.
func WithSink(s events.Sink) Option {
	return func(a *App) { a.sink = s }
}

type App struct {
	cfg    config.Config
	logger *slog.Logger
	opener db.Opener

	sink  events.Sink
	pool  *db.Pool
	gate  *query.Gate
	repo  *repository.Repository
	sched *appcron.Scheduler
	srv   *server.Server

	mu       sync.Mutex
	httpAddr string
	closed   bool
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *App {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	if a.opener == nil {
		a.opener = db.PgxOpener(cfg.Database)
	}
	return a
}

// Init connects the event sink and the pool and fails fast when the database
// does not answer a health check. An unreachable sink is only logged; the
// heartbeat retries it.
func (a *App) Init(ctx context.Context) error {
	a.logger.Info("initializing sidecart", "database", a.cfg.Database)

	if a.sink == nil {
		sink, err := NewSink(a.cfg.Events, a.logger)
		if err != nil {
			return err
		}
		a.sink = sink
	}
	emitter := events.Multi{events.NewLogEmitter(a.logger)}
	if a.sink != nil {
		if err := a.sink.Connect(); err != nil {
			a.logger.Warn("event sink unavailable, continuing with log events only", "error", err)
		}
		emitter = append(emitter, a.sink)
	}

	pool, err := db.NewWithOpener(a.cfg.Database.Target(), a.opener,
		db.WithSize(a.cfg.Pool.MinSize, a.cfg.Pool.MaxSize),
		db.WithAcquireTimeout(a.cfg.Pool.AcquireTimeout),
		db.WithLogger(a.logger),
		db.WithEmitter(emitter))
	if err != nil {
		return err
	}
	if err := pool.Initialize(ctx); err != nil {
		_ = pool.Shutdown(ctx)
		return err
	}
	if err := pool.Check(ctx); err != nil {
		_ = pool.Shutdown(ctx)
		return fmt.Errorf("database health check failed: %w", err)
	}

	a.pool = pool
	a.gate = query.New(pool,
		query.WithTimeout(a.cfg.Pool.QueryTimeout),
		query.WithLogger(a.logger),
		query.WithEmitter(emitter))
	a.repo = repository.NewRepository(a.gate, a.logger)

	a.logger.Info("sidecart initialized", "target", pool.Target())
	return nil
}

func (a *App) Pool() *db.Pool                      { return a.pool }
func (a *App) Gate() *query.Gate                   { return a.gate }
func (a *App) Repository() *repository.Repository { return a.repo }

// HTTPAddr is the address the HTTP interface listens on, or "" when it is
// not running.
func (a *App) HTTPAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.httpAddr
}

// RunSampleQueries logs the columns of the public schema and the row count of
// each table. Failures are logged and returned; they are never fatal.
func (a *App) RunSampleQueries(ctx context.Context) error {
	if a.repo == nil {
		return errors.New("application not initialized")
	}

	a.logger.Info("fetching table information")
	cols, err := a.repo.ListColumns(ctx, query.DefaultSchema)
	if err != nil {
		a.logger.Error("error running sample queries", "error", err)
		return err
	}
	if len(cols) == 0 {
		a.logger.Info("no tables found in the database")
	} else {
		a.logger.Info("found columns across all tables", "count", len(cols))
		for _, c := range cols {
			a.logger.Info("column", "table", c.TableName, "column", c.ColumnName, "type", c.DataType)
		}
	}

	counts, err := a.repo.TableCounts(ctx, query.DefaultSchema)
	for _, tc := range counts {
		a.logger.Info("table rows", "table", tc.Table, "rows", tc.Rows)
	}
	if err != nil {
		a.logger.Error("error counting table rows", "error", err)
		return err
	}
	return nil
}

// Run starts the heartbeat and, when configured, the HTTP interface, then
// blocks until ctx is cancelled or the HTTP server fails.
func (a *App) Run(ctx context.Context) error {
	if a.pool == nil {
		return errors.New("application not initialized")
	}
	a.logger.Info("starting sidecart main loop")

	if a.cfg.App.SampleQueries {
		_ = a.RunSampleQueries(ctx)
	}

	sched := appcron.NewScheduler(a.pool, a.sink, a.cfg.App.HeartbeatInterval, a.logger)
	if err := sched.Start(); err != nil {
		return err
	}
	a.mu.Lock()
	a.sched = sched
	a.mu.Unlock()

	serveErr := make(chan error, 1)
	if a.cfg.App.HTTPEnabled() {
		ln, err := net.Listen("tcp", a.cfg.App.Addr())
		if err != nil {
			return fmt.Errorf("listen %s: %w", a.cfg.App.Addr(), err)
		}
		srv := server.New(a.cfg.App, a.gate, a.pool, a.logger)
		a.mu.Lock()
		a.srv = srv
		a.httpAddr = ln.Addr().String()
		a.mu.Unlock()
		go func() { serveErr <- srv.Serve(ln) }()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

// Shutdown stops the heartbeat and the HTTP interface, closes the pool and
// the event sink, and reports every failure. Later calls are no-ops.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	srv, sched := a.srv, a.sched
	a.mu.Unlock()

	var result *multierror.Error
	if sched != nil {
		select {
		case <-sched.Stop().Done():
		case <-ctx.Done():
		}
	}
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("http server: %w", err))
		}
	}
	if a.pool != nil {
		if err := a.pool.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("event sink: %w", err))
		}
	}
	return result.ErrorOrNil()
}
