package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sidecart/internal/config"
	"sidecart/internal/events"
)

type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting down"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type options struct {
	minSize        int
	maxSize        int
	acquireTimeout time.Duration
	logger         *slog.Logger
	emitter        events.Emitter
}

type Option func(*options)

// WithSize bounds the pool: minSize sessions are opened by Initialize and at
// most maxSize are ever checked out at once.
func WithSize(minSize, maxSize int) Option {
	return func(o *options) { o.minSize, o.maxSize = minSize, maxSize }
}

// WithAcquireTimeout sets how long Acquire waits for a free connection before
// failing with ErrPoolExhausted. Zero fails immediately.
func WithAcquireTimeout(d time.Duration) Option {
	return func(o *options) { o.acquireTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithEmitter(e events.Emitter) Option {
	return func(o *options) { o.emitter = e }
}

// Pool is a bounded set of sessions to one database target. Accounting of
// checked-out connections is serialized by mu; each Conn is only ever used by
// the borrower that acquired it.
type Pool struct {
	target  string
	open    Opener
	opts    options
	logger  *slog.Logger
	emitter events.Emitter

	// slots holds one token per checked-out connection.
	slots chan struct{}

	mu           sync.Mutex
	state        State
	db           *sql.DB
	checkedOut   int
	acquisitions uint64
	exhausted    uint64
}

// New returns an uninitialized pool for cfg using the pgx driver.
func New(cfg config.DatabaseConfig, opts ...Option) (*Pool, error) {
	return NewWithOpener(cfg.Target(), PgxOpener(cfg), opts...)
}

// NewWithOpener returns an uninitialized pool that obtains its *sql.DB from open.
// target names the database in events and errors and must not contain credentials.
func NewWithOpener(target string, open Opener, opts ...Option) (*Pool, error) {
	o := options{minSize: 1, maxSize: 5, acquireTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if o.minSize < 1 || o.maxSize < o.minSize {
		return nil, fmt.Errorf("invalid pool size: min %d, max %d", o.minSize, o.maxSize)
	}
	if o.acquireTimeout < 0 {
		return nil, fmt.Errorf("invalid acquire timeout %s", o.acquireTimeout)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.emitter == nil {
		o.emitter = events.NewLogEmitter(o.logger)
	}
	return &Pool{
		target:  target,
		open:    open,
		opts:    o,
		logger:  o.logger.With("component", "db"),
		emitter: o.emitter,
		slots:   make(chan struct{}, o.maxSize),
	}, nil
}

// Connect creates and initializes a pool for cfg.
func Connect(ctx context.Context, cfg config.DatabaseConfig, opts ...Option) (*Pool, error) {
	p, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := p.Initialize(ctx); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}
	return p, nil
}

func (p *Pool) Target() string { return p.target }

func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Initialize opens minSize sessions and pings each one. It does not retry:
// an unreachable target or rejected credentials fail with *ConnectionError and
// leave the pool in StateInitializing, from which only Shutdown is valid.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateUninitialized {
		st := p.state
		p.mu.Unlock()
		return &StateError{Op: "initialize", State: st}
	}
	p.state = StateInitializing
	p.mu.Unlock()

	sqlDB, err := p.open()
	if err != nil {
		return p.initFailed(ctx, err)
	}
	sqlDB.SetMaxOpenConns(p.opts.maxSize)
	sqlDB.SetMaxIdleConns(p.opts.maxSize)

	p.mu.Lock()
	if p.state != StateInitializing {
		st := p.state
		p.mu.Unlock()
		_ = sqlDB.Close()
		return &StateError{Op: "initialize", State: st}
	}
	p.db = sqlDB
	p.mu.Unlock()

	if err := warm(ctx, sqlDB, p.opts.minSize); err != nil {
		return p.initFailed(ctx, err)
	}

	p.mu.Lock()
	if p.state != StateInitializing {
		st := p.state
		p.mu.Unlock()
		return &StateError{Op: "initialize", State: st}
	}
	p.state = StateReady
	p.mu.Unlock()

	p.emitter.Emit(ctx, events.New(events.PoolInitialized, p.target).
		With("min", p.opts.minSize).
		With("max", p.opts.maxSize))
	return nil
}

func (p *Pool) initFailed(ctx context.Context, err error) error {
	cerr := &ConnectionError{Target: p.target, Err: err}
	p.emitter.Emit(ctx, events.New(events.ConnectionError, p.target).
		With("op", "initialize").
		WithErr(err))
	return cerr
}

// warm opens n sessions at once so that all of them are established before
// any is handed back to the idle set.
func warm(ctx context.Context, sqlDB *sql.DB, n int) error {
	conns := make([]*sql.Conn, 0, n)
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	for i := 0; i < n; i++ {
		c, err := sqlDB.Conn(ctx)
		if err != nil {
			return err
		}
		conns = append(conns, c)
		if err := c.PingContext(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Acquire checks out one connection. When all maxSize connections are in use
// it waits up to the acquire timeout and then fails with *ExhaustedError.
// The caller must Release the returned Conn exactly once; WithConn does it.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.state != StateReady {
		st := p.state
		p.mu.Unlock()
		return nil, &StateError{Op: "acquire", State: st}
	}
	p.acquisitions++
	p.mu.Unlock()

	if err := p.reserve(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.state != StateReady {
		st := p.state
		p.mu.Unlock()
		<-p.slots
		return nil, &StateError{Op: "acquire", State: st}
	}
	sqlDB := p.db
	p.mu.Unlock()

	sc, err := sqlDB.Conn(ctx)
	if err != nil {
		<-p.slots
		p.emitter.Emit(ctx, events.New(events.ConnectionError, p.target).
			With("op", "acquire").
			WithErr(err))
		return nil, &ConnectionError{Target: p.target, Err: err}
	}

	p.mu.Lock()
	p.checkedOut++
	p.mu.Unlock()
	return &Conn{pool: p, conn: sc}, nil
}

func (p *Pool) reserve(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	default:
	}

	start := time.Now()
	if p.opts.acquireTimeout > 0 {
		timer := time.NewTimer(p.opts.acquireTimeout)
		defer timer.Stop()
		select {
		case p.slots <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	p.mu.Lock()
	p.exhausted++
	inUse := p.checkedOut
	p.mu.Unlock()

	err := &ExhaustedError{MaxSize: p.opts.maxSize, Waited: time.Since(start).Round(time.Millisecond)}
	p.emitter.Emit(ctx, events.New(events.PoolExhausted, p.target).
		With("max", p.opts.maxSize).
		With("checked_out", inUse).
		With("waited", err.Waited.String()))
	return err
}

func (p *Pool) release(c *Conn) {
	if c.unhealthy.Load() {
		// Returning driver.ErrBadConn makes database/sql discard the session.
		_ = c.conn.Raw(func(any) error { return errBadConn })
	}
	if err := c.conn.Close(); err != nil && err != sql.ErrConnDone {
		p.logger.Debug("release connection", "error", err)
	}

	p.mu.Lock()
	p.checkedOut--
	p.mu.Unlock()
	<-p.slots
}

// WithConn runs fn with a borrowed connection and releases it on every exit
// path, including a panic in fn.
func (p *Pool) WithConn(ctx context.Context, fn func(*Conn) error) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer c.Release()
	return fn(c)
}

// Check runs SELECT 1 on a borrowed connection.
func (p *Pool) Check(ctx context.Context) error {
	var one int
	err := p.WithConn(ctx, func(c *Conn) error {
		return c.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	})
	if err == nil && one != 1 {
		err = fmt.Errorf("health check returned %d, want 1", one)
	}
	ev := events.New(events.HealthChecked, p.target).With("ok", err == nil)
	p.emitter.Emit(ctx, ev.WithErr(err))
	return err
}

// HealthCheck reports whether a SELECT 1 round trip succeeds.
func (p *Pool) HealthCheck(ctx context.Context) bool {
	return p.Check(ctx) == nil
}

// Shutdown stops handing out connections, waits for borrowed ones to come
// back until ctx is done, then closes every session. Calling it again, or on
// a pool that never initialized, is a no-op.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateShuttingDown, StateClosed:
		p.mu.Unlock()
		return nil
	case StateUninitialized:
		p.state = StateClosed
		p.mu.Unlock()
		return nil
	}
	p.state = StateShuttingDown
	sqlDB := p.db
	p.mu.Unlock()

	forced := p.drain(ctx)

	var err error
	if sqlDB != nil {
		err = sqlDB.Close()
	}

	p.mu.Lock()
	p.state = StateClosed
	outstanding := p.checkedOut
	p.mu.Unlock()

	p.emitter.Emit(context.WithoutCancel(ctx), events.New(events.ShutdownComplete, p.target).
		With("forced", forced).
		With("outstanding", outstanding).
		WithErr(err))
	if err != nil {
		return fmt.Errorf("close pool: %w", err)
	}
	return nil
}

// drain takes every slot so that no borrower still holds a connection. It
// reports true when ctx ended first.
func (p *Pool) drain(ctx context.Context) bool {
	for i := 0; i < cap(p.slots); i++ {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return true
		}
	}
	return false
}

type Stats struct {
	State        State  `json:"state"`
	MinSize      int    `json:"min_size"`
	MaxSize      int    `json:"max_size"`
	CheckedOut   int    `json:"checked_out"`
	Acquisitions uint64 `json:"acquisitions"`
	Exhausted    uint64 `json:"exhausted"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		State:        p.state,
		MinSize:      p.opts.minSize,
		MaxSize:      p.opts.maxSize,
		CheckedOut:   p.checkedOut,
		Acquisitions: p.acquisitions,
		Exhausted:    p.exhausted,
	}
}
