package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"sidecart/internal/db"
	"sidecart/internal/events"
)

// PoolChecker is the part of db.Pool the heartbeat needs.
type PoolChecker interface {
	Check(ctx context.Context) error
	Stats() db.Stats
}

// Scheduler runs the periodic heartbeat: a pool health check, and a
// reconnect of the event sink when it reports unhealthy.
type Scheduler struct {
	c        *cron.Cron
	pool     PoolChecker
	sink     events.Sink
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler returns a stopped scheduler. sink may be nil.
func NewScheduler(pool PoolChecker, sink events.Sink, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cron")
	cl := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))
	return &Scheduler{
		c:        cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		pool:     pool,
		sink:     sink,
		interval: interval,
		logger:   logger,
	}
}

func (s *Scheduler) Start() error {
	if s.pool == nil {
		return fmt.Errorf("heartbeat requires a pool")
	}
	if s.interval <= 0 {
		return fmt.Errorf("invalid heartbeat interval %s", s.interval)
	}
	if _, err := s.c.AddFunc("@every "+s.interval.String(), func() {
		s.heartbeat(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule heartbeat: %w", err)
	}
	s.c.Start()
	s.logger.Info("heartbeat scheduled", "interval", s.interval.String())
	return nil
}

// Stop stops scheduling and returns a context that is done once a running
// heartbeat has finished.
func (s *Scheduler) Stop() context.Context {
	return s.c.Stop()
}

func (s *Scheduler) heartbeat(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	err := s.pool.Check(ctx)
	st := s.pool.Stats()
	if err != nil {
		s.logger.Warn("database unhealthy",
			"error", err,
			"state", st.State.String(),
			"checked_out", st.CheckedOut)
	} else {
		s.logger.Info("heartbeat",
			"state", st.State.String(),
			"checked_out", st.CheckedOut,
			"max_size", st.MaxSize,
			"acquisitions", st.Acquisitions,
			"exhausted", st.Exhausted)
	}

	if s.sink == nil {
		return
	}
	if hs := s.sink.Health(); !hs.OK {
		s.logger.Warn("event sink unhealthy, attempting reconnect", "details", hs.Details)
		if err := s.sink.Connect(); err != nil {
			s.logger.Warn("event sink reconnect failed", "error", err)
			return
		}
		s.logger.Info("event sink reconnected")
	}
}
