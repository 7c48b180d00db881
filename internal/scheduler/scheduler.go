// Package scheduler drives the polling loop: every interval it loads the
// active configurations, evaluates each cron schedule, and dispatches an
// ExecuteFileCheck command for every configuration that is due. A per-process
// in-flight guard prevents overlapping checks of the same configuration and a
// weighted semaphore caps how many checks run at once.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/filescout/filescout/internal/bus"
	"github.com/filescout/filescout/internal/clock"
	"github.com/filescout/filescout/internal/logging"
	"github.com/filescout/filescout/internal/models"
	"github.com/filescout/filescout/internal/schedule"
	"github.com/filescout/filescout/internal/store"
)

// Config holds the scheduler loop parameters.
type Config struct {
	// PollingInterval is the delay between evaluation passes.
	PollingInterval time.Duration
	// MaxConcurrentChecks caps simultaneously running checks.
	MaxConcurrentChecks int64
	// ExecutionWindow is how far ahead of its fire instant a configuration
	// may be dispatched, so a check is not pushed a full polling interval
	// late by unlucky tick alignment.
	ExecutionWindow time.Duration
	// StartupGrace delays the first pass so stores and handlers finish
	// wiring before load hits them.
	StartupGrace time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollingInterval:     60 * time.Second,
		MaxConcurrentChecks: 100,
		ExecutionWindow:     2 * time.Minute,
		StartupGrace:        5 * time.Second,
	}
}

// tickStats counts what one evaluation pass did; logged per tick.
type tickStats struct {
	evaluated       int
	due             int
	dispatched      int
	skippedInFlight int
	skippedCapacity int
	skippedInvalid  int
}

// Scheduler is the polling loop.
type Scheduler struct {
	cfg     Config
	configs store.ConfigurationStore
	bus     bus.Bus
	clk     clock.Clock
	log     *logging.Logger

	sem *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler. clk may be nil to use the system clock.
func New(cfg Config, configs store.ConfigurationStore, b bus.Bus, clk clock.Clock, log *logging.Logger) *Scheduler {
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = DefaultConfig().PollingInterval
	}
	if cfg.MaxConcurrentChecks <= 0 {
		cfg.MaxConcurrentChecks = DefaultConfig().MaxConcurrentChecks
	}
	if cfg.ExecutionWindow <= 0 {
		cfg.ExecutionWindow = DefaultConfig().ExecutionWindow
	}
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		configs:  configs,
		bus:      b,
		clk:      clk,
		log:      log,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentChecks),
		inFlight: make(map[string]time.Time),
		stopChan: make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled or Stop is called. The first pass waits
// out the startup grace.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().
		Dur("polling_interval", s.cfg.PollingInterval).
		Int64("max_concurrent_checks", s.cfg.MaxConcurrentChecks).
		Dur("execution_window", s.cfg.ExecutionWindow).
		Msg("scheduler starting")

	if s.cfg.StartupGrace > 0 {
		select {
		case <-time.After(s.cfg.StartupGrace):
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopChan:
			return nil
		}
	}

	ticker := time.NewTicker(s.cfg.PollingInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return ctx.Err()
		case <-s.stopChan:
			s.drain()
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop signals the loop to exit and waits for in-flight checks to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

func (s *Scheduler) drain() {
	s.log.Info().Msg("scheduler stopping, waiting for in-flight checks")
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

// tick runs one evaluation pass.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clk.NowUTC()

	active, err := s.configs.GetAllActive(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load active configurations")
		return
	}

	var stats tickStats
	for _, cfg := range active {
		stats.evaluated++
		s.evaluate(ctx, cfg, now, &stats)
	}

	s.log.Debug().
		Int("evaluated", stats.evaluated).
		Int("due", stats.due).
		Int("dispatched", stats.dispatched).
		Int("skipped_in_flight", stats.skippedInFlight).
		Int("skipped_capacity", stats.skippedCapacity).
		Int("skipped_invalid", stats.skippedInvalid).
		Msg("scheduler tick")
}

// evaluate decides whether cfg is due and dispatches it if so.
func (s *Scheduler) evaluate(ctx context.Context, cfg *models.RetrievalConfiguration, now time.Time, stats *tickStats) {
	next, ok := s.nextRunOf(cfg, now)
	if !ok {
		stats.skippedInvalid++
		return
	}
	if next.After(now.Add(s.cfg.ExecutionWindow)) {
		return
	}
	stats.due++

	if overdueBy := now.Sub(next); overdueBy > s.cfg.ExecutionWindow {
		s.log.Warn().
			Str("client_id", cfg.ClientID).
			Str("configuration_id", cfg.ConfigurationID).
			Time("scheduled_for", next).
			Dur("overdue_by", overdueBy).
			Msg("configuration overdue, dispatching catch-up check")
	}

	key := cfg.ClientID + "/" + cfg.ConfigurationID
	s.mu.Lock()
	if since, running := s.inFlight[key]; running {
		s.mu.Unlock()
		stats.skippedInFlight++
		s.log.Debug().
			Str("client_id", cfg.ClientID).
			Str("configuration_id", cfg.ConfigurationID).
			Time("in_flight_since", since).
			Msg("check already in flight, skipping")
		return
	}
	s.inFlight[key] = now
	s.mu.Unlock()

	if !s.sem.TryAcquire(1) {
		s.clearInFlight(key)
		stats.skippedCapacity++
		s.log.Warn().
			Str("client_id", cfg.ClientID).
			Str("configuration_id", cfg.ConfigurationID).
			Msg("concurrency cap reached, deferring check to next tick")
		return
	}

	stats.dispatched++
	s.wg.Add(1)
	go s.dispatch(ctx, cfg, next, key)
}

// nextRunOf computes the next fire instant for cfg. Configurations that have
// run before are evaluated from their last execution; fresh ones from now, so
// a newly created configuration waits for its first scheduled instant rather
// than firing immediately.
func (s *Scheduler) nextRunOf(cfg *models.RetrievalConfiguration, now time.Time) (time.Time, bool) {
	if cfg.NextScheduledRun != nil && cfg.NextScheduledRun.After(now.Add(-24*time.Hour)) {
		return cfg.NextScheduledRun.UTC(), true
	}

	ref := now
	if cfg.LastExecutedAt != nil {
		ref = *cfg.LastExecutedAt
	}
	next, ok, err := schedule.NextRun(cfg.Schedule.CronExpression, cfg.Schedule.Timezone, ref)
	if err != nil {
		s.log.Error().
			Str("client_id", cfg.ClientID).
			Str("configuration_id", cfg.ConfigurationID).
			Err(err).
			Msg("unschedulable configuration")
		return time.Time{}, false
	}
	if !ok {
		return time.Time{}, false
	}
	return next, true
}

// dispatch sends the command and holds the in-flight slot until the handler
// acknowledges. Send is synchronous; returning is the acknowledgment.
func (s *Scheduler) dispatch(ctx context.Context, cfg *models.RetrievalConfiguration, scheduled time.Time, key string) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer s.clearInFlight(key)

	cmd := models.ExecuteFileCheck{
		Envelope: models.NewEnvelope(cfg.ClientID, "",
			models.DeriveIdempotencyKey(cfg.ClientID, cfg.ConfigurationID, scheduled.Format(time.RFC3339), "execute")),
		ConfigurationID:        cfg.ConfigurationID,
		ScheduledExecutionTime: scheduled,
		IsManualTrigger:        false,
	}
	if err := s.bus.Send(ctx, cmd); err != nil {
		s.log.Error().
			Str("client_id", cfg.ClientID).
			Str("configuration_id", cfg.ConfigurationID).
			Time("scheduled_for", scheduled).
			Err(err).
			Msg("file check dispatch failed")
	}
}

func (s *Scheduler) clearInFlight(key string) {
	s.mu.Lock()
	delete(s.inFlight, key)
	s.mu.Unlock()
}

// InFlightCount reports how many checks are currently running; exposed for
// the worker's shutdown log and for tests.
func (s *Scheduler) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}
