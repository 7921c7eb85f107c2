package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"podmanager/internal/clock"
	"podmanager/internal/metrics"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	JobMonthlyCreditReset = "monthly_credit_reset"

	DefaultSchedule    = "5 0 1 * *"
	DefaultConcurrency = 4
	DefaultPageSize    = 500
	DefaultLockTTL     = 24 * time.Hour
)

// ErrLockHeld is returned when another replica already owns the current
// cycle's sweep.
var ErrLockHeld = errors.New("monthly credit reset already running elsewhere")

type AccountLister interface {
	ListAccountUserIDs(ctx context.Context, after string, limit int) ([]string, error)
}

type Resetter interface {
	PerformMonthlyReset(ctx context.Context, userID string, allowance int64) (bool, error)
}

type AllowanceProvider interface {
	MonthlyAllowance(ctx context.Context, userID string) (int64, error)
}

type Config struct {
	Schedule    string
	Concurrency int
	PageSize    int
	LockTTL     time.Duration
}

// ResetReport summarizes one sweep over every credit account.
type ResetReport struct {
	Processed int           `json:"processed"`
	Reset     int           `json:"reset"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration_ns"`
}

type Scheduler struct {
	cron     *cron.Cron
	cfg      Config
	accounts AccountLister
	resetter Resetter
	plans    AllowanceProvider
	locker   *Locker
	metrics  *metrics.Metrics
	clock    clock.Clock
	logger   zerolog.Logger

	// baseCtx bounds scheduled sweeps; Stop cancels it.
	baseCtx context.Context
	cancel  context.CancelFunc
}

func New(cfg Config, accounts AccountLister, resetter Resetter, plans AllowanceProvider, locker *Locker, m *metrics.Metrics, logger zerolog.Logger) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		cfg:      cfg,
		accounts: accounts,
		resetter: resetter,
		plans:    plans,
		locker:   locker,
		metrics:  m,
		clock:    clock.RealClock{},
		logger:   logger.With().Str("job", JobMonthlyCreditReset).Logger(),
		baseCtx:  baseCtx,
		cancel:   cancel,
	}

	if _, err := s.cron.AddFunc(cfg.Schedule, s.runScheduled); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid reset schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Str("schedule", s.cfg.Schedule).Int("concurrency", s.cfg.Concurrency).Msg("Scheduler started")
}

// Stop halts the trigger and waits for a running sweep to finish. If ctx
// expires first the sweep is cancelled; accounts it did not reach are picked
// up by the next cycle or a manual run.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	defer s.cancel()
	select {
	case <-done.Done():
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn().Msg("Cancelling running sweep at shutdown")
		return ctx.Err()
	}
}

func (s *Scheduler) runScheduled() {
	report, err := s.RunCycle(s.baseCtx)
	if errors.Is(err, ErrLockHeld) {
		s.logger.Info().Msg("Skipping sweep, lock held by another replica")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Monthly credit reset failed")
		return
	}
	s.logger.Info().Interface("report", report).Msg("Monthly credit reset finished")
}

// RunCycle runs the sweep for the current month under the cycle lock. The
// lock is kept after a successful sweep so later triggers in the same month
// do nothing; it is released when the sweep aborts so a retry can proceed.
func (s *Scheduler) RunCycle(ctx context.Context) (*ResetReport, error) {
	if s.locker == nil {
		return s.Sweep(ctx)
	}

	key := resetLockKey(s.clock.Now())
	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}

	report, err := s.Sweep(ctx)
	if err != nil {
		if releaseErr := s.locker.Release(context.Background(), key, token); releaseErr != nil {
			s.logger.Warn().Err(releaseErr).Str("key", key).Msg("Failed to release reset lock")
		}
		return report, err
	}
	return report, nil
}

// RunNow sweeps immediately without taking the cycle lock. Resets are
// idempotent per cycle, so overlapping with a scheduled sweep is harmless.
func (s *Scheduler) RunNow(ctx context.Context) (*ResetReport, error) {
	s.logger.Info().Msg("Manual monthly credit reset triggered")
	return s.Sweep(ctx)
}

// Sweep resets every account's subscription credits to its plan allowance.
// A failure for one user is counted and logged; only listing errors and
// cancellation abort the sweep.
func (s *Scheduler) Sweep(ctx context.Context) (*ResetReport, error) {
	start := time.Now()
	var processed, reset, skipped, failed atomic.Int64

	report := func() *ResetReport {
		return &ResetReport{
			Processed: int(processed.Load()),
			Reset:     int(reset.Load()),
			Skipped:   int(skipped.Load()),
			Failed:    int(failed.Load()),
			Duration:  time.Since(start),
		}
	}

	after := ""
	for {
		ids, err := s.accounts.ListAccountUserIDs(ctx, after, s.cfg.PageSize)
		if err != nil {
			return report(), fmt.Errorf("failed to list accounts after %q: %w", after, err)
		}
		if len(ids) == 0 {
			break
		}

		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(s.cfg.Concurrency)
		for _, userID := range ids {
			userID := userID
			eg.Go(func() error {
				if err := egCtx.Err(); err != nil {
					return err
				}
				processed.Add(1)

				applied, err := s.resetUser(egCtx, userID)
				switch {
				case err != nil:
					failed.Add(1)
					s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to reset subscription credits")
				case applied:
					reset.Add(1)
				default:
					skipped.Add(1)
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return report(), fmt.Errorf("sweep interrupted: %w", err)
		}

		if len(ids) < s.cfg.PageSize {
			break
		}
		after = ids[len(ids)-1]
	}

	r := report()
	s.metrics.RecordResetSweep(r.Reset, r.Skipped, r.Failed, r.Duration)
	s.logger.Info().
		Int("processed", r.Processed).
		Int("reset", r.Reset).
		Int("skipped", r.Skipped).
		Int("failed", r.Failed).
		Dur("duration", r.Duration).
		Msg("Monthly credit reset sweep complete")
	return r, nil
}

func (s *Scheduler) resetUser(ctx context.Context, userID string) (bool, error) {
	allowance, err := s.plans.MonthlyAllowance(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("allowance lookup failed: %w", err)
	}
	return s.resetter.PerformMonthlyReset(ctx, userID, allowance)
}
