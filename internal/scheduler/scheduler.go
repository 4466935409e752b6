package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"reelgrab/internal/catalog"
	"reelgrab/internal/config"
	"reelgrab/internal/job"
	"reelgrab/internal/store"
)

var (
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrInvalidCron      = errors.New("invalid cron expression")
)

// StatusScheduled is what a schedule reports before its first run.
const StatusScheduled = "scheduled"

// DownloadStarter is the slice of the download manager the supervisor
// needs: turning a selected catalog torrent into a running job.
type DownloadStarter interface {
	StartDownload(ctx context.Context, cand *catalog.Candidate, t *catalog.Torrent) (*job.Job, error)
}

// Supervisor owns recurring download schedules: CRUD with cron
// validation, a polling loop that fires due schedules, and crash-safe
// bookkeeping of the running flag.
type Supervisor struct {
	cfg       *config.Config
	schedules *store.ScheduleStore
	catalog   catalog.Provider
	downloads DownloadStarter
	logger    zerolog.Logger

	mu        sync.Mutex
	executing map[string]bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSupervisor(cfg *config.Config, schedules *store.ScheduleStore, provider catalog.Provider, downloads DownloadStarter, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		schedules: schedules,
		catalog:   provider,
		downloads: downloads,
		logger:    log.With().Str("component", "scheduler").Logger(),
		executing: make(map[string]bool),
	}
}

// Create validates the cron expression, computes the first firing time and
// persists the schedule.
func (s *Supervisor) Create(ctx context.Context, sched *store.Schedule) error {
	next, err := nextRun(sched.CronExpression, time.Now())
	if err != nil {
		return err
	}
	if sched.MaxDownloads <= 0 {
		sched.MaxDownloads = 1
	}
	sched.NextRun = next
	return s.schedules.Create(ctx, sched)
}

// Update rewrites the schedule and recomputes its next firing time from
// the (possibly changed) cron expression.
func (s *Supervisor) Update(ctx context.Context, sched *store.Schedule) (bool, error) {
	next, err := nextRun(sched.CronExpression, time.Now())
	if err != nil {
		return false, err
	}
	sched.NextRun = next
	return s.schedules.Update(ctx, sched)
}

func (s *Supervisor) Delete(ctx context.Context, id string) (bool, error) {
	return s.schedules.Delete(ctx, id)
}

func (s *Supervisor) Get(ctx context.Context, id string) (*store.Schedule, error) {
	sched, err := s.schedules.Get(ctx, id)
	if err != nil || sched == nil {
		return sched, err
	}
	presentStatus(sched)
	return sched, nil
}

func (s *Supervisor) List(ctx context.Context) ([]store.Schedule, error) {
	scheds, err := s.schedules.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range scheds {
		presentStatus(&scheds[i])
	}
	return scheds, nil
}

func (s *Supervisor) Logs(ctx context.Context, id string, limit int) ([]store.ScheduleLogEntry, error) {
	sched, err := s.schedules.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sched == nil {
		return nil, ErrScheduleNotFound
	}
	return s.schedules.Logs(ctx, id, limit)
}

// RunNow fires the schedule immediately, outside its cron cadence. With
// detached set the execution runs in the background and "started" is
// returned; otherwise the call blocks and returns the run's final status.
func (s *Supervisor) RunNow(ctx context.Context, id string, detached bool) (string, error) {
	sched, err := s.schedules.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if sched == nil {
		return "", ErrScheduleNotFound
	}

	if detached {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.execute(context.Background(), sched)
		}()
		return "started", nil
	}
	return s.execute(ctx, sched), nil
}

// Start sweeps schedules stranded in the running state by a previous
// crash, then polls for due schedules until the context is canceled.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.sweepInterrupted(ctx, "interrupted by restart"); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(loopCtx)

	s.logger.Info().Dur("poll", s.cfg.SchedulePoll).Msg("Scheduler started")
	return nil
}

// Shutdown stops the poll loop, waits out in-flight executions up to the
// grace period and marks anything still running as interrupted.
func (s *Supervisor) Shutdown(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn().Msg("Schedule executions may not have shut down cleanly")
	}

	if err := s.sweepInterrupted(ctx, "interrupted by shutdown"); err != nil {
		s.logger.Error().Err(err).Msg("Failed to sweep running schedules")
	}
	s.logger.Info().Msg("Scheduler shut down")
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.SchedulePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

// fireDue launches every due schedule on its own goroutine, staggered so
// simultaneous firings don't hammer the catalog at once.
func (s *Supervisor) fireDue(ctx context.Context) {
	due, err := s.schedules.ListDue(ctx, time.Now())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list due schedules")
		return
	}

	for i := range due {
		sched := due[i]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.execute(ctx, &sched)
		}()

		if i < len(due)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.ScheduleStagger):
			}
		}
	}
}

// sweepInterrupted flips stranded running schedules to interrupted and
// records a log entry for each.
func (s *Supervisor) sweepInterrupted(ctx context.Context, message string) error {
	ids, err := s.schedules.SweepRunning(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		s.logger.Warn().Str("scheduleID", id).Msg("Schedule execution interrupted")
		if err := s.schedules.AppendLog(ctx, store.ScheduleLogEntry{
			ScheduleID: id,
			Status:     store.StatusInterrupted,
			Message:    message,
		}); err != nil {
			s.logger.Error().Err(err).Str("scheduleID", id).Msg("Failed to write schedule log")
		}
	}
	return nil
}

// nextRun evaluates the cron expression in after's location but always
// reports the firing time in UTC, matching how the store compares times.
func nextRun(expression string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expression)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return sched.Next(after).UTC(), nil
}

func presentStatus(sched *store.Schedule) {
	if sched.LastRunStatus == "" {
		sched.LastRunStatus = StatusScheduled
	}
}
