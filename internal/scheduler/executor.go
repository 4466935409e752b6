package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"reelgrab/internal/catalog"
	"reelgrab/internal/store"
)

// execute performs one firing of the schedule and returns its final
// status. Two guards keep firings mutually exclusive: an in-process set
// for goroutines inside this instance, and the repository's conditional
// running flag for anything else holding the same database.
func (s *Supervisor) execute(ctx context.Context, sched *store.Schedule) string {
	s.mu.Lock()
	if s.executing[sched.ID] {
		s.mu.Unlock()
		s.logger.Warn().Str("scheduleID", sched.ID).Msg("Schedule already executing, skipping")
		return store.StatusRunning
	}
	s.executing[sched.ID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.executing, sched.ID)
		s.mu.Unlock()
	}()

	claimed, err := s.schedules.MarkRunning(ctx, sched.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("scheduleID", sched.ID).Msg("Failed to claim schedule")
		return "error: " + err.Error()
	}
	if !claimed {
		s.logger.Warn().Str("scheduleID", sched.ID).Msg("Schedule claimed elsewhere, skipping")
		return store.StatusRunning
	}

	startedAt := time.Now().UTC()
	log := s.logger.With().Str("scheduleID", sched.ID).Str("name", sched.Name).Logger()
	log.Info().Msg("Executing schedule")

	status, results, execErr := s.selectAndStart(ctx, sched, log)
	if execErr != nil {
		status = "error: " + execErr.Error()
		log.Error().Err(execErr).Msg("Schedule execution failed")
	}

	// The next firing is computed even after a failed run; one bad
	// execution never takes the schedule out of rotation.
	next, nerr := nextRun(sched.CronExpression, startedAt.Local())
	if nerr != nil {
		next = startedAt.Add(s.cfg.SchedulePoll)
	}

	if err := s.schedules.SetRunResult(ctx, sched.ID, startedAt, next, status); err != nil {
		log.Error().Err(err).Msg("Failed to persist run result")
	}
	if err := s.schedules.AppendLog(ctx, store.ScheduleLogEntry{
		ScheduleID:    sched.ID,
		ExecutionTime: startedAt,
		Status:        status,
		Results:       results,
	}); err != nil {
		log.Error().Err(err).Msg("Failed to write schedule log")
	}

	log.Info().Str("status", status).Time("nextRun", next).Msg("Schedule execution finished")
	return status
}

// selectAndStart browses the catalog with the schedule's criteria, ranks
// the candidates by rating and starts downloads for the best ones that
// carry the requested quality.
func (s *Supervisor) selectAndStart(ctx context.Context, sched *store.Schedule, log zerolog.Logger) (string, map[string]any, error) {
	candidates, err := s.catalog.Browse(ctx, sched.Criteria)
	if err != nil {
		return "", nil, fmt.Errorf("browse catalog: %w", err)
	}
	if len(candidates) == 0 {
		return "completed (no movies found)", map[string]any{
			"movies_found":      0,
			"movies_selected":   0,
			"downloads_started": 0,
		}, nil
	}

	catalog.RankByRating(candidates)

	var selectedTitles []string
	started := 0
	for i := range candidates {
		if started >= sched.MaxDownloads {
			break
		}
		cand := &candidates[i]
		t, ok := catalog.MatchQuality(*cand, sched.Quality)
		if !ok {
			log.Warn().Str("title", cand.Title).Str("quality", sched.Quality).
				Msg("Candidate lacks requested quality, skipping")
			continue
		}
		if _, derr := s.downloads.StartDownload(ctx, cand, t); derr != nil {
			log.Error().Err(derr).Str("title", cand.Title).Msg("Failed to start download")
			continue
		}
		selectedTitles = append(selectedTitles, cand.Title)
		started++
	}

	results := map[string]any{
		"movies_found":      len(candidates),
		"movies_selected":   len(selectedTitles),
		"selected_titles":   selectedTitles,
		"downloads_started": started,
	}
	return "completed", results, nil
}
