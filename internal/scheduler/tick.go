package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"petdose/internal/domain"
	"petdose/internal/dose"
	"petdose/internal/metrics"
	"petdose/internal/storage"
	"petdose/internal/webhook"
	"petdose/internal/worker"
)

// Tick fires every task due within the lookahead, queues each follow-up
// dose, then runs the completion check for the reminders involved. Failures
// are logged per task and never escape.
func (s *Service) Tick(ctx context.Context) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.clock.Now()
	due := s.tasks.DueAsOf(now.Add(s.cfg.Lookahead))
	s.statsMu.Lock()
	s.lastTickAt = now
	s.ticks++
	s.statsMu.Unlock()
	metrics.SchedulerTicks.Inc()
	defer s.updatePending()

	if len(due) == 0 {
		return
	}
	log.Debug().Int("due", len(due)).Time("now", now).Msg("processing due tasks")

	// in-flight deliveries are never aborted by Stop
	dctx := context.WithoutCancel(ctx)

	jobs := make([]worker.Job, 0, len(due))
	var reminderIDs []string
	seen := make(map[string]bool)
	// latest dispatched due time per reminder; a dose fired inside the
	// lookahead counts as given when judging whether the course ended
	var firedMu sync.Mutex
	firedAt := make(map[string]time.Time)
	for _, t := range due {
		t := t
		jobs = append(jobs, worker.Job{Name: t.ID, Run: func(ctx context.Context) {
			if !s.processTask(ctx, t) {
				return
			}
			firedMu.Lock()
			if t.DueAt.After(firedAt[t.ReminderID]) {
				firedAt[t.ReminderID] = t.DueAt
			}
			firedMu.Unlock()
		}})
		if !seen[t.ReminderID] {
			seen[t.ReminderID] = true
			reminderIDs = append(reminderIDs, t.ReminderID)
		}
	}
	s.pool.Do(dctx, jobs)

	checks := make([]worker.Job, 0, len(reminderIDs))
	for _, id := range reminderIDs {
		id, at := id, firedAt[id]
		checks = append(checks, worker.Job{Name: "check-" + id, Run: func(ctx context.Context) { s.checkReminder(ctx, id, at) }})
	}
	s.pool.Do(dctx, checks)
}

// processTask dispatches t and queues its follow-up. It reports whether the
// dose was dispatched.
func (s *Service) processTask(ctx context.Context, t domain.ScheduledTask) bool {
	logger := log.With().
		Str("task_id", t.ID).
		Str("reminder_id", t.ReminderID).
		Int("medication_index", t.MedicationIndex).
		Logger()

	r, err := s.repo.GetReminder(ctx, t.ReminderID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Debug().Msg("reminder deleted, dropping task")
		return false
	}
	if err != nil {
		// keep the chain alive; the next tick tries again
		s.tasks.InsertIfAbsent(t)
		logger.Error().Err(err).Msg("failed to load reminder")
		return false
	}
	if !r.IsActive {
		logger.Debug().Msg("reminder inactive, dropping task")
		return false
	}
	if r.Revision != t.Revision {
		logger.Debug().Msg("reminder edited since scheduling, dropping task")
		return false
	}
	if t.MedicationIndex >= len(r.Medications) {
		logger.Warn().Msg("medication index out of range, dropping task")
		return false
	}
	m := r.Medications[t.MedicationIndex]
	if err := dose.Validate(m); err != nil {
		logger.Warn().Err(err).Msg("invalid medication, dropping task")
		return false
	}
	m = dose.WithEnd(m)
	r.Medications[t.MedicationIndex] = m

	res := s.sender.Send(ctx, webhook.BuildPayload(r, t.MedicationIndex, domain.EventNotification), t.Destination)
	s.statsMu.Lock()
	s.dispatched++
	if !res.Success {
		s.failed++
	}
	s.statsMu.Unlock()

	next := dose.Following(m, t.DueAt, s.clock.Now())
	if next.Exhausted {
		logger.Info().Msg("treatment course ended")
		return true
	}
	follow := t
	follow.ID = newTaskID()
	follow.DueAt = next.At
	if !s.tasks.InsertIfAbsent(follow) {
		logger.Debug().Msg("newer task already pending")
		return true
	}
	logger.Debug().Time("next_due", next.At).Msg("follow-up dose scheduled")
	return true
}

func (s *Service) checkReminder(ctx context.Context, id string, at time.Time) {
	r, err := s.repo.GetReminder(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		log.Error().Err(err).Str("reminder_id", id).Msg("failed to load reminder for completion check")
		return
	}
	if _, err := s.finishIfEnded(ctx, r, at); err != nil {
		log.Error().Err(err).Str("reminder_id", id).Msg("completion check failed")
	}
}
