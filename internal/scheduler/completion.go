package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"petdose/internal/domain"
	"petdose/internal/dose"
	"petdose/internal/metrics"
	"petdose/internal/webhook"
)

// courseEnded reports whether every medication has a defined end not after now.
func courseEnded(r domain.Reminder, now time.Time) bool {
	if len(r.Medications) == 0 {
		return false
	}
	for _, m := range r.Medications {
		if m.EndAt == nil && dose.Validate(m) != nil {
			return false
		}
		if !dose.Finished(m, now) {
			return false
		}
	}
	return true
}

// CheckAndMaybeFinish deactivates r once all of its courses have ended,
// drops its pending tasks and sends a single finished webhook. It reports
// whether this call finished the reminder; repeated calls are no-ops.
func (s *Service) CheckAndMaybeFinish(ctx context.Context, r domain.Reminder) (bool, error) {
	return s.finishIfEnded(ctx, r, s.clock.Now())
}

// finishIfEnded is CheckAndMaybeFinish with the courses judged as of at.
// The tick passes the due time of a dose it fired inside the lookahead.
func (s *Service) finishIfEnded(ctx context.Context, r domain.Reminder, at time.Time) (bool, error) {
	if !r.IsActive {
		return false, nil
	}
	now := s.clock.Now()
	if at.Before(now) {
		at = now
	}
	if !courseEnded(r, at) {
		return false, nil
	}
	// judged ahead of the clock: a dose still queued has not been given
	if at.After(now) && s.tasks.CountForReminder(r.ID) > 0 {
		return false, nil
	}

	ok, err := s.repo.MarkReminderFinished(ctx, r.ID, now)
	if err != nil {
		return false, fmt.Errorf("mark reminder %s finished: %w", r.ID, err)
	}
	if !ok {
		return false, nil
	}
	s.tasks.RemoveAllForReminder(r.ID)
	s.updatePending()

	r = withEnds(r)
	r.IsActive = false
	s.sender.Send(ctx, webhook.BuildPayload(r, 0, domain.EventFinished), destinationFor(r))

	s.statsMu.Lock()
	s.finished++
	s.statsMu.Unlock()
	metrics.RemindersFinished.Inc()
	log.Info().Str("reminder_id", r.ID).Str("pet", r.PetName).Msg("treatment finished, reminder deactivated")
	return true, nil
}

// SweepCompleted runs the completion check over every active reminder.
func (s *Service) SweepCompleted(ctx context.Context) (checked, finished int, err error) {
	reminders, err := s.repo.ListActiveReminders(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list active reminders: %w", err)
	}
	for _, r := range reminders {
		checked++
		ok, err := s.CheckAndMaybeFinish(ctx, r)
		if err != nil {
			log.Error().Err(err).Str("reminder_id", r.ID).Msg("completion check failed")
			continue
		}
		if ok {
			finished++
		}
	}
	return checked, finished, nil
}

func (s *Service) sweep(ctx context.Context) {
	checked, finished, err := s.SweepCompleted(ctx)
	if err != nil {
		log.Error().Err(err).Msg("completion sweep failed")
		return
	}
	log.Debug().Int("checked", checked).Int("finished", finished).Msg("completion sweep done")
}
