package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"petdose/internal/domain"
	"petdose/internal/dose"
	"petdose/internal/webhook"
)

var ErrNoMedications = errors.New("reminder has no medications")

func newTaskID() string { return "tsk_" + uuid.NewString() }

// destinationFor is the reminder's own webhook, if any. The sender falls back
// to the system default when the URL is empty.
func destinationFor(r domain.Reminder) domain.Destination {
	return domain.Destination{URL: r.WebhookURL, Secret: r.WebhookSecret}
}

// ScheduleReminderNotifications replaces the pending tasks of r with one task
// per medication at its next dose. Invalid medications are skipped and
// reported in the returned error; the others are still scheduled. An empty
// dest uses the reminder's own webhook.
func (s *Service) ScheduleReminderNotifications(ctx context.Context, r domain.Reminder, dest domain.Destination) (int, error) {
	s.tasks.RemoveAllForReminder(r.ID)
	defer s.updatePending()

	if !r.IsActive {
		return 0, nil
	}
	if len(r.Medications) == 0 {
		return 0, ErrNoMedications
	}
	if dest.URL == "" {
		dest = destinationFor(r)
	}
	dest = s.sender.Resolve(dest)

	now := s.clock.Now()
	var (
		scheduled int
		errs      []error
	)
	for i, m := range r.Medications {
		if err := dose.Validate(m); err != nil {
			log.Warn().Err(err).Str("reminder_id", r.ID).Int("medication_index", i).Msg("skipping medication")
			errs = append(errs, fmt.Errorf("medication %d: %w", i, err))
			continue
		}
		next := dose.NextDose(dose.WithEnd(m), now)
		if next.Exhausted {
			log.Debug().Str("reminder_id", r.ID).Int("medication_index", i).Msg("course already ended")
			continue
		}
		task := domain.ScheduledTask{
			ID:              newTaskID(),
			ReminderID:      r.ID,
			MedicationIndex: i,
			DueAt:           next.At,
			Destination:     dest,
			Revision:        r.Revision,
		}
		s.tasks.Upsert(task)
		scheduled++
		log.Debug().
			Str("reminder_id", r.ID).
			Int("medication_index", i).
			Str("task_id", task.ID).
			Time("due_at", task.DueAt).
			Msg("dose scheduled")
	}
	return scheduled, errors.Join(errs...)
}

// RemoveReminderNotifications drops every pending task of a reminder.
func (s *Service) RemoveReminderNotifications(reminderID string) int {
	n := s.tasks.RemoveAllForReminder(reminderID)
	s.updatePending()
	return n
}

type ResyncReport struct {
	Reminders int `json:"reminders"`
	Scheduled int `json:"scheduled"`
	Failed    int `json:"failed"`
}

// Resync rebuilds the task store from every active persisted reminder,
// catching up schedules whose start is already in the past.
func (s *Service) Resync(ctx context.Context) (ResyncReport, error) {
	reminders, err := s.repo.ListActiveReminders(ctx)
	if err != nil {
		return ResyncReport{}, fmt.Errorf("list active reminders: %w", err)
	}
	var rep ResyncReport
	for _, r := range reminders {
		rep.Reminders++
		n, err := s.ScheduleReminderNotifications(ctx, r, domain.Destination{})
		rep.Scheduled += n
		if err != nil {
			rep.Failed++
		}
	}
	log.Info().
		Int("reminders", rep.Reminders).
		Int("scheduled", rep.Scheduled).
		Int("failed", rep.Failed).
		Msg("scheduler resynchronized")
	return rep, nil
}

// Notify sends a lifecycle event for r, summarized by its first medication.
func (s *Service) Notify(ctx context.Context, r domain.Reminder, event domain.EventType) webhook.Result {
	r = withEnds(r)
	return s.sender.Send(ctx, webhook.BuildPayload(r, 0, event), destinationFor(r))
}

// withEnds fills missing end times of valid medications on a copy of r.
func withEnds(r domain.Reminder) domain.Reminder {
	meds := make([]domain.Medication, len(r.Medications))
	for i, m := range r.Medications {
		if dose.Validate(m) == nil {
			m = dose.WithEnd(m)
		}
		meds[i] = m
	}
	r.Medications = meds
	return r
}
