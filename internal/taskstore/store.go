// Package taskstore holds the volatile queue of pending dose notifications.
package taskstore

import (
	"sort"
	"sync"
	"time"

	"petdose/internal/domain"
)

type key struct {
	reminderID string
	medIndex   int
}

// Store keeps at most one pending task per (reminder, medication index).
// All methods are safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	tasks map[key]domain.ScheduledTask
}

func New() *Store {
	return &Store{tasks: make(map[key]domain.ScheduledTask)}
}

func keyOf(t domain.ScheduledTask) key {
	return key{reminderID: t.ReminderID, medIndex: t.MedicationIndex}
}

// Upsert inserts t, replacing any pending task for the same medication.
func (s *Store) Upsert(t domain.ScheduledTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[keyOf(t)] = t
}

// InsertIfAbsent adds t unless a task for the same medication is already
// pending, and reports whether t was added.
func (s *Store) InsertIfAbsent(t domain.ScheduledTask) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyOf(t)
	if _, ok := s.tasks[k]; ok {
		return false
	}
	s.tasks[k] = t
	return true
}

// RemoveAllForReminder drops every pending task of a reminder and returns how many were removed.
func (s *Store) RemoveAllForReminder(reminderID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.tasks {
		if k.reminderID == reminderID {
			delete(s.tasks, k)
			n++
		}
	}
	return n
}

// CountForReminder returns how many tasks of a reminder are pending.
func (s *Store) CountForReminder(reminderID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.tasks {
		if k.reminderID == reminderID {
			n++
		}
	}
	return n
}

// DueAsOf removes and returns the tasks due at or before t, oldest first.
func (s *Store) DueAsOf(t time.Time) []domain.ScheduledTask {
	s.mu.Lock()
	var due []domain.ScheduledTask
	for k, task := range s.tasks {
		if !task.DueAt.After(t) {
			due = append(due, task)
			delete(s.tasks, k)
		}
	}
	s.mu.Unlock()
	sortByDue(due)
	return due
}

// List returns a snapshot of all pending tasks ordered by due time.
func (s *Store) List() []domain.ScheduledTask {
	s.mu.Lock()
	out := make([]domain.ScheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task)
	}
	s.mu.Unlock()
	sortByDue(out)
	return out
}

// Get returns the pending task for a medication, if any.
func (s *Store) Get(reminderID string, medIndex int) (domain.ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key{reminderID: reminderID, medIndex: medIndex}]
	return t, ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func sortByDue(tasks []domain.ScheduledTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].DueAt.Equal(tasks[j].DueAt) {
			if tasks[i].ReminderID == tasks[j].ReminderID {
				return tasks[i].MedicationIndex < tasks[j].MedicationIndex
			}
			return tasks[i].ReminderID < tasks[j].ReminderID
		}
		return tasks[i].DueAt.Before(tasks[j].DueAt)
	})
}
