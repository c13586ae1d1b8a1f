package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petdose/internal/domain"
	"petdose/internal/dose"
	"petdose/internal/storage"
	"petdose/internal/webhook"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu        sync.Mutex
	reminders map[string]domain.Reminder
	getErr    error
	// failGets fails that many GetReminder calls, then recovers
	failGets int
}

func newFakeStore(rs ...domain.Reminder) *fakeStore {
	f := &fakeStore{reminders: make(map[string]domain.Reminder)}
	for _, r := range rs {
		f.put(r)
	}
	return f
}

func clone(r domain.Reminder) domain.Reminder {
	r.Medications = append([]domain.Medication(nil), r.Medications...)
	return r
}

func (f *fakeStore) put(r domain.Reminder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reminders[r.ID] = clone(r)
}

func (f *fakeStore) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reminders, id)
}

func (f *fakeStore) GetReminder(_ context.Context, id string) (domain.Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGets > 0 {
		f.failGets--
		return domain.Reminder{}, errors.New("database is locked")
	}
	if f.getErr != nil {
		return domain.Reminder{}, f.getErr
	}
	r, ok := f.reminders[id]
	if !ok {
		return domain.Reminder{}, storage.ErrNotFound
	}
	return clone(r), nil
}

func (f *fakeStore) ListActiveReminders(context.Context) ([]domain.Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Reminder
	for _, r := range f.reminders {
		if r.IsActive {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

func (f *fakeStore) MarkReminderFinished(_ context.Context, id string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reminders[id]
	if !ok || !r.IsActive {
		return false, nil
	}
	r.IsActive = false
	r.UpdatedAt = at
	r.Revision++
	f.reminders[id] = r
	return true, nil
}

type sent struct {
	payload domain.WebhookPayload
	dest    domain.Destination
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []sent
	fallback domain.Destination
	fail     map[string]bool
	panics   map[string]bool
}

func (f *fakeSender) Resolve(d domain.Destination) domain.Destination {
	if d.URL != "" {
		return d
	}
	return f.fallback
}

func (f *fakeSender) Send(_ context.Context, p domain.WebhookPayload, d domain.Destination) webhook.Result {
	d = f.Resolve(d)
	if f.panics[d.URL] {
		panic("transport exploded")
	}
	f.mu.Lock()
	f.sent = append(f.sent, sent{payload: p, dest: d})
	f.mu.Unlock()
	if f.fail[d.URL] {
		return webhook.Result{Err: errors.New("connection refused")}
	}
	return webhook.Result{StatusCode: 200, Success: true}
}

func (f *fakeSender) events(e domain.EventType) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, s := range f.sent {
		if s.payload.EventType == e {
			out = append(out, s)
		}
	}
	return out
}

func medication(title string, freqHours, days int, start time.Time) domain.Medication {
	return domain.Medication{
		Title:          title,
		Quantity:       "1 comprimido",
		FrequencyValue: freqHours,
		FrequencyUnit:  domain.FrequencyHours,
		DurationValue:  days,
		DurationUnit:   domain.DurationDays,
		StartAt:        start,
	}
}

func reminder(id, url string, meds ...domain.Medication) domain.Reminder {
	return domain.Reminder{
		ID:          id,
		TutorName:   "Ana",
		PetName:     "Thor",
		PetBreed:    "Labrador",
		PhoneNumber: "+5511999990000",
		IsActive:    true,
		Revision:    1,
		WebhookURL:  url,
		Medications: meds,
		CreatedAt:   t0.Add(-time.Hour),
		UpdatedAt:   t0.Add(-time.Hour),
	}
}

func newTestService(t *testing.T, store *fakeStore, sender *fakeSender) (*Service, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(t0)
	s := NewService(store, sender, Config{TickInterval: time.Second, Lookahead: 3 * time.Second, Workers: 4}, WithClock(mock))
	return s, mock
}

func TestScheduleIsIdempotent(t *testing.T) {
	r := reminder("rem_1", "https://a.example",
		medication("Amoxicilina", 8, 7, t0),
		medication("Meloxicam", 24, 5, t0.Add(2*time.Hour)))
	s, _ := newTestService(t, newFakeStore(r), &fakeSender{})

	n, err := s.ScheduleReminderNotifications(context.Background(), r, domain.Destination{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = s.ScheduleReminderNotifications(context.Background(), r, domain.Destination{})
	require.NoError(t, err)

	tasks := s.ListScheduledTasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, t0, tasks[0].DueAt)
	assert.Equal(t, t0.Add(2*time.Hour), tasks[1].DueAt)
	assert.Equal(t, "https://a.example", tasks[0].WebhookURL)
}

func TestScheduleSkipsInvalidMedication(t *testing.T) {
	bad := medication("Broken", 0, 7, t0)
	r := reminder("rem_1", "", bad, medication("Amoxicilina", 8, 7, t0))
	s, _ := newTestService(t, newFakeStore(r), &fakeSender{})

	n, err := s.ScheduleReminderNotifications(context.Background(), r, domain.Destination{})
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, dose.ErrInvalidSchedule)
	tasks := s.ListScheduledTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, 1, tasks[0].MedicationIndex)
}

func TestScheduleCatchesUp(t *testing.T) {
	r := reminder("rem_1", "", medication("Amoxicilina", 8, 7, t0.Add(-20*time.Hour)))
	s, _ := newTestService(t, newFakeStore(r), &fakeSender{})

	_, err := s.ScheduleReminderNotifications(context.Background(), r, domain.Destination{})
	require.NoError(t, err)
	tasks := s.ListScheduledTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, t0.Add(4*time.Hour), tasks[0].DueAt)
}

func TestScheduleInactiveOrExhaustedQueuesNothing(t *testing.T) {
	inactive := reminder("rem_1", "", medication("Amoxicilina", 8, 7, t0))
	inactive.IsActive = false
	ended := reminder("rem_2", "", medication("Amoxicilina", 8, 1, t0.AddDate(0, 0, -3)))
	s, _ := newTestService(t, newFakeStore(inactive, ended), &fakeSender{})

	n, err := s.ScheduleReminderNotifications(context.Background(), inactive, domain.Destination{})
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.ScheduleReminderNotifications(context.Background(), ended, domain.Destination{})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.ScheduleReminderNotifications(context.Background(), reminder("rem_3", ""), domain.Destination{})
	assert.ErrorIs(t, err, ErrNoMedications)
}

func TestTickFiresAndQueuesFollowUp(t *testing.T) {
	r := reminder("rem_1", "https://a.example", medication("Amoxicilina", 8, 7, t0))
	sender := &fakeSender{}
	s, mock := newTestService(t, newFakeStore(r), sender)
	_, err := s.ScheduleReminderNotifications(context.Background(), r, domain.Destination{})
	require.NoError(t, err)

	mock.Set(t0.Add(-2 * time.Second)) // inside the lookahead
	s.Tick(context.Background())

	notes := sender.events(domain.EventNotification)
	require.Len(t, notes, 1)
	assert.Equal(t, "Amoxicilina", notes[0].payload.MedicationProduct.Title)
	assert.Equal(t, "2025-01-08T00:00:00Z", notes[0].payload.MedicationProduct.EndDateTime)
	assert.Equal(t, "https://a.example", notes[0].dest.URL)

	tasks := s.ListScheduledTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, t0.Add(8*time.Hour), tasks[0].DueAt)

	st := s.Status()
	assert.Equal(t, uint64(1), st.Ticks)
	assert.Equal(t, uint64(1), st.Dispatched)
	assert.Zero(t, st.Failed)
	assert.Equal(t, 1, st.PendingTasks)
}

func TestTickChainEndsWhenCourseIsExhausted(t *testing.T) {
	r := reminder("rem_1", "https://a.example", medication("Amoxicilina", 1, 1, t0))
	sender := &fakeSender{}
	store := newFakeStore(r)
	s, mock := newTestService(t, store, sender)
	_, err := s.ScheduleReminderNotifications(context.Background(), r, domain.Destination{})
	require.NoError(t, err)

	for h := 0; h <= 24; h++ {
		mock.Set(t0.Add(time.Duration(h) * time.Hour))
		s.Tick(context.Background())
	}
	assert.Len(t, sender.events(domain.EventNotification), 25)
	assert.Empty(t, s.ListScheduledTasks())

	// the tick that fired the last dose also finished the reminder
	assert.Len(t, sender.events(domain.EventFinished), 1)
	stored, err := store.GetReminder(context.Background(), r.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)

	mock.Set(time.Date(2025, 1, 2, 0, 0, 1, 0, time.UTC))
	s.Tick(context.Background())
	checked, finished, err := s.SweepCompleted(context.Background())
	require.NoError(t, err)
	assert.Zero(t, checked)
	assert.Zero(t, finished)
	assert.Len(t, sender.events(domain.EventFinished), 1)
}

func TestTickFinishesWhenLastDoseFiresInsideLookahead(t *testing.T) {
	r := reminder("rem_1", "https://a.example", medication("Amoxicilina", 1, 1, t0))
	sender := &fakeSender{}
	store := newFakeStore(r)
	s, mock := newTestService(t, store, sender)
	_, err := s.ScheduleReminderNotifications(context.Background(), r, domain.Destination{})
	require.NoError(t, err)

	// every tick lands 2s before its dose, within the 3s lookahead
	for h := 0; h <= 24; h++ {
		mock.Set(t0.Add(time.Duration(h)*time.Hour - 2*time.Second))
		s.Tick(context.Background())
	}
	assert.Len(t, sender.events(domain.EventNotification), 25)
	assert.Empty(t, s.ListScheduledTasks())
	assert.Len(t, sender.events(domain.EventFinished), 1)
	stored, err := store.GetReminder(context.Background(), r.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
}

func TestTickDoesNotFinishOnRequeuedLastDose(t *testing.T) {
	m := medication("Amoxicilina", 1, 1, t0.Add(-24*time.Hour))
	r := reminder("rem_1", "https://a.example", m)
	store := newFakeStore(r)
	sender := &fakeSender{}
	s, mock := newTestService(t, store, sender)
	mock.Set(t0.Add(-2 * time.Second))
	_, err := s.ScheduleReminderNotifications(context.Background(), r, domain.Destination{})
	require.NoError(t, err)
	task, ok := s.tasks.Get("rem_1", 0)
	require.True(t, ok)
	require.Equal(t, t0, task.DueAt)

	// the dispatch fails to load the reminder; the completion check that follows does not
	store.failGets = 1
	s.Tick(context.Background())
	assert.Empty(t, sender.events(domain.EventNotification))
	assert.Empty(t, sender.events(domain.EventFinished))
	_, ok = s.tasks.Get("rem_1", 0)
	assert.True(t, ok, "last dose stays queued")

	s.Tick(context.Background())
	assert.Len(t, sender.events(domain.EventNotification), 1)
	assert.Len(t, sender.events(domain.EventFinished), 1)
}

func TestTickKeepsReminderWhileAnotherLastDoseIsQueued(t *testing.T) {
	hourly := medication("Amoxicilina", 1, 1, t0.Add(-24*time.Hour))
	everyMinute := domain.Medication{
		Title:          "Soro",
		Quantity:       "5 ml",
		FrequencyValue: 1,
		FrequencyUnit:  domain.FrequencyMinutes,
		DurationValue:  1,
		DurationUnit:   domain.DurationDays,
		StartAt:        t0.Add(-24*time.Hour - time.Second),
	}
	r := reminder("rem_1", "https://a.example", hourly, everyMinute)
	store := newFakeStore(r)
	sender := &fakeSender{}
	mock := clock.NewMock()
	mock.Set(t0.Add(-2 * time.Second))
	// one worker keeps the dispatch order by due time
	s := NewService(store, sender, Config{TickInterval: time.Second, Lookahead: 3 * time.Second, Workers: 1}, WithClock(mock))
	_, err := s.ScheduleReminderNotifications(context.Background(), r, domain.Destination{})
	require.NoError(t, err)
	tasks := s.ListScheduledTasks()
	require.Len(t, tasks, 2)
	require.Equal(t, t0.Add(-time.Second), tasks[0].DueAt)
	require.Equal(t, t0, tasks[1].DueAt)

	// the earlier last dose fails to load, the later one goes out
	store.failGets = 1
	s.Tick(context.Background())
	assert.Len(t, sender.events(domain.EventNotification), 1)
	assert.Empty(t, sender.events(domain.EventFinished))
	_, ok := s.tasks.Get("rem_1", 1)
	assert.True(t, ok, "requeued dose must survive the completion check")

	s.Tick(context.Background())
	assert.Len(t, sender.events(domain.EventNotification), 2)

	mock.Set(t0)
	_, finished, err := s.SweepCompleted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, finished)
	assert.Len(t, sender.events(domain.EventFinished), 1)
}

func TestSweepFinishesReminderWithoutPendingTasks(t *testing.T) {
	r := reminder("rem_1", "https://a.example", medication("A", 1, 1, t0.AddDate(0, 0, -2)))
	sender := &fakeSender{}
	s, _ := newTestService(t, newFakeStore(r), sender)

	checked, finished, err := s.SweepCompleted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, checked)
	assert.Equal(t, 1, finished)
	assert.Len(t, sender.events(domain.EventFinished), 1)
}

func TestDeliveryIsolation(t *testing.T) {
	a := reminder("rem_a", "https://a.example", medication("Amoxicilina", 8, 7, t0))
	b := reminder("rem_b", "https://b.example", medication("Meloxicam", 8, 7, t0))
	c := reminder("rem_c", "https://c.example", medication("Dipirona", 8, 7, t0))
	sender := &fakeSender{
		fail:   map[string]bool{"https://a.example": true},
		panics: map[string]bool{"https://c.example": true},
	}
	s, _ := newTestService(t, newFakeStore(a, b, c), sender)
	for _, r := range []domain.Reminder{a, b, c} {
		_, err := s.ScheduleReminderNotifications(context.Background(), r, domain.Destination{})
		require.NoError(t, err)
	}

	s.Tick(context.Background())

	notes := sender.events(domain.EventNotification)
	urls := map[string]bool{}
	for _, n := range notes {
		urls[n.dest.URL] = true
	}
	assert.True(t, urls["https://a.example"], "failed delivery is still attempted")
	assert.True(t, urls["https://b.example"])
	st := s.Status()
	assert.Equal(t, uint64(1), st.Failed)

	// a failed delivery still queues the next dose
	tasks := s.ListScheduledTasks()
	var reminders []string
	for _, task := range tasks {
		reminders = append(reminders, task.ReminderID)
	}
	assert.Contains(t, reminders, "rem_a")
	assert.Contains(t, reminders, "rem_b")
}

func TestTickDropsDeletedInactiveAndEditedReminders(t *testing.T) {
	deleted := reminder("rem_del", "", medication("A", 8, 7, t0))
	inactive := reminder("rem_off", "", medication("B", 8, 7, t0))
	edited := reminder("rem_edit", "", medication("C", 8, 7, t0))
	store := newFakeStore(deleted, inactive, edited)
	sender := &fakeSender{fallback: domain.Destination{URL: "https://default.example"}}
	s, _ := newTestService(t, store, sender)
	for _, r := range []domain.Reminder{deleted, inactive, edited} {
		_, err := s.ScheduleReminderNotifications(context.Background(), r, domain.Destination{})
		require.NoError(t, err)
	}

	store.remove("rem_del")
	inactive.IsActive = false
	store.put(inactive)
	edited.Revision++
	store.put(edited)

	s.Tick(context.Background())
	assert.Empty(t, sender.events(domain.EventNotification))
	assert.Empty(t, s.ListScheduledTasks())
}

func TestTickRequeuesOnStoreError(t *testing.T) {
	r := reminder("rem_1", "", medication("A", 8, 7, t0))
	store := newFakeStore(r)
	sender := &fakeSender{}
	s, _ := newTestService(t, store, sender)
	_, err := s.ScheduleReminderNotifications(context.Background(), r, domain.Destination{})
	require.NoError(t, err)

	store.getErr = errors.New("database is locked")
	s.Tick(context.Background())
	assert.Empty(t, sender.events(domain.EventNotification))
	tasks := s.ListScheduledTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, t0, tasks[0].DueAt)
}

func TestFollowUpDoesNotOverwriteRescheduledTask(t *testing.T) {
	r := reminder("rem_1", "", medication("A", 8, 7, t0))
	store := newFakeStore(r)
	s, _ := newTestService(t, store, &fakeSender{})
	_, err := s.ScheduleReminderNotifications(context.Background(), r, domain.Destination{})
	require.NoError(t, err)
	due := s.tasks.DueAsOf(t0)
	require.Len(t, due, 1)

	// an edit lands while the popped task is being dispatched
	edited := r
	edited.Medications = []domain.Medication{medication("A", 12, 7, t0)}
	_, err = s.ScheduleReminderNotifications(context.Background(), edited, domain.Destination{})
	require.NoError(t, err)
	s.processTask(context.Background(), due[0])

	tasks := s.ListScheduledTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, t0, tasks[0].DueAt)
}

func TestCheckAndMaybeFinishIsMonotonic(t *testing.T) {
	r := reminder("rem_1", "https://a.example",
		medication("A", 8, 1, t0.AddDate(0, 0, -3)),
		medication("B", 24, 2, t0.AddDate(0, 0, -3)))
	store := newFakeStore(r)
	sender := &fakeSender{}
	s, _ := newTestService(t, store, sender)
	s.tasks.Upsert(domain.ScheduledTask{ID: "tsk_stale", ReminderID: r.ID, DueAt: t0.Add(time.Hour)})

	ok, err := s.CheckAndMaybeFinish(context.Background(), r)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, s.ListScheduledTasks())

	finished := sender.events(domain.EventFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, "A", finished[0].payload.MedicationProduct.Title)

	// stale in-memory copy still claims active; the store decides
	ok, err = s.CheckAndMaybeFinish(context.Background(), r)
	require.NoError(t, err)
	assert.False(t, ok)
	stored, _ := store.GetReminder(context.Background(), r.ID)
	ok, err = s.CheckAndMaybeFinish(context.Background(), stored)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, sender.events(domain.EventFinished), 1)
	assert.Equal(t, uint64(1), s.Status().Finished)
}

func TestCheckAndMaybeFinishWaitsForEveryCourse(t *testing.T) {
	r := reminder("rem_1", "",
		medication("A", 8, 1, t0.AddDate(0, 0, -3)),
		medication("B", 8, 7, t0.AddDate(0, 0, -3)))
	sender := &fakeSender{}
	s, _ := newTestService(t, newFakeStore(r), sender)

	ok, err := s.CheckAndMaybeFinish(context.Background(), r)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, sender.events(domain.EventFinished))
}

func TestResyncReproducesNextDue(t *testing.T) {
	r := reminder("rem_1", "https://a.example",
		medication("A", 8, 7, t0.Add(-30*time.Hour)),
		medication("B", 6, 3, t0.Add(-5*time.Hour)))
	store := newFakeStore(r)
	s, mock := newTestService(t, store, &fakeSender{})
	_, err := s.ScheduleReminderNotifications(context.Background(), r, domain.Destination{})
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		mock.Add(time.Hour)
		s.Tick(context.Background())
	}
	before := map[int]time.Time{}
	for _, task := range s.ListScheduledTasks() {
		before[task.MedicationIndex] = task.DueAt
	}
	require.Len(t, before, 2)

	// process restart: fresh in-memory state, same persisted reminders and clock
	restarted := NewService(store, &fakeSender{}, Config{Lookahead: 3 * time.Second}, WithClock(mock))
	rep, err := restarted.Resync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResyncReport{Reminders: 1, Scheduled: 2}, rep)

	for _, task := range restarted.ListScheduledTasks() {
		assert.Equal(t, before[task.MedicationIndex], task.DueAt, "medication %d", task.MedicationIndex)
	}
}

func TestListScheduledTasksRedactsSecrets(t *testing.T) {
	r := reminder("rem_1", "https://a.example", medication("A", 8, 7, t0))
	r.WebhookSecret = "s3cret"
	s, _ := newTestService(t, newFakeStore(r), &fakeSender{})
	_, err := s.ScheduleReminderNotifications(context.Background(), r, domain.Destination{})
	require.NoError(t, err)

	tasks := s.ListScheduledTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, redacted, tasks[0].WebhookSecret)
	task, ok := s.tasks.Get("rem_1", 0)
	require.True(t, ok)
	assert.Equal(t, "s3cret", task.Destination.Secret)
}

func TestNotifyUsesFirstMedication(t *testing.T) {
	r := reminder("rem_1", "https://a.example", medication("A", 8, 7, t0), medication("B", 8, 7, t0))
	sender := &fakeSender{}
	s, _ := newTestService(t, newFakeStore(r), sender)

	s.Notify(context.Background(), r, domain.EventCreated)
	created := sender.events(domain.EventCreated)
	require.Len(t, created, 1)
	assert.Equal(t, "A", created[0].payload.MedicationProduct.Title)
	assert.NotEmpty(t, created[0].payload.MedicationProduct.EndDateTime)
}

func TestStartStopLifecycle(t *testing.T) {
	r := reminder("rem_1", "https://a.example", medication("A", 8, 7, t0.Add(500*time.Millisecond)))
	sender := &fakeSender{}
	s, mock := newTestService(t, newFakeStore(r), sender)
	_, err := s.ScheduleReminderNotifications(context.Background(), r, domain.Destination{})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Status().Running)
	require.NotNil(t, s.Status().StartedAt)

	assert.Eventually(t, func() bool {
		mock.Add(time.Second)
		return len(sender.events(domain.EventNotification)) == 1
	}, time.Second, 10*time.Millisecond)

	select {
	case <-s.Stop():
	case <-time.After(time.Second):
		t.Fatal("stop did not complete")
	}
	assert.False(t, s.Running())
	<-s.Stop()
}

func TestStartRejectsBadSweepSpec(t *testing.T) {
	s := NewService(newFakeStore(), &fakeSender{}, Config{SweepSpec: "every now and then"})
	assert.Error(t, s.Start(context.Background()))
	assert.False(t, s.Running())
	assert.Error(t, ValidateSweepSpec("every now and then"))
	assert.NoError(t, ValidateSweepSpec("@every 1m"))
}
