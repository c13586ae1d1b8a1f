// Package scheduler turns medication schedules into time-triggered webhook
// notifications. A short-period tick fires due tasks and queues the follow-up
// dose; a longer cron-driven sweep deactivates reminders whose courses ended.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"petdose/internal/domain"
	"petdose/internal/metrics"
	"petdose/internal/taskstore"
	"petdose/internal/webhook"
	"petdose/internal/worker"
)

// Store is the slice of persistence the scheduler reads and writes through.
type Store interface {
	GetReminder(ctx context.Context, id string) (domain.Reminder, error)
	ListActiveReminders(ctx context.Context) ([]domain.Reminder, error)
	MarkReminderFinished(ctx context.Context, id string, at time.Time) (bool, error)
}

// Sender delivers one webhook and records the attempt.
type Sender interface {
	Send(ctx context.Context, payload domain.WebhookPayload, dest domain.Destination) webhook.Result
	Resolve(dest domain.Destination) domain.Destination
}

type Config struct {
	TickInterval time.Duration
	// Lookahead fires tasks due slightly after the tick to avoid boundary races.
	Lookahead time.Duration
	// SweepSpec is a robfig/cron spec for the completion safety sweep.
	SweepSpec string
	Workers   int
}

func DefaultConfig() Config {
	return Config{
		TickInterval: 10 * time.Second,
		Lookahead:    5 * time.Second,
		SweepSpec:    "@every 5m",
		Workers:      8,
	}
}

type Option func(*Service)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

type Service struct {
	repo   Store
	sender Sender
	tasks  *taskstore.Store
	pool   *worker.Pool
	clock  clock.Clock
	cfg    Config

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
	cron      *cron.Cron
	loopDone  chan struct{}

	tickMu sync.Mutex

	statsMu    sync.Mutex
	lastTickAt time.Time
	ticks      uint64
	dispatched uint64
	failed     uint64
	finished   uint64
}

func NewService(repo Store, sender Sender, cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.Lookahead < 0 {
		cfg.Lookahead = 0
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = def.SweepSpec
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	s := &Service{
		repo:   repo,
		sender: sender,
		tasks:  taskstore.New(),
		pool:   worker.NewPool(cfg.Workers),
		clock:  clock.New(),
		cfg:    cfg,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ValidateSweepSpec checks a cron spec the way Start will parse it.
func ValidateSweepSpec(spec string) error {
	_, err := cron.ParseStandard(spec)
	return err
}

// Start launches the tick loop and the completion sweep. Calling it while
// running is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.SweepSpec, func() { s.sweep(loopCtx) }); err != nil {
		cancel()
		return err
	}

	ticker := s.clock.Ticker(s.cfg.TickInterval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.Tick(loopCtx)
			}
		}
	}()
	c.Start()

	s.running = true
	s.startedAt = s.clock.Now()
	s.cancel = cancel
	s.cron = c
	s.loopDone = done
	log.Info().Dur("interval", s.cfg.TickInterval).Str("sweep", s.cfg.SweepSpec).Msg("scheduler started")
	return nil
}

// Stop cancels both timers. Dispatches already in flight finish on their own;
// the returned channel closes once they have. Calling Stop while stopped is a no-op.
func (s *Service) Stop() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	done := make(chan struct{})
	if !s.running {
		close(done)
		return done
	}
	s.cancel()
	cronDone := s.cron.Stop().Done()
	loopDone := s.loopDone
	s.running = false
	s.cron = nil
	s.cancel = nil
	go func() {
		<-loopDone
		<-cronDone
		close(done)
	}()
	log.Info().Msg("scheduler stopped")
	return done
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

type Status struct {
	Running      bool       `json:"running"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	LastTickAt   *time.Time `json:"lastTickAt,omitempty"`
	PendingTasks int        `json:"pendingTasks"`
	Ticks        uint64     `json:"ticks"`
	Dispatched   uint64     `json:"dispatched"`
	Failed       uint64     `json:"failed"`
	Finished     uint64     `json:"finished"`
}

func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{Running: s.running}
	if s.running {
		t := s.startedAt
		st.StartedAt = &t
	}
	s.mu.Unlock()

	s.statsMu.Lock()
	if !s.lastTickAt.IsZero() {
		t := s.lastTickAt
		st.LastTickAt = &t
	}
	st.Ticks = s.ticks
	st.Dispatched = s.dispatched
	st.Failed = s.failed
	st.Finished = s.finished
	s.statsMu.Unlock()

	st.PendingTasks = s.tasks.Len()
	return st
}

// TaskView is a pending task as exposed to operators. Secrets are redacted.
type TaskView struct {
	ID              string    `json:"id"`
	ReminderID      string    `json:"reminderId"`
	MedicationIndex int       `json:"medicationIndex"`
	DueAt           time.Time `json:"dueAt"`
	WebhookURL      string    `json:"webhookUrl,omitempty"`
	WebhookSecret   string    `json:"webhookSecret,omitempty"`
}

const redacted = "[redacted]"

func (s *Service) ListScheduledTasks() []TaskView {
	tasks := s.tasks.List()
	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		v := TaskView{
			ID:              t.ID,
			ReminderID:      t.ReminderID,
			MedicationIndex: t.MedicationIndex,
			DueAt:           t.DueAt,
			WebhookURL:      t.Destination.URL,
		}
		if t.Destination.Secret != "" {
			v.WebhookSecret = redacted
		}
		out = append(out, v)
	}
	return out
}

func (s *Service) updatePending() {
	metrics.PendingTasks.Set(float64(s.tasks.Len()))
}
