package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"petdose/internal/domain"
	"petdose/internal/dose"
	"petdose/internal/scheduler"
	"petdose/internal/storage"
)

type Server struct {
	r     *chi.Mux
	repo  storage.Repository
	sched *scheduler.Service
	now   func() time.Time
}

func NewServer(repo storage.Repository, sched *scheduler.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, sched: sched, now: time.Now}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/reminders", func(r chi.Router) {
		r.Post("/", s.createReminder)
		r.Get("/{id}", s.getReminder)
		r.Put("/{id}", s.updateReminder)
		r.Delete("/{id}", s.deleteReminder)
		r.Post("/{id}/activate", s.activateReminder)
		r.Post("/{id}/deactivate", s.deactivateReminder)
		r.Get("/{id}/deliveries", s.listDeliveries)
	})

	r.Route("/api/scheduler", func(r chi.Router) {
		r.Get("/status", s.schedulerStatus)
		r.Get("/tasks", s.schedulerTasks)
		r.Post("/start", s.schedulerStart)
		r.Post("/stop", s.schedulerStop)
		r.Post("/resync", s.schedulerResync)
		r.Post("/sweep", s.schedulerSweep)
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type reminderReq struct {
	TutorName     string              `json:"tutorName"`
	PetName       string              `json:"petName"`
	PetBreed      string              `json:"petBreed"`
	PhoneNumber   string              `json:"phoneNumber"`
	Medications   []domain.Medication `json:"medications"`
	IsActive      *bool               `json:"isActive"`
	WebhookURL    *string             `json:"webhookUrl"`
	WebhookSecret *string             `json:"webhookSecret"`
}

func (req reminderReq) validate() error {
	var errs []error
	if strings.TrimSpace(req.PetName) == "" {
		errs = append(errs, errors.New("petName is required"))
	}
	if len(req.Medications) == 0 {
		errs = append(errs, errors.New("at least one medication is required"))
	}
	for i, m := range req.Medications {
		if strings.TrimSpace(m.Title) == "" {
			errs = append(errs, fmt.Errorf("medications[%d]: title is required", i))
		}
		m.EndAt = nil
		if err := dose.Validate(m); err != nil {
			errs = append(errs, fmt.Errorf("medications[%d]: %w", i, err))
		}
	}
	if req.WebhookURL != nil && *req.WebhookURL != "" {
		u, err := url.ParseRequestURI(*req.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("webhookUrl %q is not an http(s) URL", *req.WebhookURL))
		}
	}
	return errors.Join(errs...)
}

// apply copies the request onto rem. Absent optional fields keep their value.
// Medication end times are recomputed from start, frequency and duration.
func (req reminderReq) apply(rem *domain.Reminder) {
	rem.TutorName = req.TutorName
	rem.PetName = req.PetName
	rem.PetBreed = req.PetBreed
	rem.PhoneNumber = req.PhoneNumber
	rem.Medications = make([]domain.Medication, len(req.Medications))
	for i, m := range req.Medications {
		// the end is derived, never taken from the client
		m.EndAt = nil
		rem.Medications[i] = dose.WithEnd(m)
	}
	if req.IsActive != nil {
		rem.IsActive = *req.IsActive
	}
	if req.WebhookURL != nil {
		rem.WebhookURL = *req.WebhookURL
	}
	if req.WebhookSecret != nil {
		rem.WebhookSecret = *req.WebhookSecret
	}
}

type reminderResp struct {
	domain.Reminder
	ScheduledTasks int `json:"scheduledTasks"`
}

func decodeReminder(w http.ResponseWriter, r *http.Request) (reminderReq, bool) {
	var req reminderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return req, false
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (s *Server) createReminder(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeReminder(w, r)
	if !ok {
		return
	}
	rem := domain.Reminder{IsActive: true}
	req.apply(&rem)
	now := s.now()
	rem.CreatedAt, rem.UpdatedAt = now, now

	id, err := s.repo.CreateReminder(r.Context(), rem)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.reschedule(w, r, id, domain.EventCreated, http.StatusCreated)
}

// reschedule reloads the stored reminder so tasks carry the persisted
// revision, replaces its tasks, emits event and answers with the reminder.
func (s *Server) reschedule(w http.ResponseWriter, r *http.Request, id string, event domain.EventType, code int) {
	rem, err := s.repo.GetReminder(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	n, err := s.sched.ScheduleReminderNotifications(r.Context(), rem, domain.Destination{})
	if err != nil {
		log.Warn().Err(err).Str("reminder_id", id).Msg("reminder partially scheduled")
	}
	s.sched.Notify(r.Context(), rem, event)
	writeJSON(w, code, reminderResp{Reminder: rem, ScheduledTasks: n})
}

func (s *Server) getReminder(w http.ResponseWriter, r *http.Request) {
	rem, err := s.repo.GetReminder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (s *Server) updateReminder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rem, err := s.repo.GetReminder(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	req, ok := decodeReminder(w, r)
	if !ok {
		return
	}
	req.apply(&rem)
	rem.UpdatedAt = s.now()

	if err := s.repo.UpdateReminder(r.Context(), rem); err != nil {
		writeRepoError(w, err)
		return
	}
	s.reschedule(w, r, id, domain.EventUpdated, http.StatusOK)
}

func (s *Server) deleteReminder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rem, err := s.repo.GetReminder(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	if err := s.repo.DeleteReminder(r.Context(), id); err != nil {
		writeRepoError(w, err)
		return
	}
	s.sched.RemoveReminderNotifications(id)
	s.sched.Notify(r.Context(), rem, domain.EventDeleted)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) activateReminder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.repo.SetReminderActive(r.Context(), id, true, s.now()); err != nil {
		writeRepoError(w, err)
		return
	}
	s.reschedule(w, r, id, domain.EventActivated, http.StatusOK)
}

func (s *Server) deactivateReminder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.repo.SetReminderActive(r.Context(), id, false, s.now()); err != nil {
		writeRepoError(w, err)
		return
	}
	s.sched.RemoveReminderNotifications(id)
	rem, err := s.repo.GetReminder(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	s.sched.Notify(r.Context(), rem, domain.EventDeactivated)
	writeJSON(w, http.StatusOK, rem)
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.repo.ListDeliveries(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []domain.DeliveryRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Status())
}

func (s *Server) schedulerTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.ListScheduledTasks())
}

func (s *Server) schedulerStart(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Start(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.sched.Status())
}

func (s *Server) schedulerStop(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.sched.Stop():
	case <-r.Context().Done():
		return
	}
	writeJSON(w, http.StatusOK, s.sched.Status())
}

func (s *Server) schedulerResync(w http.ResponseWriter, r *http.Request) {
	rep, err := s.sched.Resync(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type sweepResp struct {
	Checked  int `json:"checked"`
	Finished int `json:"finished"`
}

func (s *Server) schedulerSweep(w http.ResponseWriter, r *http.Request) {
	checked, finished, err := s.sched.SweepCompleted(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sweepResp{Checked: checked, Finished: finished})
}

func writeRepoError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
