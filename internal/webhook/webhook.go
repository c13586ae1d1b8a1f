// Package webhook delivers reminder events to HTTP endpoints and records
// every attempt in the delivery log. Failed deliveries are never retried.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"petdose/internal/domain"
	"petdose/internal/metrics"
)

const (
	DefaultSecretHeader = "X-Webhook-Secret"
	defaultTimeout      = 10 * time.Second
	maxResponseBody     = 1000
)

var ErrNoDestination = errors.New("skipped, no destination")

// Recorder persists delivery records.
type Recorder interface {
	RecordDelivery(ctx context.Context, rec domain.DeliveryRecord) error
}

type Options struct {
	Timeout      time.Duration
	Default      domain.Destination
	SecretHeader string
	Client       *http.Client
}

type Dispatcher struct {
	client       *http.Client
	recorder     Recorder
	fallback     domain.Destination
	secretHeader string
	now          func() time.Time
}

func New(recorder Recorder, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.SecretHeader == "" {
		opts.SecretHeader = DefaultSecretHeader
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Dispatcher{
		client:       client,
		recorder:     recorder,
		fallback:     opts.Default,
		secretHeader: opts.SecretHeader,
		now:          time.Now,
	}
}

// Result is the outcome of one dispatch attempt.
type Result struct {
	StatusCode int
	Success    bool
	Skipped    bool
	Err        error
}

// Resolve falls back to the system default when dest has no URL.
func (d *Dispatcher) Resolve(dest domain.Destination) domain.Destination {
	if dest.URL != "" {
		return dest
	}
	return d.fallback
}

// Send posts payload to dest (or the default destination) once and records
// the attempt. It never returns an error; the outcome is in Result.
func (d *Dispatcher) Send(ctx context.Context, payload domain.WebhookPayload, dest domain.Destination) Result {
	dest = d.Resolve(dest)
	body, err := json.Marshal(payload)
	if err != nil {
		res := Result{Err: fmt.Errorf("marshal payload: %w", err)}
		d.record(ctx, payload, nil, res, "")
		return res
	}

	if dest.URL == "" {
		res := Result{Skipped: true, Err: ErrNoDestination}
		d.record(ctx, payload, body, res, "")
		metrics.ObserveDelivery(payload.EventType.String(), "skipped", 0)
		return res
	}

	start := d.now()
	res, respBody := d.post(ctx, dest, body)
	outcome := "failure"
	if res.Success {
		outcome = "success"
	}
	metrics.ObserveDelivery(payload.EventType.String(), outcome, d.now().Sub(start).Seconds())

	ev := log.Info()
	if !res.Success {
		ev = log.Warn().Err(res.Err)
	}
	ev.Str("reminder_id", payload.ReminderID).
		Str("event", payload.EventType.String()).
		Int("status", res.StatusCode).
		Msg("webhook dispatched")

	d.record(ctx, payload, body, res, respBody)
	return res
}

func (d *Dispatcher) post(ctx context.Context, dest domain.Destination, body []byte) (Result, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(body))
	if err != nil {
		return Result{Err: fmt.Errorf("failed to create webhook request: %w", err)}, ""
	}
	req.Header.Set("Content-Type", "application/json")
	if dest.Secret != "" {
		req.Header.Set(d.secretHeader, dest.Secret)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return Result{Err: fmt.Errorf("webhook request failed: %w", err)}, ""
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		log.Debug().Err(err).Str("url", dest.URL).Msg("read webhook response")
	}
	respBody := string(raw)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{StatusCode: resp.StatusCode, Err: fmt.Errorf("webhook HTTP %d", resp.StatusCode)}, respBody
	}
	return Result{StatusCode: resp.StatusCode, Success: true}, respBody
}

func (d *Dispatcher) record(ctx context.Context, payload domain.WebhookPayload, body []byte, res Result, respBody string) {
	if d.recorder == nil {
		return
	}
	rec := domain.DeliveryRecord{
		ID:           "dlv_" + uuid.NewString(),
		ReminderID:   payload.ReminderID,
		EventType:    payload.EventType,
		Payload:      body,
		StatusCode:   res.StatusCode,
		ResponseBody: respBody,
		Success:      res.Success,
		CreatedAt:    d.now(),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	// the caller's context may already be done; the log row must still be written
	if err := d.recorder.RecordDelivery(context.WithoutCancel(ctx), rec); err != nil {
		log.Error().Err(err).
			Str("reminder_id", payload.ReminderID).
			Str("event", payload.EventType.String()).
			Msg("failed to record webhook delivery")
	}
}
