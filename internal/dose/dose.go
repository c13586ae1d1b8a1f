// Package dose converts a medication's declarative schedule into dose times.
// Every function here is pure.
package dose

import (
	"errors"
	"fmt"
	"math"
	"time"

	"petdose/internal/domain"
)

var ErrInvalidSchedule = errors.New("invalid medication schedule")

// Validate rejects schedules the calculator cannot work with.
func Validate(m domain.Medication) error {
	if m.FrequencyValue <= 0 {
		return fmt.Errorf("%w: frequency must be positive, got %d", ErrInvalidSchedule, m.FrequencyValue)
	}
	if m.DurationValue <= 0 {
		return fmt.Errorf("%w: duration must be positive, got %d", ErrInvalidSchedule, m.DurationValue)
	}
	unit, err := unitStep(m.FrequencyUnit)
	if err != nil {
		return err
	}
	if !fits(m.FrequencyValue, unit) {
		return fmt.Errorf("%w: frequency %d %s is too large", ErrInvalidSchedule, m.FrequencyValue, m.FrequencyUnit)
	}
	span, ok := durationSpan[m.DurationUnit]
	if !ok {
		return fmt.Errorf("%w: unknown duration unit %q", ErrInvalidSchedule, m.DurationUnit)
	}
	if !fits(m.DurationValue, span) {
		return fmt.Errorf("%w: duration %d %s is too large", ErrInvalidSchedule, m.DurationValue, m.DurationUnit)
	}
	if m.StartAt.IsZero() {
		return fmt.Errorf("%w: start time is required", ErrInvalidSchedule)
	}
	if m.EndAt != nil && m.EndAt.Before(m.StartAt) {
		return fmt.Errorf("%w: end time before start time", ErrInvalidSchedule)
	}
	return nil
}

// durationSpan is the longest a single duration unit can last; months are
// taken as 31 days.
var durationSpan = map[domain.DurationUnit]time.Duration{
	domain.DurationDays:   24 * time.Hour,
	domain.DurationWeeks:  7 * 24 * time.Hour,
	domain.DurationMonths: 31 * 24 * time.Hour,
}

// fits reports whether n units stay within the range of a time.Duration.
func fits(n int, unit time.Duration) bool {
	return int64(n) <= int64(maxSpan/unit)
}

const maxSpan = time.Duration(math.MaxInt64)

func unitStep(u domain.FrequencyUnit) (time.Duration, error) {
	switch u {
	case domain.FrequencyMinutes:
		return time.Minute, nil
	case domain.FrequencyHours:
		return time.Hour, nil
	case domain.FrequencyDays:
		return 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("%w: unknown frequency unit %q", ErrInvalidSchedule, u)
}

// Step is the interval between two doses. Zero for an invalid frequency.
func Step(m domain.Medication) time.Duration {
	unit, err := unitStep(m.FrequencyUnit)
	if err != nil {
		return 0
	}
	return time.Duration(m.FrequencyValue) * unit
}

// NominalEnd is StartAt plus the declared duration.
func NominalEnd(m domain.Medication) time.Time {
	switch m.DurationUnit {
	case domain.DurationWeeks:
		return m.StartAt.AddDate(0, 0, 7*m.DurationValue)
	case domain.DurationMonths:
		return m.StartAt.AddDate(0, m.DurationValue, 0)
	default:
		return m.StartAt.AddDate(0, 0, m.DurationValue)
	}
}

// End returns the time of the last completed dose not after NominalEnd.
// The result is always StartAt plus a whole number of steps.
func End(m domain.Medication) time.Time {
	step := Step(m)
	if step <= 0 {
		return m.StartAt
	}
	steps := NominalEnd(m).Sub(m.StartAt) / step
	return m.StartAt.Add(steps * step)
}

// EndOf returns the stored end time, or computes it when missing.
func EndOf(m domain.Medication) time.Time {
	if m.EndAt != nil {
		return *m.EndAt
	}
	return End(m)
}

// WithEnd fills EndAt when it is not already set.
func WithEnd(m domain.Medication) domain.Medication {
	if m.EndAt == nil {
		end := End(m)
		m.EndAt = &end
	}
	return m
}

// Result is either a due time or exhaustion of the course.
type Result struct {
	At        time.Time
	Exhausted bool
}

func dueAt(t time.Time) Result { return Result{At: t} }

var exhausted = Result{Exhausted: true}

// NextDose returns the next unconsumed dose as seen at from. A schedule
// observed at or before its start has not fired its first dose yet.
func NextDose(m domain.Medication, from time.Time) Result {
	if !from.After(m.StartAt) {
		return bounded(m, m.StartAt)
	}
	return after(m, from)
}

// Following returns the dose after one that fired at fired, observed at now.
// Doses that would already lie in the past at now are skipped.
func Following(m domain.Medication, fired, now time.Time) Result {
	from := fired
	if now.After(from) {
		from = now
	}
	if from.Before(m.StartAt) {
		return bounded(m, m.StartAt)
	}
	return after(m, from)
}

func after(m domain.Medication, from time.Time) Result {
	step := Step(m)
	if step <= 0 {
		return exhausted
	}
	completed := from.Sub(m.StartAt) / step
	return bounded(m, m.StartAt.Add((completed+1)*step))
}

func bounded(m domain.Medication, candidate time.Time) Result {
	if m.EndAt != nil && candidate.After(*m.EndAt) {
		return exhausted
	}
	return dueAt(candidate)
}

// Finished reports whether the course's end time is not after now.
func Finished(m domain.Medication, now time.Time) bool {
	return !EndOf(m).After(now)
}
