package schedule

import (
	"errors"
	"fmt"
	"time"

	"roomcal/internal/model"
)

// ErrSchedulingConflict matches any *ConflictError via errors.Is.
var ErrSchedulingConflict = errors.New("scheduling conflict")

// Conflict describes one existing event that collides with a candidate.
// Absolute events report StartTime/EndTime; recurring events report their
// days and daily times. ConflictingDays is set only when both sides recur.
type Conflict struct {
	EventID string `json:"event_id"`
	Title   string `json:"title"`

	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	RecurrenceDays *model.WeekdaySet `json:"recurrence_days,omitempty"`
	DailyStartTime *model.TimeOfDay  `json:"daily_start_time,omitempty"`
	DailyEndTime   *model.TimeOfDay  `json:"daily_end_time,omitempty"`

	ConflictingDays *model.WeekdaySet `json:"conflicting_days,omitempty"`
}

// ConflictError rejects a mutation that collides with existing events.
// Resubmitting with force bypasses it.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("scheduling conflict with %d existing event(s)", len(e.Conflicts))
}

func (e *ConflictError) Is(target error) bool { return target == ErrSchedulingConflict }

// Detect compares candidate against every existing event of the same room
// and returns the ones it collides with, in input order. An existing event
// with the candidate's own id is skipped so an unchanged edit is clear.
//
// Mixed recurring/absolute pairs project the absolute event onto its
// weekday and wall-clock interval in loc; the recurring side's active date
// range is not consulted, so a booking outside it can still be reported.
func Detect(candidate model.Event, existing []model.Event, loc *time.Location) []Conflict {
	var out []Conflict
	for _, e := range existing {
		if candidate.ID != "" && e.ID == candidate.ID {
			continue
		}
		if c, ok := detectPair(candidate, e, loc); ok {
			out = append(out, c)
		}
	}
	return out
}

// Check runs Detect and rejects the result unless force is set. The
// conflicts are returned either way.
func Check(candidate model.Event, existing []model.Event, loc *time.Location, force bool) ([]Conflict, error) {
	conflicts := Detect(candidate, existing, loc)
	if len(conflicts) > 0 && !force {
		return conflicts, &ConflictError{Conflicts: conflicts}
	}
	return conflicts, nil
}

func detectPair(cand, ex model.Event, loc *time.Location) (Conflict, bool) {
	switch {
	case cand.Recurrence != nil && ex.Recurrence != nil:
		common := cand.Recurrence.Days.Intersect(ex.Recurrence.Days)
		if common.Empty() || !dailyOverlap(cand.Recurrence, ex.Recurrence) {
			return Conflict{}, false
		}
		c := conflictWith(ex)
		c.ConflictingDays = &common
		return c, true

	case cand.Recurrence != nil && ex.Absolute != nil:
		if !recurringHitsAbsolute(cand.Recurrence, *ex.Absolute, loc) {
			return Conflict{}, false
		}
		return conflictWith(ex), true

	case cand.Absolute != nil && ex.Recurrence != nil:
		if !recurringHitsAbsolute(ex.Recurrence, *cand.Absolute, loc) {
			return Conflict{}, false
		}
		return conflictWith(ex), true

	case cand.Absolute != nil && ex.Absolute != nil:
		// Overlap alone decides. Intervals that cross midnight conflict even
		// when their start dates differ.
		if !cand.Absolute.Overlaps(*ex.Absolute) {
			return Conflict{}, false
		}
		return conflictWith(ex), true
	}
	return Conflict{}, false
}

// secondsInterval is a half-open wall-clock interval in seconds since
// midnight. End may exceed a day for events that cross midnight.
type secondsInterval struct{ start, end int64 }

func (a secondsInterval) overlaps(b secondsInterval) bool {
	return a.start < b.end && a.end > b.start
}

func daily(r *model.Recurrence) secondsInterval {
	return secondsInterval{start: int64(r.DailyStart), end: int64(r.DailyEnd)}
}

func dailyOverlap(a, b *model.Recurrence) bool {
	return daily(a).overlaps(daily(b))
}

func recurringHitsAbsolute(r *model.Recurrence, abs model.AbsoluteOccurrence, loc *time.Location) bool {
	start := abs.Start.In(loc)
	if !r.Days.Has(start.Weekday()) {
		return false
	}
	s := int64(model.TimeOfDayOf(start))
	span := secondsInterval{start: s, end: s + int64(abs.End.Sub(abs.Start)/time.Second)}
	return daily(r).overlaps(span)
}

func conflictWith(e model.Event) Conflict {
	c := Conflict{EventID: e.ID, Title: e.Title}
	switch {
	case e.Recurrence != nil:
		days, start, end := e.Recurrence.Days, e.Recurrence.DailyStart, e.Recurrence.DailyEnd
		c.RecurrenceDays = &days
		c.DailyStartTime = &start
		c.DailyEndTime = &end
	case e.Absolute != nil:
		start, end := e.Absolute.Start, e.Absolute.End
		c.StartTime = &start
		c.EndTime = &end
	}
	return c
}
