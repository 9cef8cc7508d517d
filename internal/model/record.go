package model

import (
	"fmt"
	"time"
)

// Record is the flat shape events take on the wire and in storage.
//
// For a recurring event StartTime and EndTime only carry the calendar
// bounds of the active date range; their time-of-day is ignored.
type Record struct {
	ID              string `json:"id"`
	TenantID        string `json:"tenant_id"`
	RoomID          string `json:"room_id"`
	Title           string `json:"title"`
	FacilitatorID   string `json:"facilitator_id,omitempty"`
	FacilitatorName string `json:"facilitator_name,omitempty"`
	Description     string `json:"description,omitempty"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	RecurrenceDays *WeekdaySet `json:"recurrence_days,omitempty"`
	DailyStartTime *TimeOfDay  `json:"daily_start_time,omitempty"`
	DailyEndTime   *TimeOfDay  `json:"daily_end_time,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event converts the record into its typed form. Recurrence days with a
// missing daily time, or daily times with no days, fail with
// ErrMalformedRecurrence rather than being coerced to a one-off event.
// The result is not otherwise validated.
func (r Record) Event() (Event, error) {
	e := Event{
		ID:              r.ID,
		TenantID:        r.TenantID,
		RoomID:          r.RoomID,
		Title:           r.Title,
		FacilitatorID:   r.FacilitatorID,
		FacilitatorName: r.FacilitatorName,
		Description:     r.Description,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}

	hasDays := r.RecurrenceDays != nil && !r.RecurrenceDays.Empty()
	hasStart := r.DailyStartTime != nil
	hasEnd := r.DailyEndTime != nil

	switch {
	case !hasDays && !hasStart && !hasEnd:
		e.Absolute = &AbsoluteOccurrence{Start: r.StartTime, End: r.EndTime}
	case hasDays && hasStart && hasEnd:
		e.Recurrence = &Recurrence{
			Days:       *r.RecurrenceDays,
			DailyStart: *r.DailyStartTime,
			DailyEnd:   *r.DailyEndTime,
		}
		if !r.StartTime.IsZero() {
			e.Recurrence.Active.Start = DateOf(r.StartTime)
		}
		if !r.EndTime.IsZero() {
			e.Recurrence.Active.End = DateOf(r.EndTime)
		}
	default:
		return Event{}, fmt.Errorf("%w (days=%t, daily_start=%t, daily_end=%t)",
			ErrMalformedRecurrence, hasDays, hasStart, hasEnd)
	}
	return e, nil
}

// RecordOf flattens e. Active range bounds become UTC midnights so the
// calendar date survives a round trip through any timezone-naive store.
func RecordOf(e Event) Record {
	r := Record{
		ID:              e.ID,
		TenantID:        e.TenantID,
		RoomID:          e.RoomID,
		Title:           e.Title,
		FacilitatorID:   e.FacilitatorID,
		FacilitatorName: e.FacilitatorName,
		Description:     e.Description,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
	switch {
	case e.Recurrence != nil:
		rec := e.Recurrence
		days, start, end := rec.Days, rec.DailyStart, rec.DailyEnd
		r.RecurrenceDays = &days
		r.DailyStartTime = &start
		r.DailyEndTime = &end
		r.StartTime = rec.Active.Start.In(time.UTC)
		r.EndTime = rec.Active.End.In(time.UTC)
	case e.Absolute != nil:
		r.StartTime = e.Absolute.Start
		r.EndTime = e.Absolute.End
	}
	return r
}
