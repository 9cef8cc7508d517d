package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMalformedRecurrence is returned when recurrence days are given
	// without both daily times, or daily times without recurrence days.
	ErrMalformedRecurrence = errors.New("malformed recurrence: recurrence_days requires daily_start_time and daily_end_time")
	// ErrInvalidEvent wraps every other validation failure.
	ErrInvalidEvent = errors.New("invalid event")
)

// AbsoluteOccurrence is the exact [Start, End) of a non-recurring event.
type AbsoluteOccurrence struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether the two half-open intervals share an instant.
// Touching endpoints do not overlap.
func (a AbsoluteOccurrence) Overlaps(b AbsoluteOccurrence) bool {
	return a.Start.Before(b.End) && a.End.After(b.Start)
}

// ActiveDateRange bounds the calendar dates on which a recurrence applies.
// Both ends are inclusive.
type ActiveDateRange struct {
	Start Date
	End   Date
}

func (r ActiveDateRange) Contains(d Date) bool {
	return !d.Before(r.Start) && !d.After(r.End)
}

// Recurrence describes a weekly pattern: on each of Days within Active,
// the event runs from DailyStart to DailyEnd in the room's timezone.
type Recurrence struct {
	Days       WeekdaySet
	DailyStart TimeOfDay
	DailyEnd   TimeOfDay
	Active     ActiveDateRange
}

// Event is a booking of one room. Exactly one of Absolute and Recurrence
// is set.
type Event struct {
	ID       string
	TenantID string
	RoomID   string

	Title           string
	FacilitatorID   string
	FacilitatorName string
	Description     string

	Absolute   *AbsoluteOccurrence
	Recurrence *Recurrence

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (e Event) IsRecurring() bool { return e.Recurrence != nil }

// Validate checks the structural invariants of an event. It does not
// look at other events; conflicts are the scheduler's business.
func (e Event) Validate() error {
	var problems []string
	if strings.TrimSpace(e.TenantID) == "" {
		problems = append(problems, "tenant_id is required")
	}
	if strings.TrimSpace(e.RoomID) == "" {
		problems = append(problems, "room_id is required")
	}
	if strings.TrimSpace(e.Title) == "" {
		problems = append(problems, "title is required")
	}

	switch {
	case e.Absolute != nil && e.Recurrence != nil:
		problems = append(problems, "event cannot be both absolute and recurring")
	case e.Absolute == nil && e.Recurrence == nil:
		problems = append(problems, "start_time and end_time are required")
	case e.Absolute != nil:
		if e.Absolute.Start.IsZero() || e.Absolute.End.IsZero() {
			problems = append(problems, "start_time and end_time are required")
		} else if !e.Absolute.End.After(e.Absolute.Start) {
			problems = append(problems, "end_time must be after start_time")
		}
	default:
		r := e.Recurrence
		if r.Days.Empty() {
			return fmt.Errorf("%w: recurrence_days is empty", ErrMalformedRecurrence)
		}
		if r.DailyEnd <= r.DailyStart {
			problems = append(problems, "daily_end_time must be after daily_start_time")
		}
		if r.Active.Start.IsZero() || r.Active.End.IsZero() {
			problems = append(problems, "start_time and end_time are required")
		} else if r.Active.Start.After(r.Active.End) {
			problems = append(problems, "active date range starts after it ends")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidEvent, strings.Join(problems, "; "))
	}
	return nil
}

// Occurrence represents a single concrete instance of an event on one
// calendar date. Occurrences are computed on demand and never stored.
type Occurrence struct {
	RoomID  string `json:"room_id"`
	EventID string `json:"event_id"`

	// InstanceKey uniquely identifies one occurrence of a recurring event.
	InstanceKey string `json:"instance_key"`

	Title           string `json:"title"`
	FacilitatorName string `json:"facilitator_name,omitempty"`
	Recurring       bool   `json:"recurring"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Device is the last liveness signal received from one display.
type Device struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenant_id"`
	RoomID   string    `json:"room_id"`
	LastSeen time.Time `json:"last_seen"`

	BatteryPercent   *int `json:"battery_percent,omitempty"`
	BatteryVoltageMv *int `json:"battery_voltage_mv,omitempty"`
}
