// Package ics converts room events to and from iCalendar.
//
// Export publishes a room's events as a calendar feed: absolute events as
// UTC DTSTART/DTEND pairs, recurring events as a TZID-local first instance
// plus a weekly RRULE. Import reads a calendar payload back into events,
// keeping only what the event model can express.
package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "roomcal/internal/log"
	"roomcal/internal/model"
	"roomcal/internal/schedule"
)

const (
	defaultProductID = "-//roomcal//room calendar//EN"
	icalLocalLayout  = "20060102T150405"
	icalDateLayout   = "20060102"
)

// ExportConfig controls calendar generation.
type ExportConfig struct {
	// Name is published as X-WR-CALNAME when set.
	Name string
	// Location is the room timezone. Recurring events are written in it.
	Location *time.Location
	// Stamp is used as DTSTAMP for events without an UpdatedAt.
	Stamp time.Time
}

// Export renders events as an iCalendar document.
func Export(events []model.Event, cfg ExportConfig) string {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(defaultProductID)
	if cfg.Name != "" {
		cal.SetXWRCalName(cfg.Name)
	}
	cal.SetXWRTimezone(loc.String())

	written := 0
	for _, e := range events {
		if addEvent(cal, e, loc, cfg.Stamp) {
			written++
		}
	}

	appLog.Debug("ics export completed", "events", len(events), "written", written, "tz", loc.String())
	return cal.Serialize()
}

func addEvent(cal *ical.Calendar, e model.Event, loc *time.Location, stamp time.Time) bool {
	if e.Recurrence != nil {
		first, ok := firstDate(*e.Recurrence)
		if !ok {
			appLog.Debug("ics export: recurrence has no instances", "event_id", e.ID)
			return false
		}
		ve := newVEvent(cal, e, stamp)
		r := *e.Recurrence
		start := r.DailyStart.On(first, loc)
		end := r.DailyEnd.On(first, loc)
		if loc == time.UTC {
			ve.SetStartAt(start)
			ve.SetEndAt(end)
		} else {
			ve.SetProperty(ical.ComponentPropertyDtStart, start.Format(icalLocalLayout), ical.WithTZID(loc.String()))
			ve.SetProperty(ical.ComponentPropertyDtEnd, end.Format(icalLocalLayout), ical.WithTZID(loc.String()))
		}
		opt := schedule.WeeklyOption(r, loc)
		ve.AddRrule(opt.RRuleString())
		return true
	}

	if e.Absolute == nil {
		return false
	}
	ve := newVEvent(cal, e, stamp)
	ve.SetStartAt(e.Absolute.Start)
	ve.SetEndAt(e.Absolute.End)
	return true
}

func newVEvent(cal *ical.Calendar, e model.Event, stamp time.Time) *ical.VEvent {
	ve := cal.AddEvent(e.ID)
	if !e.UpdatedAt.IsZero() {
		stamp = e.UpdatedAt
	}
	if stamp.IsZero() {
		stamp = time.Now()
	}
	ve.SetDtStampTime(stamp)
	if !e.CreatedAt.IsZero() {
		ve.SetCreatedTime(e.CreatedAt)
	}
	ve.SetSummary(e.Title)
	if e.Description != "" {
		ve.SetDescription(e.Description)
	}
	if e.FacilitatorName != "" {
		ve.SetProperty(ical.ComponentPropertyContact, e.FacilitatorName)
	}
	return ve
}

// firstDate is the first date in the active range that falls on one of the
// recurrence days. DTSTART must be an instance of its own rule.
func firstDate(r model.Recurrence) (model.Date, bool) {
	d := r.Active.Start
	for i := 0; i < 7; i++ {
		if d.After(r.Active.End) {
			return model.Date{}, false
		}
		if r.Days.Has(d.Weekday()) {
			return d, true
		}
		d = d.AddDays(1)
	}
	return model.Date{}, false
}
