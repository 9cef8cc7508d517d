// Package schedule turns event definitions into concrete occurrences and
// finds conflicts between them. Everything here is pure: no I/O, no shared
// state, safe for concurrent use.
package schedule

import (
	"sort"
	"time"

	"roomcal/internal/model"
)

// Resolve returns the occurrence window of e on date in loc, if any.
//
// An absolute event occurs on every date whose local day it overlaps and
// its window is returned unmodified. A recurring event occurs when date is
// inside its active range and on one of its weekdays; the window is that
// date's daily start and end in loc.
func Resolve(e model.Event, date model.Date, loc *time.Location) (model.AbsoluteOccurrence, bool) {
	switch {
	case e.Absolute != nil:
		day := model.AbsoluteOccurrence{Start: date.In(loc), End: date.AddDays(1).In(loc)}
		if !e.Absolute.Overlaps(day) {
			return model.AbsoluteOccurrence{}, false
		}
		return *e.Absolute, true
	case e.Recurrence != nil:
		r := e.Recurrence
		if !r.Active.Contains(date) || !r.Days.Has(date.Weekday()) {
			return model.AbsoluteOccurrence{}, false
		}
		return dailyWindow(r, date, loc), true
	}
	return model.AbsoluteOccurrence{}, false
}

func dailyWindow(r *model.Recurrence, date model.Date, loc *time.Location) model.AbsoluteOccurrence {
	return model.AbsoluteOccurrence{
		Start: r.DailyStart.On(date, loc),
		End:   r.DailyEnd.On(date, loc),
	}
}

// Day returns every occurrence on date, ordered by start time.
func Day(events []model.Event, date model.Date, loc *time.Location) []model.Occurrence {
	out := make([]model.Occurrence, 0, len(events))
	for _, e := range events {
		w, ok := Resolve(e, date, loc)
		if !ok {
			continue
		}
		out = append(out, makeOccurrence(e, w, loc))
	}
	sortOccurrences(out)
	return out
}

// Classify splits occurrences around now. An occurrence is current from
// its start up to, but excluding, its end.
func Classify(occs []model.Occurrence, now time.Time) (past, current, upcoming []model.Occurrence) {
	for _, o := range occs {
		switch {
		case !o.End.After(now):
			past = append(past, o)
		case o.Start.After(now):
			upcoming = append(upcoming, o)
		default:
			current = append(current, o)
		}
	}
	return past, current, upcoming
}

func makeOccurrence(e model.Event, w model.AbsoluteOccurrence, loc *time.Location) model.Occurrence {
	start := w.Start.In(loc)
	return model.Occurrence{
		RoomID:          e.RoomID,
		EventID:         e.ID,
		InstanceKey:     e.ID + "@" + start.Format(time.RFC3339),
		Title:           e.Title,
		FacilitatorName: e.FacilitatorName,
		Recurring:       e.IsRecurring(),
		Start:           start,
		End:             w.End.In(loc),
	}
}

func sortOccurrences(occs []model.Occurrence) {
	sort.SliceStable(occs, func(i, j int) bool {
		if !occs[i].Start.Equal(occs[j].Start) {
			return occs[i].Start.Before(occs[j].Start)
		}
		return occs[i].EventID < occs[j].EventID
	})
}
