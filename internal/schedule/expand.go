package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	appLog "roomcal/internal/log"
	"roomcal/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// ExpandConfig controls how range expansion is performed.
type ExpandConfig struct {
	// Location is the room timezone. Daily times are interpreted in it and
	// all occurrences are converted to it. If nil, time.Local is used.
	Location *time.Location

	// RangeStart / RangeEnd define the half-open window [RangeStart, RangeEnd).
	// Occurrences that overlap the window at all are included.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap for long active ranges. If zero,
	// defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the list of expanded occurrences and the ids of events
// that hit the cap.
type ExpandResult struct {
	Occurrences     []model.Occurrence
	TruncatedEvents []string
}

// Expand resolves events across an arbitrary window. For every date in the
// window it agrees with Resolve; recurring events go through a weekly RRULE
// so long ranges are not walked day by day.
func Expand(events []model.Event, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	window := model.AbsoluteOccurrence{Start: cfg.RangeStart, End: cfg.RangeEnd}
	all := make([]model.Occurrence, 0)

	for _, e := range events {
		switch {
		case e.Absolute != nil:
			if e.Absolute.Overlaps(window) {
				all = append(all, makeOccurrence(e, *e.Absolute, cfg.Location))
			}
		case e.Recurrence != nil:
			occ, hitCap, err := expandRecurring(e, window, cfg)
			if err != nil {
				appLog.Error("expand: failed to build recurrence rule", err, "event_id", e.ID)
				continue
			}
			if hitCap {
				result.TruncatedEvents = append(result.TruncatedEvents, e.ID)
				appLog.Error("expand: truncated occurrences for event due to cap",
					errors.New("max occurrences reached"),
					"event_id", e.ID,
					"cap", cfg.MaxOccurrencesPerEvent,
				)
			}
			all = append(all, occ...)
		}
	}

	sortOccurrences(all)
	result.Occurrences = all
	return result, nil
}

func expandRecurring(e model.Event, window model.AbsoluteOccurrence, cfg ExpandConfig) ([]model.Occurrence, bool, error) {
	r, err := WeeklyRule(*e.Recurrence, cfg.Location)
	if err != nil {
		return nil, false, err
	}

	// An occurrence starting before the window can still overlap it. The
	// extra hour covers a DST shift inside the occurrence.
	span := e.Recurrence.DailyEnd.Duration() - e.Recurrence.DailyStart.Duration() + time.Hour
	starts := r.Between(window.Start.Add(-span), window.End, true)

	out := make([]model.Occurrence, 0, len(starts))
	hitCap := false
	for _, s := range starts {
		date := model.DateOf(s.In(cfg.Location))
		w := dailyWindow(e.Recurrence, date, cfg.Location)
		if !w.Overlaps(window) {
			continue
		}
		if len(out) == cfg.MaxOccurrencesPerEvent {
			hitCap = true
			break
		}
		out = append(out, makeOccurrence(e, w, cfg.Location))
	}
	return out, hitCap, nil
}

var rruleWeekdays = [7]rrule.Weekday{
	time.Sunday:    rrule.SU,
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
}

// WeeklyRule builds the FREQ=WEEKLY rule equivalent to r, anchored at the
// first active date's daily start in loc and ending on the last active date.
func WeeklyRule(r model.Recurrence, loc *time.Location) (*rrule.RRule, error) {
	rule, err := rrule.NewRRule(WeeklyOption(r, loc))
	if err != nil {
		return nil, fmt.Errorf("weekly rule for %s: %w", r.Days, err)
	}
	return rule, nil
}

// WeeklyOption is the rrule option set behind WeeklyRule.
func WeeklyOption(r model.Recurrence, loc *time.Location) rrule.ROption {
	days := make([]rrule.Weekday, 0, 7)
	for _, d := range r.Days.Days() {
		days = append(days, rruleWeekdays[d])
	}
	return rrule.ROption{
		Freq:      rrule.WEEKLY,
		Interval:  1,
		Wkst:      rrule.MO,
		Dtstart:   r.DailyStart.On(r.Active.Start, loc),
		Until:     r.DailyStart.On(r.Active.End, loc),
		Byweekday: days,
	}
}

// WeekdaysOf maps plain rrule weekdays back to a set. Ordinal forms such
// as 2MO have no weekly meaning and make it report false.
func WeekdaysOf(days []rrule.Weekday) (model.WeekdaySet, bool) {
	var set model.WeekdaySet
	for _, rd := range days {
		found := false
		for wd, w := range rruleWeekdays {
			if w == rd {
				set = set.Add(time.Weekday(wd))
				found = true
				break
			}
		}
		if !found {
			return 0, false
		}
	}
	return set, true
}
