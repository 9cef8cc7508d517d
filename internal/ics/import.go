package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "roomcal/internal/log"
	"roomcal/internal/model"
	"roomcal/internal/schedule"
)

// ImportConfig places imported events.
type ImportConfig struct {
	TenantID string
	RoomID   string
	// Location is the room timezone. Floating and all-day values are read
	// in it and recurring events are converted to it.
	Location *time.Location
}

// Skipped is a VEVENT that could not be expressed as an event.
type Skipped struct {
	UID    string `json:"uid"`
	Reason string `json:"reason"`
}

// Imported is one converted VEVENT.
type Imported struct {
	UID   string
	Event model.Event
}

type ImportResult struct {
	Events  []Imported
	Skipped []Skipped
}

// Import parses an iCalendar payload.
//
//   - VEVENTs without RRULE become absolute events. All-day values cover
//     whole days in the room timezone.
//   - FREQ=WEEKLY rules with INTERVAL 1 and either UNTIL or COUNT become
//     recurring events. BYDAY defaults to the weekday of DTSTART.
//   - Everything else is reported in Skipped, including events carrying
//     EXDATE or RECURRENCE-ID since exceptions cannot be represented.
func Import(body []byte, cfg ImportConfig) (ImportResult, error) {
	var res ImportResult
	if len(bytes.TrimSpace(body)) == 0 {
		return res, errors.New("empty ICS body")
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "room_id", cfg.RoomID)
		return res, fmt.Errorf("ics: parse: %w", err)
	}

	for _, ve := range cal.Events() {
		uid := ve.Id()
		e, perr := convert(ve, cfg, loc)
		if perr != nil {
			appLog.Debug("ics vevent skipped", "uid", uid, "reason", perr.Error())
			res.Skipped = append(res.Skipped, Skipped{UID: uid, Reason: perr.Error()})
			continue
		}
		res.Events = append(res.Events, Imported{UID: uid, Event: e})
	}

	appLog.Info("ics import parsed", "room_id", cfg.RoomID, "events", len(res.Events), "skipped", len(res.Skipped))
	return res, nil
}

func convert(ve *ical.VEvent, cfg ImportConfig, loc *time.Location) (model.Event, error) {
	e := model.Event{
		TenantID: cfg.TenantID,
		RoomID:   cfg.RoomID,
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		e.Title = strings.TrimSpace(p.Value)
	}
	if e.Title == "" {
		e.Title = "(untitled)"
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		e.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyContact); p != nil {
		e.FacilitatorName = p.Value
	}

	if ve.GetProperty(ical.ComponentPropertyRecurrenceId) != nil {
		return e, errors.New("recurrence override")
	}
	if len(ve.GetProperties(ical.ComponentPropertyExdate)) > 0 {
		return e, errors.New("EXDATE not supported")
	}

	start, allDay, err := propTime(ve, ical.ComponentPropertyDtStart, ve.GetStartAt, loc)
	if err != nil {
		return e, fmt.Errorf("DTSTART: %w", err)
	}
	end, _, err := propTime(ve, ical.ComponentPropertyDtEnd, ve.GetEndAt, loc)
	if err != nil {
		if !allDay {
			return e, fmt.Errorf("DTEND: %w", err)
		}
		end = model.DateIn(start, loc).AddDays(1).In(loc)
	}

	rp := ve.GetProperty(ical.ComponentPropertyRrule)
	if rp == nil {
		e.Absolute = &model.AbsoluteOccurrence{Start: start, End: end}
		return e, e.Validate()
	}
	if allDay {
		return e, errors.New("recurring all-day events not supported")
	}
	rec, err := weekly(rp.Value, start, end, loc)
	if err != nil {
		return e, err
	}
	e.Recurrence = &rec
	return e, e.Validate()
}

func weekly(raw string, start, end time.Time, loc *time.Location) (model.Recurrence, error) {
	opt, err := rrule.StrToROptionInLocation(raw, loc)
	if err != nil {
		return model.Recurrence{}, fmt.Errorf("RRULE: %w", err)
	}
	switch {
	case opt.Freq != rrule.WEEKLY:
		return model.Recurrence{}, fmt.Errorf("RRULE: FREQ=%v not supported", opt.Freq)
	case opt.Interval > 1:
		return model.Recurrence{}, fmt.Errorf("RRULE: INTERVAL=%d not supported", opt.Interval)
	case len(opt.Bysetpos)+len(opt.Bymonth)+len(opt.Bymonthday)+len(opt.Byyearday)+
		len(opt.Byweekno)+len(opt.Byhour)+len(opt.Byminute)+len(opt.Bysecond)+len(opt.Byeaster) > 0:
		return model.Recurrence{}, errors.New("RRULE: only BYDAY is supported")
	case opt.Until.IsZero() && opt.Count == 0:
		return model.Recurrence{}, errors.New("RRULE: unbounded rule")
	}

	// BYDAY names weekdays in DTSTART's own zone.
	if model.DateOf(start).Weekday() != model.DateIn(start, loc).Weekday() {
		return model.Recurrence{}, errors.New("weekday shifts when converted to the room timezone")
	}

	days := model.NewWeekdaySet(model.DateOf(start).Weekday())
	if len(opt.Byweekday) > 0 {
		set, ok := schedule.WeekdaysOf(opt.Byweekday)
		if !ok {
			return model.Recurrence{}, errors.New("RRULE: ordinal BYDAY not supported")
		}
		days = set
	}

	dailyStart := model.TimeOfDayOf(start.In(loc))
	dailyEnd := dailyStart + model.TimeOfDay(end.Sub(start)/time.Second)
	if end.Sub(start) <= 0 || dailyEnd > model.EndOfDay {
		return model.Recurrence{}, errors.New("daily window crosses midnight")
	}

	last := opt.Until
	if opt.Count > 0 {
		opt.Dtstart = start
		opt.Until = time.Time{}
		rule, err := rrule.NewRRule(*opt)
		if err != nil {
			return model.Recurrence{}, fmt.Errorf("RRULE: %w", err)
		}
		all := rule.All()
		if len(all) == 0 {
			return model.Recurrence{}, errors.New("RRULE: no instances")
		}
		last = all[len(all)-1]
	}

	return model.Recurrence{
		Days:       days,
		DailyStart: dailyStart,
		DailyEnd:   dailyEnd,
		Active: model.ActiveDateRange{
			Start: model.DateIn(start, loc),
			End:   model.DateIn(last, loc),
		},
	}, nil
}

// propTime reads a DTSTART/DTEND value. Values with TZID or a trailing Z go
// through the library; floating and date-only values are read in loc.
func propTime(ve *ical.VEvent, prop ical.ComponentProperty, get func() (time.Time, error), loc *time.Location) (time.Time, bool, error) {
	p := ve.GetProperty(prop)
	if p == nil || p.Value == "" {
		return time.Time{}, false, errors.New("missing")
	}
	val := strings.TrimSpace(p.Value)

	allDay := !strings.Contains(val, "T")
	if vs := p.ICalParameters["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		allDay = true
	}
	if allDay {
		if len(val) < len(icalDateLayout) {
			return time.Time{}, true, fmt.Errorf("bad date %q", val)
		}
		t, err := time.ParseInLocation(icalDateLayout, val[:len(icalDateLayout)], loc)
		return t, true, err
	}

	if _, ok := p.ICalParameters["TZID"]; ok || strings.HasSuffix(val, "Z") {
		t, err := get()
		return t, false, err
	}
	t, err := time.ParseInLocation(icalLocalLayout, val, loc)
	return t, false, err
}
