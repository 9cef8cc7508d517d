package ics

import (
	"strings"
	"testing"
	"time"

	"roomcal/internal/model"
)

func mustDate(t *testing.T, s string) model.Date {
	t.Helper()
	d, err := model.ParseDate(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func standup(t *testing.T) model.Event {
	return model.Event{
		ID:       "standup",
		TenantID: "t1",
		RoomID:   "r1",
		Title:    "Standup",
		Recurrence: &model.Recurrence{
			Days:       model.NewWeekdaySet(time.Monday, time.Wednesday),
			DailyStart: model.NewTimeOfDay(9, 0, 0),
			DailyEnd:   model.NewTimeOfDay(10, 0, 0),
			Active:     model.ActiveDateRange{Start: mustDate(t, "2025-01-01"), End: mustDate(t, "2025-01-31")},
		},
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	review := model.Event{
		ID:              "review",
		TenantID:        "t1",
		RoomID:          "r1",
		Title:           "Design review",
		Description:     "Quarterly",
		FacilitatorName: "Kim",
		Absolute:        &model.AbsoluteOccurrence{Start: start, End: start.Add(time.Hour)},
	}
	body := Export([]model.Event{standup(t), review}, ExportConfig{Name: "r1", Location: time.UTC, Stamp: start})

	if !strings.Contains(body, "RRULE:FREQ=WEEKLY") || !strings.Contains(body, "BYDAY=MO,WE") {
		t.Fatalf("missing weekly rule:\n%s", body)
	}

	res, err := Import([]byte(body), ImportConfig{TenantID: "t1", RoomID: "r1", Location: time.UTC})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Skipped) != 0 || len(res.Events) != 2 {
		t.Fatalf("imported %d, skipped %+v", len(res.Events), res.Skipped)
	}
	byUID := map[string]model.Event{}
	for _, im := range res.Events {
		byUID[im.UID] = im.Event
	}

	got := byUID["standup"]
	if got.Recurrence == nil || *got.Recurrence != *standup(t).Recurrence {
		t.Fatalf("recurrence = %+v, want %+v", got.Recurrence, standup(t).Recurrence)
	}
	abs := byUID["review"]
	if abs.Absolute == nil || !abs.Absolute.Start.Equal(start) || !abs.Absolute.End.Equal(start.Add(time.Hour)) {
		t.Fatalf("absolute = %+v", abs.Absolute)
	}
	if abs.Title != "Design review" || abs.Description != "Quarterly" || abs.FacilitatorName != "Kim" {
		t.Fatalf("descriptive fields = %+v", abs)
	}
}

func TestExportRecurringUsesTZID(t *testing.T) {
	t.Parallel()

	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable:", err)
	}
	e := standup(t)
	body := Export([]model.Event{e}, ExportConfig{Location: ny})
	if !strings.Contains(body, "DTSTART;TZID=America/New_York:20250101T090000") {
		t.Fatalf("DTSTART not local:\n%s", body)
	}

	res, err := Import([]byte(body), ImportConfig{TenantID: "t1", RoomID: "r1", Location: ny})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 1 || *res.Events[0].Event.Recurrence != *e.Recurrence {
		t.Fatalf("round trip = %+v", res)
	}
}

func TestExportSkipsEmptyRecurrence(t *testing.T) {
	t.Parallel()

	e := standup(t)
	// Tuesday only, within a Wednesday-to-Monday range.
	e.Recurrence.Days = model.NewWeekdaySet(time.Tuesday)
	e.Recurrence.Active = model.ActiveDateRange{Start: mustDate(t, "2025-01-01"), End: mustDate(t, "2025-01-06")}
	body := Export([]model.Event{e}, ExportConfig{})
	if strings.Contains(body, "BEGIN:VEVENT") {
		t.Fatalf("event without instances exported:\n%s", body)
	}
}

const importFixture = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:count\r\n" +
	"DTSTAMP:20250101T000000Z\r\n" +
	"SUMMARY:Sync\r\n" +
	"DTSTART:20250107T100000Z\r\n" +
	"DTEND:20250107T103000Z\r\n" +
	"RRULE:FREQ=WEEKLY;COUNT=4;BYDAY=TU,TH\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:daily\r\n" +
	"DTSTAMP:20250101T000000Z\r\n" +
	"SUMMARY:Daily\r\n" +
	"DTSTART:20250107T100000Z\r\n" +
	"DTEND:20250107T103000Z\r\n" +
	"RRULE:FREQ=DAILY;COUNT=3\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:exdate\r\n" +
	"DTSTAMP:20250101T000000Z\r\n" +
	"SUMMARY:Skipped once\r\n" +
	"DTSTART:20250107T100000Z\r\n" +
	"DTEND:20250107T103000Z\r\n" +
	"RRULE:FREQ=WEEKLY;UNTIL=20250131T000000Z\r\n" +
	"EXDATE:20250114T100000Z\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:offsite\r\n" +
	"DTSTAMP:20250101T000000Z\r\n" +
	"SUMMARY:Offsite\r\n" +
	"DTSTART;VALUE=DATE:20250110\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestImport(t *testing.T) {
	t.Parallel()

	res, err := Import([]byte(importFixture), ImportConfig{TenantID: "t1", RoomID: "r1", Location: time.UTC})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 2 {
		t.Fatalf("events = %+v", res.Events)
	}
	skipped := map[string]bool{}
	for _, s := range res.Skipped {
		skipped[s.UID] = true
	}
	if !skipped["daily"] || !skipped["exdate"] || len(skipped) != 2 {
		t.Fatalf("skipped = %+v", res.Skipped)
	}

	sync := res.Events[0].Event
	want := model.Recurrence{
		Days:       model.NewWeekdaySet(time.Tuesday, time.Thursday),
		DailyStart: model.NewTimeOfDay(10, 0, 0),
		DailyEnd:   model.NewTimeOfDay(10, 30, 0),
		Active:     model.ActiveDateRange{Start: mustDate(t, "2025-01-07"), End: mustDate(t, "2025-01-16")},
	}
	if sync.Recurrence == nil || *sync.Recurrence != want {
		t.Fatalf("COUNT rule = %+v, want %+v", sync.Recurrence, want)
	}
	if sync.TenantID != "t1" || sync.RoomID != "r1" || sync.Title != "Sync" {
		t.Fatalf("placement = %+v", sync)
	}

	offsite := res.Events[1].Event
	day := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	if offsite.Absolute == nil || !offsite.Absolute.Start.Equal(day) || !offsite.Absolute.End.Equal(day.Add(24*time.Hour)) {
		t.Fatalf("all-day = %+v", offsite.Absolute)
	}
}

func TestImportRejectsEmptyBody(t *testing.T) {
	t.Parallel()

	if _, err := Import([]byte("  \n"), ImportConfig{}); err == nil {
		t.Fatal("expected error")
	}
}
