package schedule

import (
	"errors"
	"testing"
	"time"

	"roomcal/internal/model"
)

func TestDetectAbsoluteOverlapAndTouching(t *testing.T) {
	t.Parallel()

	b := absolute(t, "B", "2025-03-10T14:00:00Z", "2025-03-10T15:00:00Z")
	c := absolute(t, "C", "2025-03-10T14:30:00Z", "2025-03-10T15:30:00Z")
	d := absolute(t, "D", "2025-03-10T15:00:00Z", "2025-03-10T16:00:00Z")

	got := Detect(b, []model.Event{c}, time.UTC)
	if len(got) != 1 || got[0].EventID != "C" {
		t.Fatalf("Detect(B,[C]) = %+v, want one conflict with C", got)
	}
	if got[0].StartTime == nil || !got[0].StartTime.Equal(c.Absolute.Start) {
		t.Fatalf("conflict does not carry C's start: %+v", got[0])
	}

	if got := Detect(b, []model.Event{d}, time.UTC); len(got) != 0 {
		t.Fatalf("Detect(B,[D]) = %+v, want none for touching endpoints", got)
	}
}

func TestDetectAbsoluteAcrossMidnight(t *testing.T) {
	t.Parallel()

	late := absolute(t, "late", "2025-03-10T23:00:00Z", "2025-03-11T01:00:00Z")
	early := absolute(t, "early", "2025-03-11T00:30:00Z", "2025-03-11T02:00:00Z")

	if got := Detect(late, []model.Event{early}, time.UTC); len(got) != 1 || got[0].EventID != "early" {
		t.Fatalf("Detect(late,[early]) = %+v, want one conflict", got)
	}
	if got := Detect(early, []model.Event{late}, time.UTC); len(got) != 1 || got[0].EventID != "late" {
		t.Fatalf("Detect(early,[late]) = %+v, want one conflict", got)
	}
}

func TestDetectBothRecurringReportsCommonDays(t *testing.T) {
	t.Parallel()

	a := recurring(t, "A", "Mon,Wed,Fri", "09:00", "10:00", "2025-01-01", "2025-06-30")
	b := recurring(t, "B", "Wed,Fri,Sat", "09:30", "11:00", "2025-02-01", "2025-02-28")

	got := Detect(a, []model.Event{b}, time.UTC)
	if len(got) != 1 {
		t.Fatalf("got %d conflicts, want 1", len(got))
	}
	if got[0].ConflictingDays == nil || got[0].ConflictingDays.String() != "Wed,Fri" {
		t.Fatalf("conflicting days = %v, want Wed,Fri", got[0].ConflictingDays)
	}
	if got[0].DailyStartTime == nil || *got[0].DailyStartTime != tod(t, "09:30") {
		t.Fatalf("conflict does not carry B's daily start: %+v", got[0])
	}

	touching := recurring(t, "T", "Mon", "10:00", "11:00", "2025-01-01", "2025-06-30")
	if got := Detect(a, []model.Event{touching}, time.UTC); len(got) != 0 {
		t.Fatalf("touching daily intervals conflict: %+v", got)
	}
	disjoint := recurring(t, "X", "Tue,Thu", "09:00", "10:00", "2025-01-01", "2025-06-30")
	if got := Detect(a, []model.Event{disjoint}, time.UTC); len(got) != 0 {
		t.Fatalf("disjoint days conflict: %+v", got)
	}
}

func TestDetectMixedProjectsWeekdayAndTimeOfDay(t *testing.T) {
	t.Parallel()

	rec := recurring(t, "R", "Mon", "09:00", "10:00", "2025-01-01", "2025-01-31")

	cases := []struct {
		name string
		abs  model.Event
		want bool
	}{
		{"monday overlap", absolute(t, "M", "2025-01-13T09:30:00Z", "2025-01-13T11:00:00Z"), true},
		{"monday touching", absolute(t, "M", "2025-01-13T10:00:00Z", "2025-01-13T11:00:00Z"), false},
		{"tuesday", absolute(t, "M", "2025-01-14T09:30:00Z", "2025-01-14T11:00:00Z"), false},
		// Active range is not consulted for mixed pairs.
		{"monday outside range", absolute(t, "M", "2025-03-03T09:30:00Z", "2025-03-03T09:45:00Z"), true},
	}
	for _, c := range cases {
		got := Detect(rec, []model.Event{c.abs}, time.UTC)
		if (len(got) == 1) != c.want {
			t.Fatalf("%s: recurring candidate got %+v, want conflict=%t", c.name, got, c.want)
		}
		got = Detect(c.abs, []model.Event{rec}, time.UTC)
		if (len(got) == 1) != c.want {
			t.Fatalf("%s: absolute candidate got %+v, want conflict=%t", c.name, got, c.want)
		}
	}
}

func TestDetectMixedUsesRoomTimezone(t *testing.T) {
	t.Parallel()

	seoul, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		t.Skip("tzdata unavailable:", err)
	}
	rec := recurring(t, "R", "Tue", "09:00", "10:00", "2025-01-01", "2025-01-31")
	// Monday 2025-01-13 00:30Z is Tuesday 09:30 in Seoul.
	abs := absolute(t, "A", "2025-01-13T00:30:00Z", "2025-01-13T01:30:00Z")

	if got := Detect(abs, []model.Event{rec}, seoul); len(got) != 1 {
		t.Fatalf("Seoul: got %+v, want one conflict", got)
	}
	if got := Detect(abs, []model.Event{rec}, time.UTC); len(got) != 0 {
		t.Fatalf("UTC: got %+v, want none", got)
	}
}

func TestDetectIsSymmetric(t *testing.T) {
	t.Parallel()

	events := []model.Event{
		absolute(t, "a1", "2025-01-13T09:30:00Z", "2025-01-13T11:00:00Z"),
		absolute(t, "a2", "2025-01-13T10:00:00Z", "2025-01-13T10:30:00Z"),
		absolute(t, "a3", "2025-01-14T09:00:00Z", "2025-01-14T10:00:00Z"),
		absolute(t, "a4", "2025-01-13T23:00:00Z", "2025-01-14T01:00:00Z"),
		recurring(t, "r1", "Mon", "09:00", "10:00", "2025-01-01", "2025-01-31"),
		recurring(t, "r2", "Mon,Tue", "09:45", "12:00", "2025-01-01", "2025-01-31"),
		recurring(t, "r3", "Sat,Sun", "08:00", "20:00", "2025-01-01", "2025-01-31"),
		recurring(t, "r4", "Tue", "00:00", "00:30", "2025-01-01", "2025-01-31"),
	}
	for _, a := range events {
		for _, b := range events {
			if a.ID == b.ID {
				continue
			}
			ab := len(Detect(a, []model.Event{b}, time.UTC)) > 0
			ba := len(Detect(b, []model.Event{a}, time.UTC)) > 0
			if ab != ba {
				t.Fatalf("asymmetric: detect(%s,%s)=%t detect(%s,%s)=%t", a.ID, b.ID, ab, b.ID, a.ID, ba)
			}
		}
	}
}

func TestDetectSkipsOwnID(t *testing.T) {
	t.Parallel()

	a := recurring(t, "A", "Mon,Wed", "09:00", "10:00", "2025-01-01", "2025-01-31")
	b := absolute(t, "B", "2025-03-10T14:00:00Z", "2025-03-10T15:00:00Z")

	if got := Detect(a, []model.Event{a, b}, time.UTC); len(got) != 0 {
		t.Fatalf("unchanged edit of A conflicts: %+v", got)
	}
	if got := Detect(b, []model.Event{a, b}, time.UTC); len(got) != 0 {
		t.Fatalf("unchanged edit of B conflicts: %+v", got)
	}
}

func TestCheckForce(t *testing.T) {
	t.Parallel()

	b := absolute(t, "B", "2025-03-10T14:00:00Z", "2025-03-10T15:00:00Z")
	c := absolute(t, "C", "2025-03-10T14:30:00Z", "2025-03-10T15:30:00Z")
	existing := []model.Event{c}

	conflicts, err := Check(b, existing, time.UTC, false)
	var cerr *ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *ConflictError", err)
	}
	if !errors.Is(err, ErrSchedulingConflict) {
		t.Fatal("ConflictError does not match ErrSchedulingConflict")
	}
	if len(cerr.Conflicts) != 1 || len(conflicts) != 1 {
		t.Fatalf("conflicts = %d/%d, want 1", len(cerr.Conflicts), len(conflicts))
	}

	conflicts, err = Check(b, existing, time.UTC, true)
	if err != nil {
		t.Fatalf("forced check: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("forced check dropped conflicts: %+v", conflicts)
	}
	if !existing[0].Absolute.Start.Equal(c.Absolute.Start) {
		t.Fatal("forcing altered the existing event")
	}
}
