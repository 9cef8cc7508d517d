package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"roomcal/internal/booking"
	"roomcal/internal/broadcast"
	"roomcal/internal/clock"
	"roomcal/internal/config"
	"roomcal/internal/model"
	"roomcal/internal/store"
	"roomcal/internal/testutil"
)

var epoch = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

type fixture struct {
	server      *httptest.Server
	broadcaster *broadcast.Broadcaster
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "web.db"), PoolSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	c := clock.Fake(epoch)
	b := broadcast.New(c)
	svc := booking.New(booking.Options{Store: st, Notifier: b, Clock: c, Location: cfg.RoomLocation})
	srv := NewServer(Options{Config: cfg, Booking: svc, Broadcaster: b, Devices: st, Clock: c})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{server: ts, broadcaster: b}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[V any](t *testing.T, resp *http.Response) V {
	t.Helper()
	var v V
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

const reviewBody = `{"tenant_id":"t1","room_id":"r1","title":"Review",
	"start_time":"2025-03-10T14:00:00Z","end_time":"2025-03-10T15:00:00Z"}`

const overlapBody = `{"tenant_id":"t1","room_id":"r1","title":"Overlap",
	"start_time":"2025-03-10T14:30:00Z","end_time":"2025-03-10T15:30:00Z"}`

func TestHealthSkipsAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *config.Config) {
		c.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	})

	if resp := f.do(t, http.MethodGet, "/health", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/api/events?tenant_id=t1", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/api/events?tenant_id=t1", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated = %d", resp.StatusCode)
	}
}

func TestCreateConflictAndForce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/events", reviewBody)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d", resp.StatusCode)
	}
	created := decode[eventResponse](t, resp)
	if created.Event.ID == "" {
		t.Fatal("no id assigned")
	}

	resp = f.do(t, http.MethodPost, "/api/events", overlapBody)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("overlap = %d", resp.StatusCode)
	}
	rejected := decode[errorResponse](t, resp)
	if len(rejected.Conflicts) != 1 || rejected.Conflicts[0].EventID != created.Event.ID {
		t.Fatalf("conflicts = %+v", rejected.Conflicts)
	}
	if rejected.Conflicts[0].StartTime == nil || rejected.Conflicts[0].RecurrenceDays != nil {
		t.Fatalf("absolute conflict shape = %+v", rejected.Conflicts[0])
	}

	resp = f.do(t, http.MethodPost, "/api/events?force=true", overlapBody)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("forced = %d", resp.StatusCode)
	}
	if forced := decode[eventResponse](t, resp); len(forced.Conflicts) != 1 {
		t.Fatalf("forced conflicts = %+v", forced.Conflicts)
	}
}

func TestMalformedRecurrenceIsBadRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	body := `{"tenant_id":"t1","room_id":"r1","title":"Broken",
		"start_time":"2025-01-01T00:00:00Z","end_time":"2025-01-31T00:00:00Z",
		"recurrence_days":["Mon"],"daily_start_time":"09:00"}`
	resp := f.do(t, http.MethodPost, "/api/events", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if e := decode[errorResponse](t, resp); !strings.Contains(e.Error, "recurrence") {
		t.Fatalf("error = %q", e.Error)
	}

	if resp := f.do(t, http.MethodPost, "/api/events", "{"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad JSON = %d", resp.StatusCode)
	}
}

func TestUpdateDeleteAndNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	created := decode[eventResponse](t, f.do(t, http.MethodPost, "/api/events", reviewBody))
	id := created.Event.ID

	resp := f.do(t, http.MethodPut, "/api/events/"+id, reviewBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unchanged update = %d", resp.StatusCode)
	}

	if resp := f.do(t, http.MethodDelete, "/api/events/"+id, ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("delete without tenant = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodDelete, "/api/events/"+id+"?tenant_id=t2", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-tenant delete = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodDelete, "/api/events/"+id+"?tenant_id=t1", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPut, "/api/events/"+id, reviewBody); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("update deleted = %d", resp.StatusCode)
	}
}

func TestListEventsETag(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/api/events", reviewBody)

	resp := f.do(t, http.MethodGet, "/api/events?tenant_id=t1&room_id=r1&start=2025-03-10&end=2025-03-11", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list = %d", resp.StatusCode)
	}
	etag := resp.Header.Get("ETag")
	records := decode[[]model.Record](t, resp)
	if len(records) != 1 || etag == "" {
		t.Fatalf("records = %+v, etag = %q", records, etag)
	}

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/api/events?tenant_id=t1&room_id=r1&start=2025-03-10&end=2025-03-11", nil)
	req.Header.Set("If-None-Match", etag)
	again, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	again.Body.Close()
	if again.StatusCode != http.StatusNotModified {
		t.Fatalf("revalidate = %d", again.StatusCode)
	}

	if resp := f.do(t, http.MethodGet, "/api/events?tenant_id=t1&start=yesterday", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad start = %d", resp.StatusCode)
	}
}

func TestCheckAndOccurrences(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	weekly := `{"tenant_id":"t1","room_id":"r1","title":"Standup",
		"start_time":"2025-03-01T00:00:00Z","end_time":"2025-03-31T00:00:00Z",
		"recurrence_days":["Mon","Wed"],"daily_start_time":"09:00","daily_end_time":"10:00"}`
	if resp := f.do(t, http.MethodPost, "/api/events", weekly); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create weekly = %d", resp.StatusCode)
	}

	check := decode[checkResponse](t, f.do(t, http.MethodPost, "/api/events/check", `{"tenant_id":"t1","room_id":"r1","title":"Tue",
		"start_time":"2025-03-11T09:00:00Z","end_time":"2025-03-11T10:00:00Z"}`))
	if !check.Clear || len(check.Conflicts) != 0 {
		t.Fatalf("tuesday check = %+v", check)
	}

	occ := decode[occurrencesResponse](t, f.do(t, http.MethodGet, "/api/rooms/r1/occurrences?tenant_id=t1", ""))
	if occ.Date.String() != "2025-03-10" || len(occ.Occurrences) != 1 {
		t.Fatalf("today = %+v", occ)
	}
	want := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	if !occ.Occurrences[0].Start.Equal(want) {
		t.Fatalf("start = %v, want %v", occ.Occurrences[0].Start, want)
	}

	occ = decode[occurrencesResponse](t, f.do(t, http.MethodGet, "/api/rooms/r1/occurrences?tenant_id=t1&date=2025-03-11", ""))
	if len(occ.Occurrences) != 0 {
		t.Fatalf("tuesday = %+v", occ)
	}
}

func TestOccurrenceRange(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	weekly := `{"tenant_id":"t1","room_id":"r1","title":"Standup",
		"start_time":"2025-03-01T00:00:00Z","end_time":"2025-03-31T00:00:00Z",
		"recurrence_days":["Mon","Wed"],"daily_start_time":"09:00","daily_end_time":"10:00"}`
	for _, body := range []string{weekly, reviewBody} {
		if resp := f.do(t, http.MethodPost, "/api/events", body); resp.StatusCode != http.StatusCreated {
			t.Fatalf("create = %d", resp.StatusCode)
		}
	}

	resp := f.do(t, http.MethodGet, "/api/rooms/r1/occurrences?tenant_id=t1&start=2025-03-10&end=2025-03-17", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("range = %d", resp.StatusCode)
	}
	occ := decode[occurrencesResponse](t, resp)
	if len(occ.Occurrences) != 3 || occ.Start == nil || occ.End == nil {
		t.Fatalf("range = %+v", occ)
	}
	wantStarts := []string{"2025-03-10T09:00:00Z", "2025-03-10T14:00:00Z", "2025-03-12T09:00:00Z"}
	for i, want := range wantStarts {
		if got := occ.Occurrences[i].Start.UTC().Format(time.RFC3339); got != want {
			t.Errorf("occurrence %d start = %s, want %s", i, got, want)
		}
	}
	if len(occ.TruncatedEvents) != 0 {
		t.Fatalf("truncated = %v", occ.TruncatedEvents)
	}

	for _, query := range []string{
		"start=2025-03-10",
		"start=2025-03-17&end=2025-03-10",
		"start=2025-01-01&end=2026-06-01",
		"start=soon&end=2025-03-17",
	} {
		if resp := f.do(t, http.MethodGet, "/api/rooms/r1/occurrences?tenant_id=t1&"+query, ""); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s = %d, want 400", query, resp.StatusCode)
		}
	}
}

func TestCalendarExportAndImport(t *testing.T) {
	t.Parallel()
	src := newFixture(t, nil)
	src.do(t, http.MethodPost, "/api/events", reviewBody)

	resp := src.do(t, http.MethodGet, "/api/rooms/r1/calendar.ics?tenant_id=t1", "")
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Fatalf("content type = %q", ct)
	}
	feed, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(feed, []byte("SUMMARY:Review")) {
		t.Fatalf("feed:\n%s", feed)
	}

	dst := newFixture(t, nil)
	imported := decode[importResponse](t, dst.do(t, http.MethodPost, "/api/rooms/r2/calendar.ics?tenant_id=t1", string(feed)))
	if len(imported.Created) != 1 || imported.Created[0].RoomID != "r2" {
		t.Fatalf("import = %+v", imported)
	}

	// The same feed again collides with what was just imported.
	again := decode[importResponse](t, dst.do(t, http.MethodPost, "/api/rooms/r2/calendar.ics?tenant_id=t1", string(feed)))
	if len(again.Created) != 0 || len(again.Rejected) != 1 || len(again.Rejected[0].Conflicts) != 1 {
		t.Fatalf("reimport = %+v", again)
	}
}

func TestHeartbeatAndDevices(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/devices/lobby/heartbeat", `{"tenant_id":"t1","room_id":"r1","battery_percent":77}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("heartbeat = %d", resp.StatusCode)
	}
	devices := decode[[]model.Device](t, f.do(t, http.MethodGet, "/api/devices?tenant_id=t1", ""))
	if len(devices) != 1 || devices[0].ID != "lobby" || !devices[0].LastSeen.Equal(epoch) {
		t.Fatalf("devices = %+v", devices)
	}
	if devices[0].BatteryPercent == nil || *devices[0].BatteryPercent != 77 {
		t.Fatalf("battery = %v", devices[0].BatteryPercent)
	}
}

func TestStreamDeliversChangesAndUnregisters(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/api/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return f.broadcaster.Len() == 1 }, "session not registered")

	frames := make(chan string, 4)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
				frames <- data
			}
		}
		close(frames)
	}()

	created := decode[eventResponse](t, f.do(t, http.MethodPost, "/api/events", reviewBody))

	frame := testutil.RequireReceive(t, frames, 5*time.Second, "no frame after create")
	var msg model.Message
	if err := json.Unmarshal([]byte(frame), &msg); err != nil {
		t.Fatal(err)
	}
	n, ok := msg.Notification()
	if !ok || n.Kind != model.Created || n.EventID != created.Event.ID || n.RoomID != "r1" || n.TenantID != "t1" {
		t.Fatalf("message = %+v", msg)
	}

	cancel()
	testutil.Eventually(t, 5*time.Second, func() bool { return f.broadcaster.Len() == 0 }, "session leaked after disconnect")
}
