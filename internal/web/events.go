package web

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"roomcal/internal/ics"
	appLog "roomcal/internal/log"
	"roomcal/internal/model"
	"roomcal/internal/schedule"
	"roomcal/internal/store"
)

const (
	maxEventBody    = 1 << 20
	maxCalendarBody = 4 << 20
)

// eventRequest is a mutation body: the event record plus the force flag.
type eventRequest struct {
	model.Record
	Force bool `json:"force,omitempty"`
}

type eventResponse struct {
	Event     model.Record        `json:"event"`
	Conflicts []schedule.Conflict `json:"conflicts,omitempty"`
}

type checkResponse struct {
	Clear     bool                `json:"clear"`
	Conflicts []schedule.Conflict `json:"conflicts"`
}

// handleListEvents serves raw records for a tenant, optionally narrowed
// to a room and a [start, end) window. Responses carry a content hash
// ETag so polling displays can revalidate cheaply.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	roomID := q.Get("room_id")
	loc := s.booking.Location(roomID)

	query := store.Query{TenantID: tenantID, RoomID: roomID}
	var err error
	if v := q.Get("start"); v != "" {
		if query.From, err = parseInstant(v, loc); err != nil {
			writeError(w, http.StatusBadRequest, "start: "+err.Error())
			return
		}
	}
	if v := q.Get("end"); v != "" {
		if query.To, err = parseInstant(v, loc); err != nil {
			writeError(w, http.StatusBadRequest, "end: "+err.Error())
			return
		}
	}

	events, err := s.booking.Events(r.Context(), query)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	records := make([]model.Record, 0, len(events))
	for _, e := range events {
		records = append(records, model.RecordOf(e))
	}

	body, err := json.Marshal(records)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	sum := sha256.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:16]) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	e, force, ok := decodeEvent(w, r)
	if !ok {
		return
	}
	created, conflicts, err := s.booking.Create(r.Context(), e, force)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, eventResponse{Event: model.RecordOf(created), Conflicts: conflicts})
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	e, force, ok := decodeEvent(w, r)
	if !ok {
		return
	}
	updated, conflicts, err := s.booking.Update(r.Context(), r.PathValue("id"), e, force)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eventResponse{Event: model.RecordOf(updated), Conflicts: conflicts})
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if err := s.booking.Delete(r.Context(), tenantID, r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCheckEvent runs conflict detection without storing anything.
func (s *Server) handleCheckEvent(w http.ResponseWriter, r *http.Request) {
	e, _, ok := decodeEvent(w, r)
	if !ok {
		return
	}
	conflicts, err := s.booking.Check(r.Context(), e)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []schedule.Conflict{}
	}
	writeJSON(w, http.StatusOK, checkResponse{Clear: len(conflicts) == 0, Conflicts: conflicts})
}

type occurrencesResponse struct {
	RoomID      string             `json:"room_id"`
	Date        model.Date         `json:"date,omitzero"`
	Start       *time.Time         `json:"start,omitempty"`
	End         *time.Time         `json:"end,omitempty"`
	Timezone    string             `json:"timezone"`
	Occurrences []model.Occurrence `json:"occurrences"`
	// TruncatedEvents lists recurring events cut off by the per-event cap.
	TruncatedEvents []string `json:"truncated_events,omitempty"`
}

func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	roomID := r.PathValue("room")
	loc := s.booking.Location(roomID)

	if q.Has("start") || q.Has("end") {
		s.handleOccurrenceRange(w, r, tenantID, roomID, loc)
		return
	}

	date := model.DateIn(s.clock.Now(), loc)
	if v := q.Get("date"); v != "" {
		d, err := model.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		date = d
	}

	occs, err := s.booking.Occurrences(r.Context(), tenantID, roomID, date)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if occs == nil {
		occs = []model.Occurrence{}
	}
	writeJSON(w, http.StatusOK, occurrencesResponse{
		RoomID:      roomID,
		Date:        date,
		Timezone:    loc.String(),
		Occurrences: occs,
	})
}

// handleOccurrenceRange serves occurrences overlapping [start, end). Both
// bounds are required; a bare date means midnight in the room timezone.
func (s *Server) handleOccurrenceRange(w http.ResponseWriter, r *http.Request, tenantID, roomID string, loc *time.Location) {
	q := r.URL.Query()
	if q.Get("start") == "" || q.Get("end") == "" {
		writeError(w, http.StatusBadRequest, "start and end must be given together")
		return
	}
	start, err := parseInstant(q.Get("start"), loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := parseInstant(q.Get("end"), loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.booking.Expand(r.Context(), tenantID, roomID, start, end)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	occs := res.Occurrences
	if occs == nil {
		occs = []model.Occurrence{}
	}
	writeJSON(w, http.StatusOK, occurrencesResponse{
		RoomID:          roomID,
		Start:           &start,
		End:             &end,
		Timezone:        loc.String(),
		Occurrences:     occs,
		TruncatedEvents: res.TruncatedEvents,
	})
}

// handleCalendar publishes a room as an iCalendar feed. days limits the
// feed to events touching the next N days; zero or absent means all.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	roomID := r.PathValue("room")
	loc := s.booking.Location(roomID)
	now := s.clock.Now()

	query := store.Query{TenantID: tenantID, RoomID: roomID}
	if days := parseIntDefault(q.Get("days"), 0); days > 0 {
		today := model.DateIn(now, loc)
		query.From = today.In(loc)
		query.To = today.AddDays(days).In(loc)
	}
	events, err := s.booking.Events(r.Context(), query)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	body := ics.Export(events, ics.ExportConfig{Name: roomID, Location: loc, Stamp: now})
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s.ics"`, sanitizeFilename(roomID)))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

type importRejection struct {
	UID       string              `json:"uid"`
	Error     string              `json:"error"`
	Conflicts []schedule.Conflict `json:"conflicts,omitempty"`
}

type importResponse struct {
	Created  []model.Record    `json:"created"`
	Rejected []importRejection `json:"rejected"`
	Skipped  []ics.Skipped     `json:"skipped"`
}

// handleImport books every importable VEVENT of an uploaded calendar into
// the room. Each event goes through the normal conflict check; force=true
// books conflicting events anyway.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	roomID := r.PathValue("room")
	force := queryBool(q.Get("force"))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCalendarBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	parsed, err := ics.Import(body, ics.ImportConfig{
		TenantID: tenantID,
		RoomID:   roomID,
		Location: s.booking.Location(roomID),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := importResponse{
		Created:  []model.Record{},
		Rejected: []importRejection{},
		Skipped:  parsed.Skipped,
	}
	if resp.Skipped == nil {
		resp.Skipped = []ics.Skipped{}
	}
	for _, im := range parsed.Events {
		created, _, err := s.booking.Create(r.Context(), im.Event, force)
		if err != nil {
			rej := importRejection{UID: im.UID, Error: err.Error()}
			var cerr *schedule.ConflictError
			if errors.As(err, &cerr) {
				rej.Conflicts = cerr.Conflicts
			}
			resp.Rejected = append(resp.Rejected, rej)
			continue
		}
		resp.Created = append(resp.Created, model.RecordOf(created))
	}

	appLog.Info("calendar import finished", "room_id", roomID,
		"created", len(resp.Created), "rejected", len(resp.Rejected), "skipped", len(resp.Skipped))
	writeJSON(w, http.StatusOK, resp)
}

// decodeEvent reads an eventRequest and converts it. On failure it writes
// the error response and returns ok=false.
func decodeEvent(w http.ResponseWriter, r *http.Request) (model.Event, bool, bool) {
	var req eventRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return model.Event{}, false, false
	}
	e, err := req.Event()
	if err != nil {
		writeServiceError(w, err)
		return model.Event{}, false, false
	}
	return e, req.Force || queryBool(r.URL.Query().Get("force")), true
}

// parseInstant accepts RFC 3339 timestamps or calendar dates, the latter
// taken as midnight in loc.
func parseInstant(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := model.ParseDate(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", v)
	}
	return d.In(loc), nil
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func queryBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func sanitizeFilename(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch {
		case r == '"' || r == '\\' || r == '/' || r < 0x20:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "calendar"
	}
	return strings.TrimSpace(b.String())
}
