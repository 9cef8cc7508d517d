// Package booking is the mutation boundary for room events: it validates
// input, checks conflicts against the room's stored events, persists, and
// tells connected displays what changed.
package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"roomcal/internal/clock"
	appLog "roomcal/internal/log"
	"roomcal/internal/model"
	"roomcal/internal/schedule"
	"roomcal/internal/store"
)

// ErrNotFound is returned for unknown event ids and for ids that belong
// to another tenant.
var ErrNotFound = errors.New("booking: event not found")

// Store is the storage collaborator.
type Store interface {
	Get(ctx context.Context, id string) (model.Event, error)
	Save(ctx context.Context, e model.Event) error
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, q store.Query) ([]model.Event, error)
}

// Notifier receives one notification per successful mutation.
type Notifier interface {
	Notify(ctx context.Context, n model.ChangeNotification) error
}

type Options struct {
	Store    Store
	Notifier Notifier
	Clock    clock.Clock
	// Location returns the timezone of a room. Defaults to UTC.
	Location func(roomID string) *time.Location
}

type Service struct {
	store    Store
	notifier Notifier
	clock    clock.Clock
	location func(string) *time.Location

	// mu serializes check-then-save so two mutations cannot both pass
	// the conflict check against the same snapshot.
	mu sync.Mutex
}

func New(opts Options) *Service {
	s := &Service{
		store:    opts.Store,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		location: opts.Location,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.location == nil {
		s.location = func(string) *time.Location { return time.UTC }
	}
	return s
}

// Location is the timezone used for roomID.
func (s *Service) Location(roomID string) *time.Location {
	return s.location(roomID)
}

// Create stores a new event under a fresh id. With force set, conflicts
// are returned alongside the created event instead of rejecting it.
func (s *Service) Create(ctx context.Context, e model.Event, force bool) (model.Event, []schedule.Conflict, error) {
	if err := e.Validate(); err != nil {
		return model.Event{}, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = uuid.NewString()
	conflicts, err := s.check(ctx, e, force)
	if err != nil {
		return model.Event{}, conflicts, err
	}

	now := s.clock.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	if err := s.store.Save(ctx, e); err != nil {
		return model.Event{}, nil, fmt.Errorf("booking: create: %w", err)
	}

	appLog.Info("booking: event created",
		"event_id", e.ID, "room_id", e.RoomID, "recurring", e.IsRecurring(),
		"forced_conflicts", len(conflicts))
	s.notify(ctx, model.Created, e)
	return e, conflicts, nil
}

// Update replaces event id with e. Both sides of the conflict check use
// current data: e as submitted against the room's stored events, minus
// the event being edited. This holds when an edit switches an event
// between recurring and absolute.
func (s *Service) Update(ctx context.Context, id string, e model.Event, force bool) (model.Event, []schedule.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.owned(ctx, e.TenantID, id)
	if err != nil {
		return model.Event{}, nil, err
	}
	e.ID = id
	e.CreatedAt = stored.CreatedAt
	if err := e.Validate(); err != nil {
		return model.Event{}, nil, err
	}

	conflicts, err := s.check(ctx, e, force)
	if err != nil {
		return model.Event{}, conflicts, err
	}

	e.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.Save(ctx, e); err != nil {
		return model.Event{}, nil, fmt.Errorf("booking: update %s: %w", id, err)
	}

	appLog.Info("booking: event updated",
		"event_id", id, "room_id", e.RoomID, "recurring", e.IsRecurring(),
		"was_recurring", stored.IsRecurring(), "forced_conflicts", len(conflicts))
	s.notify(ctx, model.Updated, e)
	return e, conflicts, nil
}

func (s *Service) Delete(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.owned(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("booking: delete %s: %w", id, err)
	}

	appLog.Info("booking: event deleted", "event_id", id, "room_id", stored.RoomID)
	s.notify(ctx, model.Deleted, stored)
	return nil
}

// Check reports conflicts for e without storing anything. A set e.ID is
// treated as an edit of that event.
func (s *Service) Check(ctx context.Context, e model.Event) ([]schedule.Conflict, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	existing, err := s.roomEvents(ctx, e.TenantID, e.RoomID)
	if err != nil {
		return nil, err
	}
	return schedule.Detect(e, existing, s.location(e.RoomID)), nil
}

// Occurrences resolves a room's events for one calendar date in the
// room's timezone.
func (s *Service) Occurrences(ctx context.Context, tenantID, roomID string, date model.Date) ([]model.Occurrence, error) {
	loc := s.location(roomID)
	events, err := s.store.Query(ctx, store.Query{
		TenantID: tenantID,
		RoomID:   roomID,
		From:     date.In(loc),
		To:       date.AddDays(1).In(loc),
	})
	if err != nil {
		return nil, fmt.Errorf("booking: occurrences: %w", err)
	}
	return schedule.Day(events, date, loc), nil
}

// MaxExpandRange bounds the window Expand accepts.
const MaxExpandRange = 366 * 24 * time.Hour

// Expand resolves a room's events across [from, to) in the room's timezone.
// Recurring events that would exceed the per-event cap are listed in
// TruncatedEvents.
func (s *Service) Expand(ctx context.Context, tenantID, roomID string, from, to time.Time) (schedule.ExpandResult, error) {
	if !to.After(from) {
		return schedule.ExpandResult{}, fmt.Errorf("%w: end must be after start", model.ErrInvalidEvent)
	}
	if to.Sub(from) > MaxExpandRange {
		return schedule.ExpandResult{}, fmt.Errorf("%w: range longer than %d days", model.ErrInvalidEvent, int(MaxExpandRange/(24*time.Hour)))
	}
	loc := s.location(roomID)
	events, err := s.store.Query(ctx, store.Query{TenantID: tenantID, RoomID: roomID, From: from, To: to})
	if err != nil {
		return schedule.ExpandResult{}, fmt.Errorf("booking: expand: %w", err)
	}
	return schedule.Expand(events, schedule.ExpandConfig{Location: loc, RangeStart: from, RangeEnd: to})
}

func (s *Service) Events(ctx context.Context, q store.Query) ([]model.Event, error) {
	events, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("booking: events: %w", err)
	}
	return events, nil
}

func (s *Service) check(ctx context.Context, e model.Event, force bool) ([]schedule.Conflict, error) {
	existing, err := s.roomEvents(ctx, e.TenantID, e.RoomID)
	if err != nil {
		return nil, err
	}
	return schedule.Check(e, existing, s.location(e.RoomID), force)
}

func (s *Service) roomEvents(ctx context.Context, tenantID, roomID string) ([]model.Event, error) {
	events, err := s.store.Query(ctx, store.Query{TenantID: tenantID, RoomID: roomID})
	if err != nil {
		return nil, fmt.Errorf("booking: loading room %s: %w", roomID, err)
	}
	return events, nil
}

// owned loads id and hides events of other tenants.
func (s *Service) owned(ctx context.Context, tenantID, id string) (model.Event, error) {
	stored, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Event{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("booking: load %s: %w", id, err)
	}
	if stored.TenantID != tenantID {
		return model.Event{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return stored, nil
}

// notify is fire-and-forget: the mutation already succeeded.
func (s *Service) notify(ctx context.Context, kind model.ChangeKind, e model.Event) {
	if s.notifier == nil {
		return
	}
	// The notifier stamps EmittedAt.
	n := model.ChangeNotification{
		Kind:     kind,
		EventID:  e.ID,
		RoomID:   e.RoomID,
		TenantID: e.TenantID,
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		appLog.Warn("booking: notification not fully delivered", "err", err, "event_id", e.ID, "kind", string(kind))
	}
}
