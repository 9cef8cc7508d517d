// Package store keeps events and device liveness in a SQLite database.
//
// Events are stored in their flat record shape: one start/end column pair
// that holds either the absolute interval or the active date range, plus
// nullable recurrence columns. Recurrence days are written as
// comma-joined abbreviations ("Mon,Wed") and parsed back on read.
package store

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	appLog "roomcal/internal/log"
	"roomcal/internal/model"
)

// ErrNotFound is returned by Get and Delete for unknown ids.
var ErrNotFound = errors.New("store: not found")

// recurringMargin widens date-range filters for recurring events. Their
// active range is stored as UTC midnights while the room may sit up to
// fourteen hours either side of UTC.
const recurringMargin = 48 * time.Hour

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	room_id          TEXT NOT NULL,
	title            TEXT NOT NULL,
	facilitator_id   TEXT NOT NULL DEFAULT '',
	facilitator_name TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	start_time       INTEGER NOT NULL,
	end_time         INTEGER NOT NULL,
	recurrence_days  TEXT,
	daily_start_time TEXT,
	daily_end_time   TEXT,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS events_room_start ON events (tenant_id, room_id, start_time);

CREATE TABLE IF NOT EXISTS devices (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	room_id            TEXT NOT NULL,
	last_seen          INTEGER NOT NULL,
	battery_percent    INTEGER,
	battery_voltage_mv INTEGER
);
`

type Config struct {
	// Path is the database file. ":memory:" requires PoolSize 1.
	Path string
	// PoolSize defaults to max(runtime.NumCPU(), 4).
	PoolSize int
}

type Store struct {
	pool *sqlitex.Pool
	path string
}

// Open opens (creating if needed) the database and applies the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("store: Path is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}

	s := &Store{pool: pool, path: cfg.Path}
	if err := s.migrate(); err != nil {
		pool.Close()
		return nil, err
	}
	appLog.Info("store: opened", "path", cfg.Path, "pool_size", poolSize)
	return s, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate() error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: applying schema: %w", err)
	}
	return nil
}

// Close blocks until all borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) take(ctx context.Context, op string) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", op, err)
	}
	return conn, nil
}

const eventColumns = "id, tenant_id, room_id, title, facilitator_id, facilitator_name, " +
	"description, start_time, end_time, recurrence_days, daily_start_time, daily_end_time, " +
	"created_at, updated_at"

func (s *Store) Get(ctx context.Context, id string) (model.Event, error) {
	conn, err := s.take(ctx, "get")
	if err != nil {
		return model.Event{}, err
	}
	defer s.pool.Put(conn)

	var (
		found bool
		event model.Event
	)
	err = sqlitex.Execute(conn, "SELECT "+eventColumns+" FROM events WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			e, err := scanEvent(stmt)
			if err != nil {
				return err
			}
			event, found = e, true
			return nil
		},
	})
	if err != nil {
		return model.Event{}, fmt.Errorf("store: get %s: %w", id, err)
	}
	if !found {
		return model.Event{}, fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	return event, nil
}

// Save inserts e or replaces the stored event with the same id.
func (s *Store) Save(ctx context.Context, e model.Event) (err error) {
	if e.ID == "" {
		return errors.New("store: save: event id is empty")
	}
	conn, err := s.take(ctx, "save")
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	r := model.RecordOf(e)
	var days, dailyStart, dailyEnd any
	if r.RecurrenceDays != nil {
		days = r.RecurrenceDays.String()
		dailyStart = r.DailyStartTime.String()
		dailyEnd = r.DailyEndTime.String()
	}

	err = sqlitex.Execute(conn, `INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			room_id = excluded.room_id,
			title = excluded.title,
			facilitator_id = excluded.facilitator_id,
			facilitator_name = excluded.facilitator_name,
			description = excluded.description,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			recurrence_days = excluded.recurrence_days,
			daily_start_time = excluded.daily_start_time,
			daily_end_time = excluded.daily_end_time,
			updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				r.ID, r.TenantID, r.RoomID, r.Title,
				r.FacilitatorID, r.FacilitatorName, r.Description,
				r.StartTime.UnixMilli(), r.EndTime.UnixMilli(),
				days, dailyStart, dailyEnd,
				r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(),
			},
		})
	if err != nil {
		return fmt.Errorf("store: save %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	conn, err := s.take(ctx, "delete")
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, "DELETE FROM events WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
	}); err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	return nil
}

// Query selects events of one tenant, optionally narrowed to a room and a
// time window. An empty RoomID matches every room; a zero From or To
// leaves that side of the window open.
type Query struct {
	TenantID string
	RoomID   string
	From     time.Time
	To       time.Time
}

// Query returns the events that may occur within q's window, ordered by
// start. The SQL filter is deliberately coarse for recurring events;
// callers resolve occurrences themselves.
func (s *Store) Query(ctx context.Context, q Query) ([]model.Event, error) {
	if q.TenantID == "" {
		return nil, errors.New("store: query: tenant id is required")
	}
	conn, err := s.take(ctx, "query")
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	conditions := []string{"tenant_id = ?"}
	args := []any{q.TenantID}
	if q.RoomID != "" {
		conditions = append(conditions, "room_id = ?")
		args = append(args, q.RoomID)
	}
	if !q.To.IsZero() {
		conditions = append(conditions,
			"((recurrence_days IS NULL AND start_time < ?) OR (recurrence_days IS NOT NULL AND start_time < ?))")
		args = append(args, q.To.UnixMilli(), q.To.Add(recurringMargin).UnixMilli())
	}
	if !q.From.IsZero() {
		conditions = append(conditions,
			"((recurrence_days IS NULL AND end_time > ?) OR (recurrence_days IS NOT NULL AND end_time > ?))")
		args = append(args, q.From.UnixMilli(), q.From.Add(-recurringMargin).UnixMilli())
	}

	query := "SELECT " + eventColumns + " FROM events WHERE " +
		strings.Join(conditions, " AND ") + " ORDER BY start_time, id"

	var events []model.Event
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			e, err := scanEvent(stmt)
			if err != nil {
				return err
			}
			events = append(events, e)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	return events, nil
}

func scanEvent(stmt *sqlite.Stmt) (model.Event, error) {
	// Columns follow eventColumns.
	r := model.Record{
		ID:              stmt.ColumnText(0),
		TenantID:        stmt.ColumnText(1),
		RoomID:          stmt.ColumnText(2),
		Title:           stmt.ColumnText(3),
		FacilitatorID:   stmt.ColumnText(4),
		FacilitatorName: stmt.ColumnText(5),
		Description:     stmt.ColumnText(6),
		StartTime:       time.UnixMilli(stmt.ColumnInt64(7)).UTC(),
		EndTime:         time.UnixMilli(stmt.ColumnInt64(8)).UTC(),
		CreatedAt:       time.UnixMilli(stmt.ColumnInt64(12)).UTC(),
		UpdatedAt:       time.UnixMilli(stmt.ColumnInt64(13)).UTC(),
	}
	if !stmt.ColumnIsNull(9) {
		days, err := model.ParseWeekdaySet(stmt.ColumnText(9))
		if err != nil {
			return model.Event{}, fmt.Errorf("event %s: %w", r.ID, err)
		}
		r.RecurrenceDays = &days
	}
	if !stmt.ColumnIsNull(10) {
		t, err := model.ParseTimeOfDay(stmt.ColumnText(10))
		if err != nil {
			return model.Event{}, fmt.Errorf("event %s: %w", r.ID, err)
		}
		r.DailyStartTime = &t
	}
	if !stmt.ColumnIsNull(11) {
		t, err := model.ParseTimeOfDay(stmt.ColumnText(11))
		if err != nil {
			return model.Event{}, fmt.Errorf("event %s: %w", r.ID, err)
		}
		r.DailyEndTime = &t
	}
	return r.Event()
}
