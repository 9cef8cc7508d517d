package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"roomcal/internal/model"
)

// TouchDevice records a heartbeat. Battery fields are only overwritten
// when the heartbeat carries them.
func (s *Store) TouchDevice(ctx context.Context, d model.Device) error {
	conn, err := s.take(ctx, "touch device")
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO devices
		(id, tenant_id, room_id, last_seen, battery_percent, battery_voltage_mv)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			room_id = excluded.room_id,
			last_seen = excluded.last_seen,
			battery_percent = COALESCE(excluded.battery_percent, devices.battery_percent),
			battery_voltage_mv = COALESCE(excluded.battery_voltage_mv, devices.battery_voltage_mv)`,
		&sqlitex.ExecOptions{
			Args: []any{
				d.ID, d.TenantID, d.RoomID, d.LastSeen.UnixMilli(),
				optionalInt(d.BatteryPercent), optionalInt(d.BatteryVoltageMv),
			},
		})
	if err != nil {
		return fmt.Errorf("store: touch device %s: %w", d.ID, err)
	}
	return nil
}

// Devices lists the devices of a tenant, most recently seen first.
func (s *Store) Devices(ctx context.Context, tenantID string) ([]model.Device, error) {
	conn, err := s.take(ctx, "devices")
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var devices []model.Device
	err = sqlitex.Execute(conn, `SELECT id, tenant_id, room_id, last_seen, battery_percent, battery_voltage_mv
		FROM devices WHERE tenant_id = ? ORDER BY last_seen DESC, id`,
		&sqlitex.ExecOptions{
			Args: []any{tenantID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				d := model.Device{
					ID:       stmt.ColumnText(0),
					TenantID: stmt.ColumnText(1),
					RoomID:   stmt.ColumnText(2),
					LastSeen: time.UnixMilli(stmt.ColumnInt64(3)).UTC(),
				}
				if !stmt.ColumnIsNull(4) {
					v := int(stmt.ColumnInt64(4))
					d.BatteryPercent = &v
				}
				if !stmt.ColumnIsNull(5) {
					v := int(stmt.ColumnInt64(5))
					d.BatteryVoltageMv = &v
				}
				devices = append(devices, d)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	return devices, nil
}

func optionalInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
