package sqlcgen

import (
	"context"
)

const createMonitoredDevicesTable = `-- name: CreateMonitoredDevicesTable :exec
CREATE TABLE IF NOT EXISTS monitored_devices (
  position   integer     PRIMARY KEY,
  name       text        NOT NULL,
  address    text        NOT NULL,
  location   text        NOT NULL,
  updated_at timestamptz NOT NULL DEFAULT now()
)
`

func (q *Queries) CreateMonitoredDevicesTable(ctx context.Context) error {
	_, err := q.db.Exec(ctx, createMonitoredDevicesTable)
	return err
}

const listMonitoredDevices = `-- name: ListMonitoredDevices :many
SELECT position,
       name,
       address,
       location,
       updated_at
FROM monitored_devices
ORDER BY position ASC
`

func (q *Queries) ListMonitoredDevices(ctx context.Context) ([]MonitoredDevice, error) {
	rows, err := q.db.Query(ctx, listMonitoredDevices)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []MonitoredDevice
	for rows.Next() {
		var i MonitoredDevice
		if err := rows.Scan(&i.Position, &i.Name, &i.Address, &i.Location, &i.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const deleteMonitoredDevices = `-- name: DeleteMonitoredDevices :exec
DELETE FROM monitored_devices
`

func (q *Queries) DeleteMonitoredDevices(ctx context.Context) error {
	_, err := q.db.Exec(ctx, deleteMonitoredDevices)
	return err
}

const insertMonitoredDevice = `-- name: InsertMonitoredDevice :exec
INSERT INTO monitored_devices (position, name, address, location)
VALUES ($1, $2, $3, $4)
`

type InsertMonitoredDeviceParams struct {
	Position int32
	Name     string
	Address  string
	Location string
}

func (q *Queries) InsertMonitoredDevice(ctx context.Context, arg InsertMonitoredDeviceParams) error {
	_, err := q.db.Exec(ctx, insertMonitoredDevice, arg.Position, arg.Name, arg.Address, arg.Location)
	return err
}
