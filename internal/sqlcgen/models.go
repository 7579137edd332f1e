package sqlcgen

import "time"

type MonitoredDevice struct {
	Position  int32
	Name      string
	Address   string
	Location  string
	UpdatedAt time.Time
}
