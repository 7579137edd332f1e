// Package configstore persists the monitored device list.
package configstore

import "context"

// Record is one persisted device: the three fields the list format carries.
type Record struct {
	Name     string
	Address  string
	Location string
}

// Store loads and saves the full device list.
//
// Load skips malformed records rather than failing. Save replaces the whole
// persisted list.
type Store interface {
	Load(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, records []Record) error
}
