package configstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"pingwatch/core-go/internal/sqlcgen"
)

// Pool is the subset of *db.Pool the Postgres store needs.
type Pool interface {
	Queries() *sqlcgen.Queries
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// PostgresStore keeps the device list in the monitored_devices table, ordered
// by position.
type PostgresStore struct {
	pool Pool
}

func NewPostgresStore(ctx context.Context, pool Pool) (*PostgresStore, error) {
	if err := pool.Queries().CreateMonitoredDevicesTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure monitored_devices table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Load(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Queries().ListMonitoredDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list monitored devices: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, Record{Name: r.Name, Address: r.Address, Location: r.Location})
	}
	return out, nil
}

// Save replaces the table contents in a single transaction.
func (s *PostgresStore) Save(ctx context.Context, records []Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := s.pool.Queries().WithTx(tx)
	if err := q.DeleteMonitoredDevices(ctx); err != nil {
		return fmt.Errorf("clear monitored devices: %w", err)
	}
	for i, rec := range records {
		if err := q.InsertMonitoredDevice(ctx, sqlcgen.InsertMonitoredDeviceParams{
			Position: int32(i),
			Name:     rec.Name,
			Address:  rec.Address,
			Location: rec.Location,
		}); err != nil {
			return fmt.Errorf("insert monitored device %d: %w", i, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}
