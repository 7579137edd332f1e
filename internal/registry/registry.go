// Package registry holds the monitored devices and their last known status.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pingwatch/core-go/internal/configstore"
	"pingwatch/core-go/internal/probe"
)

var (
	// ErrInvalidDevice is returned when a submitted device has an empty field.
	ErrInvalidDevice = errors.New("name, address and location are required")
	// ErrPersist wraps a failure to write the device list; the in-memory
	// change has already been applied.
	ErrPersist = errors.New("persist device list")
)

type Status string

const (
	StatusUnknown Status = "unknown"
	StatusUp      Status = "up"
	StatusDown    Status = "down"
)

func statusFor(o probe.Outcome) Status {
	if o == probe.Reachable {
		return StatusUp
	}
	return StatusDown
}

// Device is a copy of one registry entry. LastCheckedAt is nil until the
// first probe completes.
type Device struct {
	ID            string
	Name          string
	Address       string
	Location      string
	Status        Status
	LastCheckedAt *time.Time
	LastRound     uint64
}

// Result is one probe outcome to apply.
type Result struct {
	DeviceID  string
	Outcome   probe.Outcome
	CheckedAt time.Time
}

// Transition records a status change applied by a round.
type Transition struct {
	Device Device
	From   Status
}

// Saver persists the full device list after every add or update.
type Saver interface {
	Save(ctx context.Context, records []configstore.Record) error
}

// Registry is the only writer of device status. A device is keyed by its
// address: adding a known address updates name and location in place.
type Registry struct {
	log   zerolog.Logger
	store Saver

	// held across mutate+save so persisted lists are written in mutation order
	saveMu sync.Mutex

	mu      sync.RWMutex
	devices []*Device
	byID    map[string]*Device
	byAddr  map[string]*Device
	gen     uint64
}

func New(store Saver, log zerolog.Logger) *Registry {
	return &Registry{
		log:    log,
		store:  store,
		byID:   make(map[string]*Device),
		byAddr: make(map[string]*Device),
	}
}

func addressKey(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Load inserts records read from the store at startup. It does not save.
// Rows sharing an address are kept as separate devices so a later save writes
// every row back; AddOrUpdate on that address targets the first of them.
func (r *Registry) Load(records []configstore.Record) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, rec := range records {
		name, address, location, err := clean(rec.Name, rec.Address, rec.Location)
		if err != nil {
			r.log.Debug().Str("name", rec.Name).Str("address", rec.Address).Msg("skipping incomplete device record")
			continue
		}
		if _, dup := r.byAddr[addressKey(address)]; dup {
			r.log.Warn().Str("name", name).Str("address", address).Msg("device list holds more than one row for this address")
		}
		r.appendLocked(name, address, location)
		n++
	}
	r.gen++
	return n
}

func clean(name, address, location string) (string, string, string, error) {
	name = strings.TrimSpace(name)
	address = strings.TrimSpace(address)
	location = strings.TrimSpace(location)
	if name == "" || address == "" || location == "" {
		return "", "", "", ErrInvalidDevice
	}
	return name, address, location, nil
}

func (r *Registry) upsertLocked(name, address, location string) (*Device, bool) {
	if d, ok := r.byAddr[addressKey(address)]; ok {
		d.Name = name
		d.Location = location
		return d, false
	}

	return r.appendLocked(name, address, location), true
}

func (r *Registry) appendLocked(name, address, location string) *Device {
	d := &Device{
		ID:       uuid.NewString(),
		Name:     name,
		Address:  address,
		Location: location,
		Status:   StatusUnknown,
	}
	r.devices = append(r.devices, d)
	r.byID[d.ID] = d
	if _, ok := r.byAddr[addressKey(address)]; !ok {
		r.byAddr[addressKey(address)] = d
	}
	return d
}

// AddOrUpdate inserts a device, or updates the one with the same address, and
// then saves the full list. created reports whether a new device was added.
func (r *Registry) AddOrUpdate(ctx context.Context, name, address, location string) (dev Device, created bool, err error) {
	name, address, location, err = clean(name, address, location)
	if err != nil {
		return Device{}, false, err
	}

	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	d, created := r.upsertLocked(name, address, location)
	r.gen++
	dev = *d
	records := r.recordsLocked()
	r.mu.Unlock()

	if r.store == nil {
		return dev, created, nil
	}
	if err := r.store.Save(ctx, records); err != nil {
		r.log.Error().Err(err).Str("address", address).Msg("failed to persist device list")
		return dev, created, fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return dev, created, nil
}

func (r *Registry) recordsLocked() []configstore.Record {
	out := make([]configstore.Record, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, configstore.Record{Name: d.Name, Address: d.Address, Location: d.Location})
	}
	return out
}

// List returns copies of all devices in insertion order.
func (r *Registry) List() []Device {
	_, out := r.Read()
	return out
}

// Read returns the registry generation together with a copy of all devices,
// taken under one read lock.
func (r *Registry) Read() (uint64, []Device) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	return r.gen, out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Counts returns the number of devices per status.
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := map[Status]int{StatusUnknown: 0, StatusUp: 0, StatusDown: 0}
	for _, d := range r.devices {
		out[d.Status]++
	}
	return out
}

// RecordResult applies one probe outcome. It reports false, and changes
// nothing, when the device no longer exists or round is older than the last
// round applied to it. round 0 is accepted unconditionally.
func (r *Registry) RecordResult(id string, outcome probe.Outcome, at time.Time, round uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.applyLocked(Result{DeviceID: id, Outcome: outcome, CheckedAt: at}, round)
	if ok {
		r.gen++
	}
	return ok
}

// ApplyRound applies a whole round's results under a single write lock, so
// readers see either none or all of them.
func (r *Registry) ApplyRound(round uint64, results []Result) (applied int, changed []Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, res := range results {
		from, ok := r.applyLocked(res, round)
		if !ok {
			continue
		}
		applied++
		d := r.byID[res.DeviceID]
		if from != d.Status {
			changed = append(changed, Transition{Device: *d, From: from})
		}
	}
	r.gen++
	return applied, changed
}

func (r *Registry) applyLocked(res Result, round uint64) (Status, bool) {
	d, ok := r.byID[res.DeviceID]
	if !ok {
		return "", false
	}
	if round != 0 && round < d.LastRound {
		return "", false
	}

	from := d.Status
	at := res.CheckedAt
	d.Status = statusFor(res.Outcome)
	d.LastCheckedAt = &at
	if round != 0 {
		d.LastRound = round
	}
	return from, true
}
