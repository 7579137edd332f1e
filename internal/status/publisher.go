// Package status builds location-grouped snapshots of the device registry.
package status

import (
	"context"
	"sync"
	"time"

	"pingwatch/core-go/internal/registry"
)

// Entry is one device as shown to a presentation layer.
type Entry struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Address       string          `json:"address"`
	Status        registry.Status `json:"status"`
	Label         string          `json:"label"`
	LastCheckedAt *time.Time      `json:"last_checked_at,omitempty"`
}

type Group struct {
	Location string  `json:"location"`
	Devices  []Entry `json:"devices"`
}

// Snapshot is an immutable, internally consistent view of the registry.
// Groups appear in order of first appearance of their location; devices keep
// registry order within a group.
type Snapshot struct {
	Generation uint64  `json:"generation"`
	Groups     []Group `json:"groups"`
}

// ByLocation returns the snapshot as a location-keyed map.
func (s Snapshot) ByLocation() map[string][]Entry {
	out := make(map[string][]Entry, len(s.Groups))
	for _, g := range s.Groups {
		out[g.Location] = g.Devices
	}
	return out
}

func Label(st registry.Status) string {
	switch st {
	case registry.StatusUp:
		return "OK"
	case registry.StatusDown:
		return "Offline"
	default:
		return "Unknown"
	}
}

// Build groups devices by location. Exposed for callers that already hold a
// consistent device list.
func Build(gen uint64, devices []registry.Device) Snapshot {
	snap := Snapshot{Generation: gen, Groups: []Group{}}
	index := make(map[string]int)
	for _, d := range devices {
		i, ok := index[d.Location]
		if !ok {
			i = len(snap.Groups)
			index[d.Location] = i
			snap.Groups = append(snap.Groups, Group{Location: d.Location})
		}
		snap.Groups[i].Devices = append(snap.Groups[i].Devices, Entry{
			ID:            d.ID,
			Name:          d.Name,
			Address:       d.Address,
			Status:        d.Status,
			Label:         Label(d.Status),
			LastCheckedAt: d.LastCheckedAt,
		})
	}
	return snap
}

type Publisher struct {
	reg *registry.Registry

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Snapshot
}

func New(reg *registry.Registry) *Publisher {
	return &Publisher{
		reg:  reg,
		subs: make(map[int]chan Snapshot),
	}
}

// Snapshot reads the registry once, under its read lock, and groups the result.
func (p *Publisher) Snapshot() Snapshot {
	gen, devices := p.reg.Read()
	return Build(gen, devices)
}

// Subscribe delivers a snapshot after every Notify until ctx is done. Slow
// subscribers only ever see the latest snapshot.
func (p *Publisher) Subscribe(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
		close(ch)
	}()
	return ch
}

// Notify pushes a fresh snapshot to all subscribers.
func (p *Publisher) Notify() {
	snap := p.Snapshot()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}
