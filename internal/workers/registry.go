// Package workers is the dispatcher's read-side view of the worker fleet,
// derived entirely from the heartbeats workers write into the broker.
package workers

import (
	"context"
	"sort"
	"time"

	"lotpilot/internal/dispatch/broker"
	"lotpilot/internal/models"
)

// FleetSummary aggregates the active fleet's capacity.
type FleetSummary struct {
	ActiveWorkers int `json:"activeWorkers"`
	ActiveTasks   int `json:"activeTasks"`
	MaxTasks      int `json:"maxTasks"`
}

// heartbeatScanLimit caps how many heartbeat records one listing reads.
// Fleets are hundreds of browsers, not millions; the cap keeps a stats
// call from walking an unbounded keyspace.
const heartbeatScanLimit = 1000

// Registry lists workers by their heartbeats.
type Registry struct {
	broker broker.Broker
	window time.Duration
}

// NewRegistry creates a worker registry. window is how stale a heartbeat
// may be before the worker counts as gone.
func NewRegistry(b broker.Broker, window time.Duration) *Registry {
	return &Registry{broker: b, window: window}
}

// List returns known heartbeats up to the scan cap, stale ones included,
// ordered by worker id.
func (r *Registry) List(ctx context.Context) ([]models.WorkerHeartbeat, error) {
	hbs, err := r.broker.Heartbeats(ctx, heartbeatScanLimit)
	if err != nil {
		return nil, err
	}
	sort.Slice(hbs, func(i, j int) bool { return hbs[i].WorkerID < hbs[j].WorkerID })
	return hbs, nil
}

// Active returns the workers whose heartbeat falls within the window.
func (r *Registry) Active(ctx context.Context) ([]models.WorkerHeartbeat, error) {
	hbs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	active := hbs[:0]
	for i := range hbs {
		if hbs[i].Alive(r.window, now) {
			active = append(active, hbs[i])
		}
	}
	return active, nil
}

// Summary aggregates the active fleet.
func (r *Registry) Summary(ctx context.Context) (*FleetSummary, error) {
	active, err := r.Active(ctx)
	if err != nil {
		return nil, err
	}
	s := &FleetSummary{ActiveWorkers: len(active)}
	for _, hb := range active {
		s.ActiveTasks += hb.ActiveTasks
		s.MaxTasks += hb.MaxTasks
	}
	return s, nil
}
