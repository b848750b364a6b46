package models

import "time"

// WorkerHeartbeat is the record a remote worker writes into the broker's
// heartbeat keyspace on a fixed interval. The dispatch side only reads it.
type WorkerHeartbeat struct {
	WorkerID    string    `json:"workerId"`
	Hostname    string    `json:"hostname,omitempty"`
	ActiveTasks int       `json:"activeTasks"`
	MaxTasks    int       `json:"maxTasks"`
	LastSeen    time.Time `json:"lastSeen"`
	Version     string    `json:"version,omitempty"`
}

// Alive reports whether the heartbeat is fresh within the given window.
func (h *WorkerHeartbeat) Alive(window time.Duration, now time.Time) bool {
	return now.Sub(h.LastSeen) <= window
}
