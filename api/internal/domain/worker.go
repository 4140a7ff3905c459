package domain

import "time"

// Worker statuses.
const (
	WorkerStatusOnline  = "online"
	WorkerStatusOffline = "offline"
)

// Worker is a registered host that polls for contracts.
type Worker struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Token         string     `json:"-"`
	Status        string     `json:"status"`
	Hostname      string     `json:"hostname,omitempty"`
	IPAddress     string     `json:"ip_address,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Stale reports whether the worker was last heard from before cutoff.
func (w Worker) Stale(cutoff time.Time) bool {
	if w.LastHeartbeat == nil {
		return true
	}
	return w.LastHeartbeat.Before(cutoff)
}

// HeartbeatUpdate captures the fields a heartbeat refreshes. An empty
// IPAddress leaves the stored address untouched.
type HeartbeatUpdate struct {
	WorkerID  string
	Hostname  string
	IPAddress string
	At        time.Time
}
