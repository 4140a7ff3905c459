package domain

import (
	"time"

	"github.com/hamayni/forge/pkg/hfc"
)

// Execution records a single attempt by a worker to run a contract.
type Execution struct {
	ID          string     `json:"id"`
	ContractID  string     `json:"contract_id"`
	ServerID    string     `json:"server_id"`
	ServerName  string     `json:"server_name"`
	Status      hfc.Status `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  *int64     `json:"duration_ms,omitempty"`
	Logs        string     `json:"logs,omitempty"`
}

// ExecutionCompletion closes an execution. When ID is empty the open
// execution of ContractID is closed instead.
type ExecutionCompletion struct {
	ID          string
	ContractID  string
	Status      hfc.Status
	Logs        string
	CompletedAt time.Time
	DurationMS  int64
}
