package domain

import (
	"time"

	"github.com/hamayni/forge/pkg/hfc"
)

// Contract lifecycle event types.
const (
	EventContractForged    = "contract.forged"
	EventContractAssigned  = "contract.assigned"
	EventContractClaimed   = "contract.claimed"
	EventContractCompleted = "contract.completed"
)

// ContractEvent is published whenever a contract changes state.
type ContractEvent struct {
	Type       string     `json:"type"`
	ContractID string     `json:"contract_id"`
	ServerID   string     `json:"server_id,omitempty"`
	Status     hfc.Status `json:"status"`
	DurationMS *int64     `json:"duration_ms,omitempty"`
	At         time.Time  `json:"at"`
}

// NewContractEvent snapshots c as an event of the given type.
func NewContractEvent(eventType string, c Contract, at time.Time) ContractEvent {
	return ContractEvent{
		Type:       eventType,
		ContractID: c.ID,
		ServerID:   c.ServerID,
		Status:     c.Status,
		DurationMS: c.DurationMS,
		At:         at.UTC(),
	}
}
