package domain

import (
	"encoding/json"
	"time"

	"github.com/hamayni/forge/pkg/hfc"
)

// Contract is a stored, signed contract and its execution state.
type Contract struct {
	ID              string          `json:"id"`
	IntentionID     string          `json:"intention_id,omitempty"`
	TemplateSlug    string          `json:"template_slug"`
	TemplateVersion string          `json:"template_version"`
	ServerID        string          `json:"server_id,omitempty"`
	Status          hfc.Status      `json:"status"`
	IntegrityHash   string          `json:"integrity_hash"`
	ForgedBy        string          `json:"forged_by"`
	Document        json.RawMessage `json:"-"`
	Script          string          `json:"-"`
	ExecutionLogs   string          `json:"execution_logs,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ClaimedAt       *time.Time      `json:"claimed_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	DurationMS      *int64          `json:"duration_ms,omitempty"`
}

// ContractFilter narrows contract listings. Zero values match everything.
type ContractFilter struct {
	Status   hfc.Status
	ServerID string
	Limit    int
}

// Matches reports whether c satisfies the filter.
func (f ContractFilter) Matches(c Contract) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.ServerID != "" && c.ServerID != f.ServerID {
		return false
	}
	return true
}

// CompletionUpdate moves a claimed contract to a terminal status.
type CompletionUpdate struct {
	ContractID  string
	WorkerID    string
	Status      hfc.Status
	Logs        string
	CompletedAt time.Time
}

// DurationSince returns whole milliseconds between claimed and completed.
func DurationSince(claimed, completed time.Time) int64 {
	d := completed.Sub(claimed).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}
