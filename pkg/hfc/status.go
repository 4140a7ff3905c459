package hfc

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a stored contract.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusClaimed Status = "CLAIMED"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusClaimed, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ParseStatus validates a wire status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown contract status %q", raw)
	}
	return s, nil
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CanTransition encodes PENDING -> CLAIMED -> SUCCESS|FAILED.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusClaimed
	case StatusClaimed:
		return to.Terminal()
	}
	return false
}
