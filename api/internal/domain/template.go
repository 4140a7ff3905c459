package domain

import (
	"encoding/json"
	"time"
)

// Template is a published contract template with {{name}} placeholders.
type Template struct {
	ID          string          `json:"id"`
	Slug        string          `json:"slug"`
	Version     string          `json:"version"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Content     json.RawMessage `json:"-"`
	Published   bool            `json:"published"`
	CreatedAt   time.Time       `json:"created_at"`
}
