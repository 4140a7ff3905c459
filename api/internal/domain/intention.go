package domain

import "time"

// IntentionStatusForged marks an intention whose contract was produced.
const IntentionStatusForged = "FORGED"

// Intention is the operator request a contract was forged from. Inputs are
// stored encrypted.
type Intention struct {
	ID           string
	OperatorID   string
	TemplateSlug string
	Inputs       []byte
	Status       string
	CreatedAt    time.Time
}
