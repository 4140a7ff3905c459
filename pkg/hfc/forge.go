package hfc

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the ISO-8601 form used for created_at values.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Identity is the header data the forge owns. It replaces whatever the
// template declared.
type Identity struct {
	ContractID      string
	TemplateSlug    string
	TemplateVersion string
	ForgedBy        string
	CreatedAt       time.Time
}

// Build resolves tpl with inputs, stamps the identity into the header and
// validates the result. contract_id and created_at are added to the inputs
// so templates can reference them; caller supplied values for those keys
// are overridden.
func Build(tpl json.RawMessage, inputs map[string]any, id Identity) (Contract, error) {
	if strings.TrimSpace(id.ContractID) == "" {
		return Contract{}, fmt.Errorf("%w: contract id is required", ErrInvalidContract)
	}
	createdAt := id.CreatedAt.UTC().Format(TimestampLayout)

	merged := make(map[string]any, len(inputs)+2)
	for k, v := range inputs {
		merged[k] = v
	}
	merged["contract_id"] = id.ContractID
	merged["created_at"] = createdAt

	c, err := ResolveTemplate(tpl, merged)
	if err != nil {
		return Contract{}, err
	}
	c.Header.ContractID = id.ContractID
	c.Header.HFCVersion = Version
	c.Header.TemplateSlug = id.TemplateSlug
	c.Header.TemplateVersion = id.TemplateVersion
	c.Header.CreatedAt = createdAt
	c.Header.ForgedBy = id.ForgedBy
	c.Proofs = Proof{}

	if err := c.Validate(); err != nil {
		return Contract{}, err
	}
	return c, nil
}
