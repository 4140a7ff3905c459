package hfc

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Version is the contract format version stamped into every forged header.
const Version = "1.0"

// ErrInvalidContract indicates a contract failed structural validation.
var ErrInvalidContract = errors.New("hfc: invalid contract")

var (
	shellIdentRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	elementIDRE  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// Operator selects the boolean test a gate performs.
type Operator string

const (
	OperatorExists      Operator = "exists"
	OperatorNotExists   Operator = "not_exists"
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorContains    Operator = "contains"
	OperatorCommandOK   Operator = "command_ok"
	OperatorCommandFail Operator = "command_fail"
	OperatorEnvSet      Operator = "env_set"
	OperatorPortFree    Operator = "port_free"
	OperatorPortUsed    Operator = "port_used"
)

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	switch o {
	case OperatorExists, OperatorNotExists, OperatorEquals, OperatorNotEquals, OperatorContains,
		OperatorCommandOK, OperatorCommandFail, OperatorEnvSet, OperatorPortFree, OperatorPortUsed:
		return true
	}
	return false
}

func (o *Operator) UnmarshalJSON(b []byte) error {
	return unmarshalTag(b, "gate operator", o, Operator.Valid)
}

// FailurePolicy decides what a failed gate does to the script.
type FailurePolicy string

const (
	OnFailureAbort FailurePolicy = "abort"
	OnFailureWarn  FailurePolicy = "warn"
	OnFailureSkip  FailurePolicy = "skip"
)

// Valid reports whether p is a known policy.
func (p FailurePolicy) Valid() bool {
	switch p {
	case OnFailureAbort, OnFailureWarn, OnFailureSkip:
		return true
	}
	return false
}

func (p *FailurePolicy) UnmarshalJSON(b []byte) error {
	return unmarshalTag(b, "gate on_failure", p, FailurePolicy.Valid)
}

// OperationType categorises an operation. It is informational only.
type OperationType string

const (
	OperationShell     OperationType = "shell"
	OperationDocker    OperationType = "docker"
	OperationSystemctl OperationType = "systemctl"
	OperationApt       OperationType = "apt"
	OperationCurl      OperationType = "curl"
	OperationGit       OperationType = "git"
	OperationCustom    OperationType = "custom"
)

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	switch t {
	case OperationShell, OperationDocker, OperationSystemctl, OperationApt, OperationCurl, OperationGit, OperationCustom:
		return true
	}
	return false
}

func (t *OperationType) UnmarshalJSON(b []byte) error {
	return unmarshalTag(b, "operation type", t, OperationType.Valid)
}

// FileMode is the octal permission string applied to a BOM item.
type FileMode string

// Valid reports whether m is one of the permitted modes.
func (m FileMode) Valid() bool {
	switch m {
	case "0644", "0755", "0600", "0700", "0400":
		return true
	}
	return false
}

func (m *FileMode) UnmarshalJSON(b []byte) error {
	return unmarshalTag(b, "bom mode", m, FileMode.Valid)
}

// BomKind discriminates directories from files.
type BomKind string

const (
	// BomKindUnset falls back to the legacy directory heuristic.
	BomKindUnset     BomKind = ""
	BomKindFile      BomKind = "file"
	BomKindDirectory BomKind = "directory"
)

// Valid reports whether k is a known kind.
func (k BomKind) Valid() bool {
	switch k {
	case BomKindUnset, BomKindFile, BomKindDirectory:
		return true
	}
	return false
}

func (k *BomKind) UnmarshalJSON(b []byte) error {
	return unmarshalTag(b, "bom kind", k, BomKind.Valid)
}

func unmarshalTag[T ~string](b []byte, what string, dst *T, valid func(T) bool) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: %s must be a string", ErrInvalidContract, what)
	}
	value := T(raw)
	if !valid(value) {
		return fmt.Errorf("%w: unknown %s %q", ErrInvalidContract, what, raw)
	}
	*dst = value
	return nil
}

// Header identifies a contract and its origin.
type Header struct {
	ContractID      string   `json:"contract_id"`
	HFCVersion      string   `json:"hfc_version"`
	TemplateSlug    string   `json:"template_slug"`
	TemplateVersion string   `json:"template_version"`
	CreatedAt       string   `json:"created_at"`
	ForgedBy        string   `json:"forged_by"`
	Description     string   `json:"description,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

// Gate is a pre-execution guard evaluated before any BOM item or operation.
type Gate struct {
	ID           string        `json:"id"`
	Description  string        `json:"description"`
	Operator     Operator      `json:"operator"`
	Target       string        `json:"target"`
	Expected     string        `json:"expected,omitempty"`
	Command      string        `json:"command,omitempty"`
	OnFailure    FailurePolicy `json:"on_failure"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// FlagName returns the shell variable a skip gate records its outcome in.
func (g Gate) FlagName() string {
	return GateFlagName(g.ID)
}

// GateFlagName maps a gate id to its shell flag variable.
func GateFlagName(id string) string {
	var b strings.Builder
	b.WriteString("GATE_")
	for _, r := range strings.ToUpper(id) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

// BomItem is one file or directory the contract deploys.
type BomItem struct {
	ID            string   `json:"id"`
	Path          string   `json:"path"`
	Content       string   `json:"content"`
	IsBase64      bool     `json:"is_base64,omitempty"`
	Mode          FileMode `json:"mode"`
	Owner         string   `json:"owner,omitempty"`
	CreateParents bool     `json:"create_parents,omitempty"`
	IsTemplate    bool     `json:"is_template,omitempty"`
	Description   string   `json:"description,omitempty"`
	Kind          BomKind  `json:"kind,omitempty"`
}

// IsDirectory reports whether the item deploys a directory. An explicit kind
// wins; otherwise empty content plus a "directory" description or a dir- / dir_
// id prefix marks a directory.
func (b BomItem) IsDirectory() bool {
	switch b.Kind {
	case BomKindDirectory:
		return true
	case BomKindFile:
		return false
	}
	if b.Content != "" {
		return false
	}
	return strings.Contains(strings.ToLower(b.Description), "directory") ||
		strings.HasPrefix(b.ID, "dir-") || strings.HasPrefix(b.ID, "dir_")
}

// Operation is one ordered shell step.
type Operation struct {
	ID             string            `json:"id"`
	Order          int               `json:"order"`
	Type           OperationType     `json:"type"`
	Description    string            `json:"description"`
	Command        string            `json:"command"`
	Workdir        string            `json:"workdir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Timeout        int               `json:"timeout,omitempty"`
	Retries        int               `json:"retries,omitempty"`
	RetryDelay     int               `json:"retry_delay,omitempty"`
	IgnoreErrors   bool              `json:"ignore_errors,omitempty"`
	RequiresGate   string            `json:"requires_gate,omitempty"`
	SuccessMessage string            `json:"success_message,omitempty"`
	FailureMessage string            `json:"failure_message,omitempty"`
}

// Proof carries the integrity hash and signature of a finalised contract.
type Proof struct {
	IntegrityHash   string `json:"integrity_hash"`
	ServerSignature string `json:"server_signature"`
	SignedAt        string `json:"signed_at"`
	SignerVersion   string `json:"signer_version"`
	TemplateHash    string `json:"template_hash,omitempty"`
	InputsHash      string `json:"inputs_hash,omitempty"`
}

// Contract is the aggregate compiled into an executable script.
type Contract struct {
	Header     Header      `json:"header"`
	Gates      []Gate      `json:"gates"`
	Bom        []BomItem   `json:"bom"`
	Operations []Operation `json:"operations"`
	Proofs     Proof       `json:"proofs"`
}

// Validate checks the contract for structural problems. All problems are
// reported together; each wraps ErrInvalidContract.
func (c Contract) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidContract}, args...)...))
	}

	if strings.TrimSpace(c.Header.ContractID) == "" {
		add("header.contract_id is required")
	}
	if strings.TrimSpace(c.Header.TemplateSlug) == "" {
		add("header.template_slug is required")
	}

	skipGates := make(map[string]bool, len(c.Gates))
	seen := make(map[string]bool)
	for i, g := range c.Gates {
		if !elementIDRE.MatchString(g.ID) {
			add("gates[%d]: invalid id %q", i, g.ID)
		} else if seen["gate:"+g.ID] {
			add("gates[%d]: duplicate id %q", i, g.ID)
		}
		seen["gate:"+g.ID] = true
		if !g.Operator.Valid() {
			add("gate %q: unknown operator %q", g.ID, g.Operator)
		}
		if !g.OnFailure.Valid() {
			add("gate %q: unknown on_failure %q", g.ID, g.OnFailure)
		}
		switch g.Operator {
		case OperatorExists, OperatorNotExists:
			if strings.TrimSpace(g.Target) == "" {
				add("gate %q: target path is required", g.ID)
			}
		case OperatorEnvSet:
			if !shellIdentRE.MatchString(g.Target) {
				add("gate %q: target %q is not an environment variable name", g.ID, g.Target)
			}
		case OperatorPortFree, OperatorPortUsed:
			port, err := strconv.Atoi(g.Target)
			if err != nil || port < 1 || port > 65535 {
				add("gate %q: target %q is not a port", g.ID, g.Target)
			}
		}
		if g.OnFailure == OnFailureSkip {
			skipGates[g.ID] = true
		}
	}

	for i, item := range c.Bom {
		if !elementIDRE.MatchString(item.ID) {
			add("bom[%d]: invalid id %q", i, item.ID)
		} else if seen["bom:"+item.ID] {
			add("bom[%d]: duplicate id %q", i, item.ID)
		}
		seen["bom:"+item.ID] = true
		if strings.TrimSpace(item.Path) == "" {
			add("bom %q: path is required", item.ID)
		}
		if !item.Mode.Valid() {
			add("bom %q: unsupported mode %q", item.ID, item.Mode)
		}
		if !item.Kind.Valid() {
			add("bom %q: unknown kind %q", item.ID, item.Kind)
		}
		if item.Kind == BomKindDirectory && item.Content != "" {
			add("bom %q: directory items cannot carry content", item.ID)
		}
		if item.IsBase64 && !item.IsDirectory() {
			if _, err := base64.StdEncoding.DecodeString(stripWhitespace(item.Content)); err != nil {
				add("bom %q: content is not valid base64", item.ID)
			}
		}
	}

	for i, op := range c.Operations {
		if !elementIDRE.MatchString(op.ID) {
			add("operations[%d]: invalid id %q", i, op.ID)
		} else if seen["op:"+op.ID] {
			add("operations[%d]: duplicate id %q", i, op.ID)
		}
		seen["op:"+op.ID] = true
		if strings.TrimSpace(op.Command) == "" {
			add("operation %q: command is required", op.ID)
		}
		if !op.Type.Valid() {
			add("operation %q: unknown type %q", op.ID, op.Type)
		}
		if op.Timeout < 0 || op.Retries < 0 || op.RetryDelay < 0 {
			add("operation %q: timeout, retries and retry_delay must not be negative", op.ID)
		}
		for key := range op.Env {
			if !shellIdentRE.MatchString(key) {
				add("operation %q: invalid env name %q", op.ID, key)
			}
		}
		if op.RequiresGate != "" && !skipGates[op.RequiresGate] {
			add("operation %q: requires_gate %q does not name a skip gate", op.ID, op.RequiresGate)
		}
	}

	return errors.Join(errs...)
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
}
