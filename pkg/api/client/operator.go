package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ForgeRequest asks the coordinator to forge a contract from a template.
type ForgeRequest struct {
	TemplateSlug string         `json:"template_slug"`
	Inputs       map[string]any `json:"inputs"`
	ServerID     string         `json:"server_id,omitempty"`
}

// ForgeResponse is the forged contract summary.
type ForgeResponse struct {
	ContractID     string          `json:"contract_id"`
	IntegrityHash  string          `json:"integrity_hash"`
	CompiledScript string          `json:"compiled_script"`
	HFCJSON        json.RawMessage `json:"hfc_json"`
	Status         string          `json:"status"`
	Message        string          `json:"message"`
}

// Forge resolves, signs, compiles and stores a new contract.
func (c *Client) Forge(ctx context.Context, token string, req ForgeRequest) (ForgeResponse, error) {
	var resp ForgeResponse
	if err := c.do(ctx, http.MethodPost, "/forge", req, token, &resp); err != nil {
		return ForgeResponse{}, err
	}
	return resp, nil
}

// Contract is a stored contract summary.
type Contract struct {
	ID              string     `json:"id"`
	TemplateSlug    string     `json:"template_slug"`
	TemplateVersion string     `json:"template_version"`
	ServerID        string     `json:"server_id,omitempty"`
	Status          string     `json:"status"`
	IntegrityHash   string     `json:"integrity_hash"`
	ForgedBy        string     `json:"forged_by"`
	CreatedAt       time.Time  `json:"created_at"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationMS      *int64     `json:"duration_ms,omitempty"`
	ExecutionLogs   string     `json:"execution_logs,omitempty"`
}

// Execution records one claim of a contract by a worker.
type Execution struct {
	ID          string     `json:"id"`
	ContractID  string     `json:"contract_id"`
	ServerID    string     `json:"server_id"`
	ServerName  string     `json:"server_name"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  *int64     `json:"duration_ms,omitempty"`
	Logs        string     `json:"logs,omitempty"`
}

// ContractDetail bundles a contract with its document, script and executions.
type ContractDetail struct {
	Contract
	HFCJSON        json.RawMessage `json:"hfc_json"`
	CompiledScript string          `json:"compiled_script"`
	Executions     []Execution     `json:"executions"`
}

// ListContracts returns stored contracts, optionally filtered by status.
func (c *Client) ListContracts(ctx context.Context, token, status string) ([]Contract, error) {
	path := "/contracts"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var contracts []Contract
	if err := c.do(ctx, http.MethodGet, path, nil, token, &contracts); err != nil {
		return nil, err
	}
	return contracts, nil
}

// GetContract fetches a contract with its executions.
func (c *Client) GetContract(ctx context.Context, token, contractID string) (ContractDetail, error) {
	path := fmt.Sprintf("/contracts/%s", url.PathEscape(contractID))
	var detail ContractDetail
	if err := c.do(ctx, http.MethodGet, path, nil, token, &detail); err != nil {
		return ContractDetail{}, err
	}
	return detail, nil
}

// AssignContract targets a pending contract at a worker.
func (c *Client) AssignContract(ctx context.Context, token, contractID, serverID string) (Contract, error) {
	path := fmt.Sprintf("/contracts/%s/assign", url.PathEscape(contractID))
	var contract Contract
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"server_id": serverID}, token, &contract); err != nil {
		return Contract{}, err
	}
	return contract, nil
}

// VerifyResult reports the proof checks of a stored contract.
type VerifyResult struct {
	ContractID    string `json:"contract_id"`
	IntegrityOK   bool   `json:"integrity_ok"`
	SignatureOK   bool   `json:"signature_ok"`
	IntegrityHash string `json:"integrity_hash"`
}

// VerifyContract recomputes the integrity hash and signature server side.
func (c *Client) VerifyContract(ctx context.Context, token, contractID string) (VerifyResult, error) {
	path := fmt.Sprintf("/contracts/%s/verify", url.PathEscape(contractID))
	var result VerifyResult
	if err := c.do(ctx, http.MethodGet, path, nil, token, &result); err != nil {
		return VerifyResult{}, err
	}
	return result, nil
}

// Server is a registered worker node.
type Server struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	Hostname      string     `json:"hostname,omitempty"`
	IPAddress     string     `json:"ip_address,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	Token         string     `json:"token,omitempty"`
}

// ListServers returns every registered worker.
func (c *Client) ListServers(ctx context.Context, token string) ([]Server, error) {
	var servers []Server
	if err := c.do(ctx, http.MethodGet, "/servers", nil, token, &servers); err != nil {
		return nil, err
	}
	return servers, nil
}

// RegisterServer creates a worker and returns it with its bearer token.
func (c *Client) RegisterServer(ctx context.Context, token, name string) (Server, error) {
	var server Server
	if err := c.do(ctx, http.MethodPost, "/servers", map[string]string{"name": name}, token, &server); err != nil {
		return Server{}, err
	}
	return server, nil
}

// Template is a published template summary.
type Template struct {
	Slug        string `json:"slug"`
	Version     string `json:"version"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ListTemplates returns published templates.
func (c *Client) ListTemplates(ctx context.Context, token string) ([]Template, error) {
	var templates []Template
	if err := c.do(ctx, http.MethodGet, "/templates", nil, token, &templates); err != nil {
		return nil, err
	}
	return templates, nil
}
