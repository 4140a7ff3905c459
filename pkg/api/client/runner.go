package client

import (
	"context"
	"net/http"
	"net/url"
)

// HeartbeatRequest is the liveness signal a worker sends.
type HeartbeatRequest struct {
	Token    string `json:"token"`
	Hostname string `json:"hostname,omitempty"`
	IP       string `json:"ip,omitempty"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Success  bool   `json:"success"`
	ServerID string `json:"server_id"`
}

// Heartbeat reports the worker as online.
func (c *Client) Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
	var resp HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/heartbeat", req, "", &resp); err != nil {
		return HeartbeatResponse{}, err
	}
	return resp, nil
}

// ClaimedContract is the unit of work handed to a worker.
type ClaimedContract struct {
	ContractID  string `json:"contract_id"`
	Script      string `json:"script"`
	ExecutionID string `json:"execution_id,omitempty"`
}

// Claim asks for the oldest pending contract assigned to the worker. A nil
// result with a nil error means nothing is pending.
func (c *Client) Claim(ctx context.Context, token string) (*ClaimedContract, error) {
	var resp ClaimedContract
	status, err := c.doStatus(ctx, http.MethodPost, "/claim", map[string]string{"token": token}, "", &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &resp, nil
}

// ReportRequest carries the outcome of an execution.
type ReportRequest struct {
	Token       string `json:"token"`
	ContractID  string `json:"contract_id"`
	Status      string `json:"status"`
	Logs        string `json:"logs,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
}

// ReportResponse echoes the recorded outcome.
type ReportResponse struct {
	Success    bool   `json:"success"`
	ContractID string `json:"contract_id"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
}

// Report submits the terminal status of a claimed contract.
func (c *Client) Report(ctx context.Context, req ReportRequest) (ReportResponse, error) {
	var resp ReportResponse
	if err := c.do(ctx, http.MethodPost, "/report", req, "", &resp); err != nil {
		return ReportResponse{}, err
	}
	return resp, nil
}

// StatusInfo describes the coordinator.
type StatusInfo struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Name    string `json:"name"`
}

// Status fetches the coordinator self description.
func (c *Client) Status(ctx context.Context) (StatusInfo, error) {
	var resp StatusInfo
	if err := c.do(ctx, http.MethodGet, "/status", nil, "", &resp); err != nil {
		return StatusInfo{}, err
	}
	return resp, nil
}

// InstallScript downloads the node bootstrap script for a worker token.
func (c *Client) InstallScript(ctx context.Context, token string) (string, error) {
	var script string
	if err := c.do(ctx, http.MethodGet, "/install?token="+url.QueryEscape(token), nil, "", &script); err != nil {
		return "", err
	}
	return script, nil
}
