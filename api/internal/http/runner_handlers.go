package httpx

import (
	"errors"
	"net/http"

	"github.com/hamayni/forge/api/internal/service/fleet"
	"github.com/hamayni/forge/api/internal/service/runner"
)

func (r *Router) handleHeartbeat(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Token    string `json:"token"`
		Hostname string `json:"hostname"`
		IP       string `json:"ip"`
	}
	if err := decodeBody(w, req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := r.runner.Heartbeat(req.Context(), runner.HeartbeatInput{Token: payload.Token, Hostname: payload.Hostname, IP: payload.IP})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "server_id": res.ServerID})
}

func (r *Router) handleClaim(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := decodeBody(w, req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := r.runner.Claim(req.Context(), payload.Token)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if res == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	var executionID *string
	if res.ExecutionID != "" {
		executionID = &res.ExecutionID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contract_id":  res.ContractID,
		"script":       res.Script,
		"execution_id": executionID,
	})
}

func (r *Router) handleReport(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Token       string `json:"token"`
		ContractID  string `json:"contract_id"`
		Status      string `json:"status"`
		Logs        string `json:"logs"`
		ExecutionID string `json:"execution_id"`
	}
	if err := decodeBody(w, req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := r.runner.Report(req.Context(), runner.ReportInput{
		Token:       payload.Token,
		ContractID:  payload.ContractID,
		Status:      payload.Status,
		Logs:        payload.Logs,
		ExecutionID: payload.ExecutionID,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"contract_id": res.ContractID,
		"status":      res.Status,
		"duration_ms": res.DurationMS,
	})
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.runner.Status())
}

func (r *Router) handleInstall(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	script, worker, err := r.fleet.InstallScript(req.Context(), req.URL.Query().Get("token"), "")
	if err != nil {
		status := statusFor(err)
		msg := err.Error()
		switch {
		case errors.Is(err, fleet.ErrTokenRequired):
			msg = "Missing token parameter"
		case errors.Is(err, fleet.ErrInvalidToken):
			msg = "Invalid token"
		case status == http.StatusInternalServerError:
			r.logger.Error("render install script failed", "error", err)
			msg = "internal error"
		}
		writeText(w, status, msg+"\n")
		return
	}
	r.logger.Info("install script served", "server_id", worker.ID)
	writeText(w, http.StatusOK, script)
}
