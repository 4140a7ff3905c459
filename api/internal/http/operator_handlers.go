package httpx

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/hamayni/forge/api/internal/domain"
	"github.com/hamayni/forge/api/internal/service/forge"
	"github.com/hamayni/forge/api/internal/ws"
	"github.com/hamayni/forge/pkg/hfc"
)

type contractDetailResponse struct {
	domain.Contract
	HFCJSON        json.RawMessage    `json:"hfc_json"`
	CompiledScript string             `json:"compiled_script"`
	Executions     []domain.Execution `json:"executions"`
}

type serverResponse struct {
	domain.Worker
	Token string `json:"token,omitempty"`
}

func writeForgeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": msg})
}

func (r *Router) handleForge(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeForgeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for forge", "path", req.URL.Path)
		writeForgeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	var payload struct {
		TemplateSlug string         `json:"template_slug"`
		Inputs       map[string]any `json:"inputs"`
		ServerID     string         `json:"server_id"`
	}
	if err := decodeBody(w, req, &payload); err != nil {
		writeForgeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := r.forge.Forge(req.Context(), forge.ForgeInput{
		Principal:    info.OperatorID,
		TemplateSlug: payload.TemplateSlug,
		Inputs:       payload.Inputs,
		ServerID:     payload.ServerID,
	})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			r.logger.Error("forge failed", "template", payload.TemplateSlug, "error", err)
			writeForgeError(w, status, "internal error")
			return
		}
		writeForgeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contract_id":     res.ContractID,
		"integrity_hash":  res.IntegrityHash,
		"compiled_script": res.CompiledScript,
		"hfc_json":        res.Contract,
		"status":          "success",
		"message":         "Contract forged successfully",
	})
}

func (r *Router) handleContracts(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	q := req.URL.Query()
	filter := domain.ContractFilter{
		Status:   hfc.Status(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
		ServerID: strings.TrimSpace(q.Get("server_id")),
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	contracts, err := r.forge.List(req.Context(), filter)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, contracts)
}

func (r *Router) handleContractSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/contracts/"), "/")
	if trimmed == "" {
		r.notFound(w)
		return
	}
	parts := strings.Split(trimmed, "/")
	contractID := parts[0]
	switch {
	case len(parts) == 1:
		r.handleContractDetail(w, req, contractID)
	case len(parts) == 2 && parts[1] == "assign":
		r.handleContractAssign(w, req, contractID)
	case len(parts) == 2 && parts[1] == "verify":
		r.handleContractVerify(w, req, contractID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleContractDetail(w http.ResponseWriter, req *http.Request, contractID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	detail, err := r.forge.Get(req.Context(), contractID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	executions := detail.Executions
	if executions == nil {
		executions = []domain.Execution{}
	}
	writeJSON(w, http.StatusOK, contractDetailResponse{
		Contract:       detail.Contract,
		HFCJSON:        detail.Document,
		CompiledScript: detail.Script,
		Executions:     executions,
	})
}

func (r *Router) handleContractAssign(w http.ResponseWriter, req *http.Request, contractID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		ServerID string `json:"server_id"`
	}
	if err := decodeBody(w, req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	contract, err := r.fleet.Assign(req.Context(), contractID, payload.ServerID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, contract)
}

func (r *Router) handleContractVerify(w http.ResponseWriter, req *http.Request, contractID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	result, err := r.forge.Verify(req.Context(), contractID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleServers(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		workers, err := r.fleet.List(req.Context())
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		if workers == nil {
			workers = []domain.Worker{}
		}
		writeJSON(w, http.StatusOK, workers)
	case http.MethodPost:
		var payload struct {
			Name string `json:"name"`
		}
		if err := decodeBody(w, req, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		worker, err := r.fleet.Register(req.Context(), payload.Name)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, serverResponse{Worker: *worker, Token: worker.Token})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleTemplates(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	templates, err := r.forge.Templates(req.Context())
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if templates == nil {
		templates = []domain.Template{}
	}
	writeJSON(w, http.StatusOK, templates)
}

func (r *Router) handleContractsWS(w http.ResponseWriter, req *http.Request) {
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.logger.Error("auth context missing for contracts websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	serverID := strings.TrimSpace(req.URL.Query().Get("server_id"))
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(serverID, client)
	go func() {
		defer func() {
			r.hub.Unregister(serverID, client)
			client.Close()
		}()
		client.ReadUntilClosed()
	}()
}
