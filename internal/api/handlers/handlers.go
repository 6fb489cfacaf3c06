// Package handlers implements the HTTP handlers for the comfy-pilot
// control plane: agent discovery, execution-host passthrough,
// knowledge introspection, workflow validation/apply, and the
// streaming chat endpoint.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/comfy-pilot/control-plane/internal/backend"
	"github.com/comfy-pilot/control-plane/internal/host"
	"github.com/comfy-pilot/control-plane/internal/knowledge"
	"github.com/comfy-pilot/control-plane/internal/manipulator"
	"github.com/comfy-pilot/control-plane/internal/orchestrator"
	"github.com/comfy-pilot/control-plane/internal/registry"
	"github.com/comfy-pilot/control-plane/internal/validator"
	"github.com/comfy-pilot/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Backends     *backend.Registry
	Host         *host.Client
	Knowledge    *knowledge.Store
	Registry     *registry.Registry
	Validator    *validator.Validator
	Orchestrator *orchestrator.Orchestrator
}

// New creates a new Handlers instance with all dependencies.
func New(backends *backend.Registry, hostClient *host.Client, know *knowledge.Store, reg *registry.Registry, v *validator.Validator, orch *orchestrator.Orchestrator) *Handlers {
	return &Handlers{
		Backends:     backends,
		Host:         hostClient,
		Knowledge:    know,
		Registry:     reg,
		Validator:    v,
		Orchestrator: orch,
	}
}

// agentInfo is the per-agent payload of GET /comfy-pilot/agents.
type agentInfo struct {
	Available   bool     `json:"available"`
	DisplayName string   `json:"display_name"`
	Models      []string `json:"models"`
}

// ListAgents reports every registered backend and whether it is
// currently reachable.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]agentInfo)
	for _, b := range h.Backends.All() {
		out[b.Name()] = agentInfo{
			Available:   h.Backends.IsAvailable(r.Context(), b.Name()),
			DisplayName: b.DisplayName(),
			Models:      b.SupportedModels(),
		}
	}
	respondJSON(w, http.StatusOK, out)
}

// GetSystem forwards the execution host's /system_stats payload
// unmodified; the contract is only that it is forwarded as-is.
func (h *Handlers) GetSystem(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.Host.System(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snapshot)
}

// GetModels forwards the execution host's /models payload unmodified.
func (h *Handlers) GetModels(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.Host.Models(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snapshot)
}

// GetCustomNodes forwards the execution host's
// /customnode/getmappings payload unmodified.
func (h *Handlers) GetCustomNodes(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.Host.CustomNodes(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snapshot)
}

// GetKnowledgeCategories returns the category -> document titles index
// built from the knowledge base on disk.
func (h *Handlers) GetKnowledgeCategories(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Knowledge.GetAllCategories())
}

const nodeInfoLimit = 200

// nodeInfoResponse is the payload of GET /comfy-pilot/node-info.
type nodeInfoResponse struct {
	Loaded     bool     `json:"loaded"`
	NodeCount  int      `json:"node_count"`
	ClassTypes []string `json:"class_types"`
}

// GetNodeInfo summarizes the operator registry fetched from the
// execution host: whether a snapshot is loaded, how many operators it
// holds, and the first nodeInfoLimit class names.
func (h *Handlers) GetNodeInfo(w http.ResponseWriter, r *http.Request) {
	names := h.Registry.AllClassNames()
	limited := names
	if len(limited) > nodeInfoLimit {
		limited = limited[:nodeInfoLimit]
	}
	respondJSON(w, http.StatusOK, nodeInfoResponse{
		Loaded:     h.Registry.IsLoaded(),
		NodeCount:  len(names),
		ClassTypes: limited,
	})
}

// validateWorkflowRequest is the decoded body of POST
// /comfy-pilot/validate-workflow.
type validateWorkflowRequest struct {
	Workflow models.RawWorkflow `json:"workflow"`
}

// ValidateWorkflow runs a workflow document through the validator and
// returns the structured result regardless of outcome; a workflow that
// fails validation is still a 200 with Issues populated.
func (h *Handlers) ValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req validateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result := h.Validator.Validate(req.Workflow)
	respondJSON(w, http.StatusOK, result)
}

// applyWorkflowRequest is the decoded body of POST
// /comfy-pilot/apply-workflow.
type applyWorkflowRequest struct {
	Workflow models.RawWorkflow `json:"workflow"`
}

// applyWorkflowResponse is the payload of POST
// /comfy-pilot/apply-workflow.
type applyWorkflowResponse struct {
	Success   bool               `json:"success"`
	Workflow  models.RawWorkflow `json:"workflow,omitempty"`
	NodeCount int                `json:"node_count,omitempty"`
	Errors    []string           `json:"errors,omitempty"`
}

// ApplyWorkflow decodes a workflow document, structurally validates
// it (node shape, link integrity), and echoes it back on success. A
// structurally broken document is a 400, not a 200 with Success:
// false, since the caller cannot act on a workflow it cannot apply.
func (h *Handlers) ApplyWorkflow(w http.ResponseWriter, r *http.Request) {
	var req applyWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	wf, err := toWorkflow(req.Workflow)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, applyWorkflowResponse{
			Success: false,
			Errors:  []string{err.Error()},
		})
		return
	}

	m := manipulator.New(wf)
	ok, errs := m.Validate()
	if !ok {
		respondJSON(w, http.StatusBadRequest, applyWorkflowResponse{
			Success: false,
			Errors:  errs,
		})
		return
	}

	respondJSON(w, http.StatusOK, applyWorkflowResponse{
		Success:   true,
		Workflow:  req.Workflow,
		NodeCount: len(wf),
	})
}

// chatRequest is the decoded body of POST /comfy-pilot/chat.
type chatRequest struct {
	Agent               string                        `json:"agent"`
	Message             string                        `json:"message"`
	History             []models.ConversationMessage  `json:"history"`
	CurrentWorkflow     models.RawWorkflow             `json:"current_workflow"`
	Model               string                        `json:"model"`
	ContextMode         string                        `json:"context_mode"`
	KnowledgeCategories []string                      `json:"knowledge_categories"`

	// SessionID, when present, lets the client track a multi-turn
	// conversation server-side instead of sending full history inline.
	SessionID string `json:"session_id"`
}

// Chat streams a model's reply as plain chunked text (not SSE): the
// body is flushed after every chunk so a client reading incrementally
// sees tokens as they arrive. agent_not_found and agent_unavailable
// are reported before the body is written, since both are known
// before the first byte; any failure after that point is appended to
// the open stream by the orchestrator itself.
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Agent == "" {
		respondError(w, http.StatusBadRequest, "agent is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	chatReq := orchestrator.ChatRequest{
		Agent:               req.Agent,
		Message:             req.Message,
		History:             req.History,
		CurrentWorkflow:     req.CurrentWorkflow,
		Model:               req.Model,
		ContextMode:         req.ContextMode,
		KnowledgeCategories: req.KnowledgeCategories,
		SessionID:           req.SessionID,
	}

	// A dry run against the backend resolver before committing to the
	// streaming response headers lets agent_not_found/agent_unavailable
	// surface as ordinary JSON errors.
	if _, found := h.Backends.Get(req.Agent); !found {
		respondError(w, http.StatusNotFound, "agent_not_found")
		return
	}
	if !h.Backends.IsAvailable(r.Context(), req.Agent) {
		respondError(w, http.StatusServiceUnavailable, "agent_unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := h.Orchestrator.HandleChat(r.Context(), chatReq, w, flusher.Flush); err != nil {
		log.Error().Err(err).Str("agent", req.Agent).Msg("chat handling failed after stream opened")
	}
}

func toWorkflow(raw models.RawWorkflow) (models.Workflow, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var wf models.Workflow
	if err := json.Unmarshal(buf, &wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
