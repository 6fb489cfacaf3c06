package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/comfy-pilot/control-plane/internal/api/handlers"
	"github.com/comfy-pilot/control-plane/internal/backend"
	"github.com/comfy-pilot/control-plane/internal/host"
	"github.com/comfy-pilot/control-plane/internal/knowledge"
	"github.com/comfy-pilot/control-plane/internal/orchestrator"
	"github.com/comfy-pilot/control-plane/internal/registry"
	"github.com/comfy-pilot/control-plane/internal/validator"
	"github.com/comfy-pilot/control-plane/pkg/models"
)

type fakeBackend struct {
	name      string
	available bool
}

func (f fakeBackend) Name() string        { return f.name }
func (f fakeBackend) DisplayName() string { return strings.ToUpper(f.name) }
func (f fakeBackend) SupportedModels() []string {
	return []string{f.name + "-model"}
}
func (f fakeBackend) IsAvailable(ctx context.Context) bool { return f.available }
func (f fakeBackend) Query(ctx context.Context, messages []models.ConversationMessage, config models.BackendConfig) (<-chan backend.Chunk, error) {
	out := make(chan backend.Chunk, 1)
	out <- backend.Chunk{Text: "```json\n{\"1\": {\"class_type\": \"A\", \"inputs\": {}}}\n```"}
	close(out)
	return out, nil
}

func newTestHandlers(t *testing.T) *handlers.Handlers {
	t.Helper()
	reg := backend.NewRegistryForTest()
	reg.Register(fakeBackend{name: "ollama", available: true})

	hostSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok": true}`))
	}))
	t.Cleanup(hostSrv.Close)
	hostClient := host.New(hostSrv.URL)

	know := knowledge.New(t.TempDir())

	regState := registry.New(hostSrv.URL, 0)
	v := validator.New(regState)

	formatForAgent := func(r models.ValidationResult) string { return "feedback" }
	orch := orchestrator.New(reg, know, regState, v, formatForAgent, hostClient, nil, 3)

	return handlers.New(reg, hostClient, know, regState, v, orch)
}

func TestListAgents(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/comfy-pilot/agents", nil)
	rec := httptest.NewRecorder()

	h.ListAgents(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out map[string]struct {
		Available   bool     `json:"available"`
		DisplayName string   `json:"display_name"`
		Models      []string `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	info, ok := out["ollama"]
	if !ok || !info.Available || info.DisplayName != "OLLAMA" {
		t.Fatalf("unexpected agent info: %+v", out)
	}
}

func TestGetSystem_ForwardsOpaqueJSON(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/comfy-pilot/system", nil)
	rec := httptest.NewRecorder()

	h.GetSystem(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("expected forwarded payload, got %q", rec.Body.String())
	}
}

func TestGetNodeInfo_EmptyRegistry(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/comfy-pilot/node-info", nil)
	rec := httptest.NewRecorder()

	h.GetNodeInfo(rec, req)

	var out struct {
		Loaded     bool     `json:"loaded"`
		NodeCount  int      `json:"node_count"`
		ClassTypes []string `json:"class_types"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Loaded {
		t.Fatalf("expected Loaded=false before any Fetch")
	}
}

func TestValidateWorkflow_EmptyWorkflowReportsError(t *testing.T) {
	h := newTestHandlers(t)
	body := `{"workflow": {}}`
	req := httptest.NewRequest(http.MethodPost, "/comfy-pilot/validate-workflow", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.ValidateWorkflow(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var result models.ValidationResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Valid() {
		t.Fatalf("expected an empty workflow to fail validation")
	}
}

func TestValidateWorkflow_InvalidBody(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/comfy-pilot/validate-workflow", strings.NewReader("not json"))
	rec := httptest.NewRecorder()

	h.ValidateWorkflow(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestApplyWorkflow_MissingClassTypeIsBadRequest(t *testing.T) {
	h := newTestHandlers(t)
	body := `{"workflow": {"1": {"inputs": {}}}}`
	req := httptest.NewRequest(http.MethodPost, "/comfy-pilot/apply-workflow", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.ApplyWorkflow(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}

func TestApplyWorkflow_ValidWorkflowEchoed(t *testing.T) {
	h := newTestHandlers(t)
	body := `{"workflow": {"1": {"class_type": "A", "inputs": {}}}}`
	req := httptest.NewRequest(http.MethodPost, "/comfy-pilot/apply-workflow", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.ApplyWorkflow(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Success   bool `json:"success"`
		NodeCount int  `json:"node_count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !out.Success || out.NodeCount != 1 {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestChat_AgentNotFound(t *testing.T) {
	h := newTestHandlers(t)
	body := `{"agent": "missing", "message": "hi"}`
	req := httptest.NewRequest(http.MethodPost, "/comfy-pilot/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.Chat(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestChat_AgentUnavailable(t *testing.T) {
	h := newTestHandlers(t)
	reg := backend.NewRegistryForTest()
	reg.Register(fakeBackend{name: "ollama", available: false})
	h.Backends = reg

	body := `{"agent": "ollama", "message": "hi"}`
	req := httptest.NewRequest(http.MethodPost, "/comfy-pilot/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.Chat(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestChat_StreamsPlainText(t *testing.T) {
	h := newTestHandlers(t)
	body := `{"agent": "ollama", "message": "hi"}`
	req := httptest.NewRequest(http.MethodPost, "/comfy-pilot/chat", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	h.Chat(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("content-type = %q, want text/plain", ct)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected streamed body content")
	}
}
