// Package orchestrator assembles the system prompt, invokes a model
// backend, streams the response to the client, and drives the
// correction loop that re-prompts the model with validator feedback
// until the emitted workflow passes or a retry budget is exhausted.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/comfy-pilot/control-plane/internal/backend"
	"github.com/comfy-pilot/control-plane/internal/host"
	"github.com/comfy-pilot/control-plane/internal/manipulator"
	"github.com/comfy-pilot/control-plane/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrAgentNotFound is returned when the requested backend is not
// registered.
type ErrAgentNotFound struct{ Agent string }

func (e ErrAgentNotFound) Error() string { return fmt.Sprintf("agent_not_found: %q", e.Agent) }

// ErrAgentUnavailable is returned when the requested backend is
// registered but IsAvailable reports false.
type ErrAgentUnavailable struct{ Agent string }

func (e ErrAgentUnavailable) Error() string { return fmt.Sprintf("agent_unavailable: %q", e.Agent) }

// BackendResolver is the narrow slice of backend.Registry the
// orchestrator depends on; *backend.Registry satisfies it.
type BackendResolver interface {
	Get(name string) (backend.Backend, bool)
	IsAvailable(ctx context.Context, name string) bool
	Query(ctx context.Context, name string, messages []models.ConversationMessage, config models.BackendConfig) (<-chan backend.Chunk, error)
}

// KnowledgeSelector is the slice of knowledge.Store the orchestrator
// depends on.
type KnowledgeSelector interface {
	BuildKnowledgeText(message, agentName, modelName, contextMode string, categoriesEnabled map[string]bool) string
}

// WorkflowValidator is the slice of validator.Validator the
// orchestrator depends on.
type WorkflowValidator interface {
	Validate(raw models.RawWorkflow) models.ValidationResult
}

// FormatForAgentFunc renders a ValidationResult as the text block fed
// back into the correction loop's re-prompt. Kept as a field (not a
// method requirement on WorkflowValidator) so it can bind to the
// package-level validator.FormatForAgent function.
type FormatForAgentFunc func(models.ValidationResult) string

// RegistryLoader reports whether the operator registry has a snapshot
// loaded, gating whether extraction/correction runs at all (step 7).
type RegistryLoader interface {
	IsLoaded() bool
}

// SessionStore is the slice of sessions.Store the orchestrator depends
// on: enough to seed a turn's transcript from prior history and record
// the new turn once it completes.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	CreateSession(ctx context.Context, session *models.Session) error
	AppendMessage(ctx context.Context, sessionID string, msg models.ConversationMessage) error
}

// ChatRequest is the decoded body of POST /comfy-pilot/chat.
type ChatRequest struct {
	Agent               string
	Message             string
	History             []models.ConversationMessage
	CurrentWorkflow     models.RawWorkflow
	Model               string
	ContextMode         string
	KnowledgeCategories []string

	// SessionID, when set, names a server-tracked conversation: prior
	// turns are loaded from the session store ahead of History, and
	// this turn's user message and final reply are appended to it
	// once the turn (including any correction retries) completes.
	SessionID string
}

// Orchestrator wires the registry, validator, manipulator, knowledge
// selector, backend registry, and host client into the per-request
// chat pipeline described by spec.md §4.6.
type Orchestrator struct {
	Backends             BackendResolver
	Knowledge            KnowledgeSelector
	Registry             RegistryLoader
	Validator            WorkflowValidator
	FormatForAgent       FormatForAgentFunc
	Host                 *host.Client
	Sessions             SessionStore
	MaxCorrectionRetries int
	tracer               trace.Tracer
}

// New constructs an Orchestrator. maxCorrectionRetries should come
// from config.ChatConfig.MaxCorrectionRetries (default 3). sessions may
// be nil, in which case session_id on incoming requests is ignored.
func New(backends BackendResolver, knowledge KnowledgeSelector, reg RegistryLoader, v WorkflowValidator, formatForAgent FormatForAgentFunc, hostClient *host.Client, sessions SessionStore, maxCorrectionRetries int) *Orchestrator {
	return &Orchestrator{
		Backends:             backends,
		Knowledge:            knowledge,
		Registry:             reg,
		Validator:            v,
		FormatForAgent:       formatForAgent,
		Host:                 hostClient,
		Sessions:             sessions,
		MaxCorrectionRetries: maxCorrectionRetries,
		tracer:               otel.Tracer("comfy-pilot/orchestrator"),
	}
}

// HandleChat implements spec.md §4.6 steps 1-7 and the correction
// loop. It writes streamed output directly to w and flushes after
// every chunk and every correction-loop notice, per the ordering
// guarantee that notices interleave with model chunks in wire order.
// Any error raised after streaming has begun is written into the
// already-open body as "\n\nError: {message}" rather than returned.
func (o *Orchestrator) HandleChat(ctx context.Context, req ChatRequest, w io.Writer, flush func()) error {
	ctx, span := o.tracer.Start(ctx, "comfy-pilot.chat", trace.WithAttributes(
		attribute.String("agent", req.Agent),
	))
	defer span.End()

	if _, ok := o.Backends.Get(req.Agent); !ok {
		return ErrAgentNotFound{Agent: req.Agent}
	}
	if !o.Backends.IsAvailable(ctx, req.Agent) {
		return ErrAgentUnavailable{Agent: req.Agent}
	}

	_, knowledgeSpan := o.tracer.Start(ctx, "comfy-pilot.knowledge")
	knowledgeText := o.Knowledge.BuildKnowledgeText(req.Message, req.Agent, req.Model, req.ContextMode, categorySet(req.KnowledgeCategories))
	knowledgeSpan.End()

	_, hostSpan := o.tracer.Start(ctx, "comfy-pilot.host-status")
	systemContext := ""
	if o.Host != nil {
		systemContext = BuildSystemContext(ctx, o.Host)
	}
	hostSpan.End()

	workflowContext := ""
	if len(req.CurrentWorkflow) > 0 {
		workflowContext = BuildWorkflowContext(req.CurrentWorkflow, req.ContextMode == "minimal")
	}

	systemPrompt := composeSystemPrompt(knowledgeText, systemContext, workflowContext)

	history := req.History
	if o.Sessions != nil && req.SessionID != "" {
		if sess, err := o.Sessions.GetSession(ctx, req.SessionID); err == nil {
			history = append(append([]models.ConversationMessage{}, sess.History...), req.History...)
		}
	}

	transcript := make([]models.ConversationMessage, 0, len(history)+1)
	transcript = append(transcript, history...)
	userMsg := models.ConversationMessage{Role: models.RoleUser, Content: req.Message}
	transcript = append(transcript, userMsg)

	config := models.DefaultBackendConfig()
	config.ModelIdentifier = req.Model
	config.SystemPrompt = systemPrompt

	fullResponse, err := o.streamTurn(ctx, req.Agent, transcript, config, w, flush, "comfy-pilot.query")
	if err != nil {
		writeError(w, flush, err)
		return nil
	}

	finalResponse := fullResponse
	if f, ok := o.Registry.(interface{ Fetch(context.Context) bool }); ok {
		fetchCtx, fetchSpan := o.tracer.Start(ctx, "comfy-pilot.registry-fetch")
		f.Fetch(fetchCtx)
		fetchSpan.End()
	}
	if o.Registry != nil && o.Registry.IsLoaded() {
		if wf, found := manipulator.Extract(fullResponse); found {
			result := o.Validator.Validate(toRawWorkflow(wf))
			if !result.Valid() {
				finalResponse, err = o.correctionLoop(ctx, req.Agent, transcript, config, fullResponse, result, w, flush)
				if err != nil {
					writeError(w, flush, err)
					return nil
				}
			}
		}
	}

	o.recordTurn(ctx, req, userMsg, finalResponse)
	return nil
}

// recordTurn appends the user message and final assistant reply to the
// named session, creating it first if this is its first turn. Session
// bookkeeping never fails the request: a recording error is silently
// dropped since the turn has already been streamed to the client.
func (o *Orchestrator) recordTurn(ctx context.Context, req ChatRequest, userMsg models.ConversationMessage, finalResponse string) {
	if o.Sessions == nil || req.SessionID == "" {
		return
	}

	if _, err := o.Sessions.GetSession(ctx, req.SessionID); err != nil {
		_ = o.Sessions.CreateSession(ctx, &models.Session{
			ID:        req.SessionID,
			Agent:     req.Agent,
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		})
	}

	_ = o.Sessions.AppendMessage(ctx, req.SessionID, userMsg)
	_ = o.Sessions.AppendMessage(ctx, req.SessionID, models.ConversationMessage{Role: models.RoleAssistant, Content: finalResponse})
}

// correctionLoop re-prompts the model with validator feedback until the
// workflow passes or the retry budget is exhausted. It returns the text
// of the last response streamed to the client, for the caller to record
// in session history alongside the original turn.
func (o *Orchestrator) correctionLoop(ctx context.Context, agent string, transcript []models.ConversationMessage, config models.BackendConfig, lastResponse string, result models.ValidationResult, w io.Writer, flush func()) (string, error) {
	n := o.MaxCorrectionRetries
	if n <= 0 {
		n = 3
	}

	for attempt := 1; attempt <= n; attempt++ {
		attemptCtx, attemptSpan := o.tracer.Start(ctx, "comfy-pilot.correction-attempt",
			trace.WithAttributes(attribute.Int("attempt", attempt)))

		notice := fmt.Sprintf("\n\n---\n\nValidation found %d error(s). Correcting (attempt %d/%d)…\n\n", len(result.Errors()), attempt, n)
		io.WriteString(w, notice)
		flush()

		transcript = append(transcript,
			models.ConversationMessage{Role: models.RoleAssistant, Content: lastResponse},
			models.ConversationMessage{Role: models.RoleUser, Content: o.FormatForAgent(result)},
		)

		newResponse, err := o.streamTurn(attemptCtx, agent, transcript, config, w, flush, "comfy-pilot.query")
		attemptSpan.End()
		if err != nil {
			return lastResponse, err
		}

		wf, found := manipulator.Extract(newResponse)
		if !found {
			return newResponse, nil
		}

		result = o.Validator.Validate(toRawWorkflow(wf))
		lastResponse = newResponse
		if result.Valid() {
			io.WriteString(w, "\n\n---\n\nValidation passed.\n\n")
			flush()
			return lastResponse, nil
		}
	}

	if !result.Valid() {
		io.WriteString(w, "\n\n---\n\nCorrection retries exhausted. Remaining issues:\n\n"+o.FormatForAgent(result))
		flush()
	}
	return lastResponse, nil
}

func (o *Orchestrator) streamTurn(ctx context.Context, agent string, transcript []models.ConversationMessage, config models.BackendConfig, w io.Writer, flush func(), spanName string) (string, error) {
	ctx, span := o.tracer.Start(ctx, spanName)
	defer span.End()

	chunks, err := o.Backends.Query(ctx, agent, transcript, config)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return sb.String(), chunk.Err
		}
		sb.WriteString(chunk.Text)
		io.WriteString(w, chunk.Text)
		flush()
	}
	return sb.String(), nil
}

func composeSystemPrompt(knowledgeText, systemContext, workflowContext string) string {
	sections := []string{baseSystemPrompt}
	for _, s := range []string{knowledgeText, systemContext, workflowContext} {
		if s != "" {
			sections = append(sections, s)
		}
	}
	return strings.Join(sections, "\n\n")
}

func categorySet(categories []string) map[string]bool {
	if len(categories) == 0 {
		return nil
	}
	set := make(map[string]bool, len(categories))
	for _, c := range categories {
		set[c] = true
	}
	return set
}

func toRawWorkflow(wf models.Workflow) models.RawWorkflow {
	raw := make(models.RawWorkflow, len(wf))
	for id, node := range wf {
		raw[id] = map[string]interface{}{
			"class_type": node.ClassType,
			"inputs":     node.Inputs,
		}
	}
	return raw
}

func writeError(w io.Writer, flush func(), err error) {
	io.WriteString(w, "\n\nError: "+err.Error())
	flush()
}
