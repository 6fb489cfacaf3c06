// Package models holds the shared data types passed between the
// control plane's components: conversation transcripts, operator
// definitions fetched from the execution host, workflow graphs, and
// validation results.
package models

import "time"

// ── Conversation ─────────────────────────────────────────────

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ConversationMessage is one turn in a chat transcript. Immutable
// once appended — callers must not mutate a message after it has
// been added to a transcript slice.
type ConversationMessage struct {
	Role     Role                   `json:"role"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ── Backend configuration ───────────────────────────────────

const (
	DefaultTemperature    = 0.7
	DefaultMaxOutputTokens = 4096
)

// BackendConfig carries the per-request tuning knobs passed to a
// Backend's Query call. The validate tags on Temperature and
// MaxOutputTokens record their admissible ranges; nothing in the module
// checks them.
type BackendConfig struct {
	ModelIdentifier string                 `json:"model_identifier,omitempty"`
	Temperature     float64                `json:"temperature" validate:"gte=0,lte=2"`
	MaxOutputTokens int                    `json:"max_output_tokens" validate:"gt=0"`
	SystemPrompt    string                 `json:"system_prompt,omitempty"`
	Extra           map[string]interface{} `json:"extra,omitempty"`
}

// DefaultBackendConfig returns a BackendConfig pre-filled with spec
// defaults (temperature 0.7, max_output_tokens 4096).
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{
		Temperature:     DefaultTemperature,
		MaxOutputTokens: DefaultMaxOutputTokens,
	}
}

// ── Knowledge ────────────────────────────────────────────────

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// KnowledgeDocument is a parsed markdown knowledge file. Keywords are
// always stored lowercased. Documents are immutable after a Store
// load; a fresh LoadAll discards and replaces the whole set.
type KnowledgeDocument struct {
	ID             string
	Title          string
	Keywords       []string
	Category       string
	Priority       Priority
	Content        string
	CharacterCount int
}

// ── Operator catalog ─────────────────────────────────────────

// InputDefinition describes one named input slot on an operator.
type InputDefinition struct {
	Name         string
	SemanticType string // e.g. MODEL, CLIP, VAE, LATENT, CONDITIONING, IMAGE, INT, FLOAT, STRING, COMBO, UNKNOWN
	Required     bool
	Default      interface{}
	MinVal       *float64
	MaxVal       *float64
	Options      []string // non-nil only when SemanticType == "COMBO"
}

// OperatorDefinition is one entry of the execution host's operator
// catalog (ComfyUI calls this a "node type").
type OperatorDefinition struct {
	ClassName      string
	Category       string
	DisplayName    string
	RequiredInputs map[string]InputDefinition
	OptionalInputs map[string]InputDefinition
	OutputTypes    []string
	OutputNames    []string
}

// ── Workflow graph ───────────────────────────────────────────

// Workflow is a mapping from node_id (a string-encoded positive
// integer) to Node. This is the wire-exact contract with the
// execution host and must round-trip bit-for-bit through JSON.
type Workflow map[string]Node

// RawWorkflow is the untrusted, loosely-typed shape a Workflow takes
// before structural validation: a node_id may map to anything,
// including a value that isn't even a JSON object. The validator
// walks a RawWorkflow directly so a single malformed node can be
// reported and skipped without rejecting the whole payload.
type RawWorkflow map[string]interface{}

// Node is one vertex of a Workflow.
type Node struct {
	ClassType string                 `json:"class_type"`
	Inputs    map[string]interface{} `json:"inputs"`
	Meta      *NodeMeta              `json:"_meta,omitempty"`
}

// NodeMeta carries optional, core-ignored presentation metadata.
type NodeMeta struct {
	Title string `json:"title,omitempty"`
}

// Link is an input value that references another node's output.
// Encoded on the wire as a two-element JSON array [source_id, slot].
type Link struct {
	SourceNodeID string
	OutputSlot   int
}

// ── Validation ───────────────────────────────────────────────

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ValidationIssue is one finding produced by a single validator check.
type ValidationIssue struct {
	CheckID    string   `json:"check"`
	NodeID     string   `json:"node_id,omitempty"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion,omitempty"`
	Severity   Severity `json:"severity"`
}

// ValidationResult is the full output of one Validate call.
type ValidationResult struct {
	Issues                  []ValidationIssue `json:"issues"`
	NodeCount               int               `json:"node_count"`
	ValidatedAgainstRegistry bool             `json:"validated_against_registry"`
}

// Valid reports whether the result has no error-severity issues.
func (r ValidationResult) Valid() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			return false
		}
	}
	return true
}

// Errors returns only the error-severity issues, in encounter order.
func (r ValidationResult) Errors() []ValidationIssue {
	return r.filter(SeverityError)
}

// Warnings returns only the warning-severity issues, in encounter order.
func (r ValidationResult) Warnings() []ValidationIssue {
	return r.filter(SeverityWarning)
}

func (r ValidationResult) filter(sev Severity) []ValidationIssue {
	var out []ValidationIssue
	for _, i := range r.Issues {
		if i.Severity == sev {
			out = append(out, i)
		}
	}
	return out
}

// ── Sessions ─────────────────────────────────────────────────

// Session is a multi-turn conversation tracked server-side when the
// client supplies a session id instead of sending full history inline.
type Session struct {
	ID        string                `json:"id"`
	Agent     string                `json:"agent"`
	History   []ConversationMessage `json:"history"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}
