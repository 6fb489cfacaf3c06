// Package ollama wraps langchaingo's Ollama client as a
// backend.Backend for locally hosted open models.
package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/comfy-pilot/control-plane/internal/backend"
	"github.com/comfy-pilot/control-plane/pkg/models"
	"github.com/tmc/langchaingo/llms"
	lcollama "github.com/tmc/langchaingo/llms/ollama"
)

const name = "ollama"

func init() {
	backend.Register(New(envServerURL()))
}

func envServerURL() string {
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		return v
	}
	return "http://127.0.0.1:11434"
}

// Driver is the ollama Backend implementation.
type Driver struct {
	baseURL string
	client  *http.Client
}

// New creates a Driver pointed at an Ollama server's base URL.
func New(baseURL string) *Driver {
	return &Driver{baseURL: baseURL, client: &http.Client{Timeout: 5 * time.Second}}
}

func (d *Driver) Name() string        { return name }
func (d *Driver) DisplayName() string { return "Ollama (local)" }

// SupportedModels queries Ollama's own tag listing; a failure
// degrades to an empty slice rather than propagating an error.
func (d *Driver) SupportedModels() []string {
	req, err := http.NewRequest(http.MethodGet, d.baseURL+"/api/tags", nil)
	if err != nil {
		return nil
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil
	}

	names := make([]string, len(payload.Models))
	for i, m := range payload.Models {
		names[i] = m.Name
	}
	return names
}

// IsAvailable reports whether the Ollama daemon answers its tag
// listing endpoint at all.
func (d *Driver) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Query streams a chat completion from the configured model.
func (d *Driver) Query(ctx context.Context, messages []models.ConversationMessage, config models.BackendConfig) (<-chan backend.Chunk, error) {
	opts := []lcollama.Option{lcollama.WithServerURL(d.baseURL)}
	if config.ModelIdentifier != "" {
		opts = append(opts, lcollama.WithModel(config.ModelIdentifier))
	}

	llm, err := lcollama.New(opts...)
	if err != nil {
		return nil, err
	}

	content := toMessageContent(messages, config.SystemPrompt)
	out := make(chan backend.Chunk)

	go func() {
		defer close(out)
		_, err := llm.GenerateContent(ctx, content,
			llms.WithTemperature(config.Temperature),
			llms.WithMaxTokens(config.MaxOutputTokens),
			llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				select {
				case out <- backend.Chunk{Text: string(chunk)}:
				case <-ctx.Done():
					return ctx.Err()
				}
				return nil
			}),
		)
		if err != nil {
			out <- backend.Chunk{Err: err}
		}
	}()

	return out, nil
}

func toMessageContent(messages []models.ConversationMessage, systemPrompt string) []llms.MessageContent {
	var content []llms.MessageContent
	if systemPrompt != "" {
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt))
	}
	for _, m := range messages {
		content = append(content, llms.TextParts(roleToChatType(m.Role), m.Content))
	}
	return content
}

func roleToChatType(role models.Role) llms.ChatMessageType {
	switch role {
	case models.RoleSystem:
		return llms.ChatMessageTypeSystem
	case models.RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
