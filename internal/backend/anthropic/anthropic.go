// Package anthropic wraps the Anthropic Go SDK directly as a
// backend.Backend for the hosted large-context backend.
package anthropic

import (
	"context"
	"os"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/comfy-pilot/control-plane/internal/backend"
	"github.com/comfy-pilot/control-plane/pkg/models"
)

const (
	name           = "anthropic"
	defaultModel   = anthropicsdk.ModelClaude3_5SonnetLatest
	probeMaxTokens = 1
)

func init() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		backend.Register(New(key))
	}
}

// Driver is the anthropic Backend implementation.
type Driver struct {
	client *anthropicsdk.Client
}

// New creates a Driver authenticated with apiKey.
func New(apiKey string) *Driver {
	client := anthropicsdk.NewClient(option.WithAPIKey(apiKey))
	return &Driver{client: &client}
}

func (d *Driver) Name() string        { return name }
func (d *Driver) DisplayName() string { return "Anthropic Claude" }

func (d *Driver) SupportedModels() []string {
	return []string{
		string(anthropicsdk.ModelClaude3_5SonnetLatest),
		string(anthropicsdk.ModelClaude3_5HaikuLatest),
		string(anthropicsdk.ModelClaudeOpus4_0),
	}
}

// IsAvailable issues a minimal, near-zero-cost request to confirm the
// API key is live and the service reachable.
func (d *Driver) IsAvailable(ctx context.Context) bool {
	_, err := d.client.Messages.New(ctx, anthropicsdk.MessageNewParams{
		Model:     defaultModel,
		MaxTokens: probeMaxTokens,
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock("ping")),
		},
	})
	return err == nil
}

// Query streams a chat completion from the configured model.
func (d *Driver) Query(ctx context.Context, messages []models.ConversationMessage, config models.BackendConfig) (<-chan backend.Chunk, error) {
	model := anthropicsdk.Model(defaultModel)
	if config.ModelIdentifier != "" {
		model = anthropicsdk.Model(config.ModelIdentifier)
	}

	params := anthropicsdk.MessageNewParams{
		Model:     model,
		MaxTokens: int64(config.MaxOutputTokens),
		Messages:  toMessageParams(messages),
	}
	if config.SystemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: config.SystemPrompt}}
	}

	stream := d.client.Messages.NewStreaming(ctx, params)
	out := make(chan backend.Chunk)

	go func() {
		defer close(out)
		for stream.Next() {
			event := stream.Current()
			if delta, ok := event.Delta.(anthropicsdk.TextDelta); ok && delta.Text != "" {
				select {
				case out <- backend.Chunk{Text: delta.Text}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			out <- backend.Chunk{Err: err}
		}
	}()

	return out, nil
}

func toMessageParams(messages []models.ConversationMessage) []anthropicsdk.MessageParam {
	out := make([]anthropicsdk.MessageParam, 0, len(messages))
	for _, m := range messages {
		block := anthropicsdk.NewTextBlock(m.Content)
		if m.Role == models.RoleAssistant {
			out = append(out, anthropicsdk.NewAssistantMessage(block))
		} else {
			out = append(out, anthropicsdk.NewUserMessage(block))
		}
	}
	return out
}
