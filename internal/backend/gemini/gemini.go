// Package gemini wraps google.golang.org/genai as a backend.Backend,
// a third hosted backend alongside Anthropic and local Ollama models.
package gemini

import (
	"context"
	"os"

	"github.com/comfy-pilot/control-plane/internal/backend"
	"github.com/comfy-pilot/control-plane/pkg/models"
	"google.golang.org/genai"
)

const (
	name         = "gemini"
	defaultModel = "gemini-1.5-pro"
)

func init() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		d, err := New(key)
		if err == nil {
			backend.Register(d)
		}
	}
}

// Driver is the gemini Backend implementation.
type Driver struct {
	client *genai.Client
}

// New creates a Driver authenticated with apiKey against the public
// Gemini API (not Vertex AI).
func New(apiKey string) (*Driver, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &Driver{client: client}, nil
}

func (d *Driver) Name() string        { return name }
func (d *Driver) DisplayName() string { return "Google Gemini" }

func (d *Driver) SupportedModels() []string {
	return []string{"gemini-1.5-pro", "gemini-1.5-flash", "gemini-2.0-flash"}
}

// IsAvailable issues a minimal generation call to confirm the API key
// and network path are live.
func (d *Driver) IsAvailable(ctx context.Context) bool {
	_, err := d.client.Models.GenerateContent(ctx, defaultModel,
		genai.Text("ping"), nil)
	return err == nil
}

// Query streams a chat completion from the configured model.
func (d *Driver) Query(ctx context.Context, messages []models.ConversationMessage, config models.BackendConfig) (<-chan backend.Chunk, error) {
	model := defaultModel
	if config.ModelIdentifier != "" {
		model = config.ModelIdentifier
	}

	var cfg *genai.GenerateContentConfig
	if config.SystemPrompt != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(config.SystemPrompt, genai.RoleUser),
			Temperature:       genai.Ptr(float32(config.Temperature)),
			MaxOutputTokens:   int32(config.MaxOutputTokens),
		}
	} else {
		cfg = &genai.GenerateContentConfig{
			Temperature:     genai.Ptr(float32(config.Temperature)),
			MaxOutputTokens: int32(config.MaxOutputTokens),
		}
	}

	contents := toContents(messages)
	out := make(chan backend.Chunk)

	go func() {
		defer close(out)
		for result, err := range d.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				out <- backend.Chunk{Err: err}
				return
			}
			text := result.Text()
			if text == "" {
				continue
			}
			select {
			case out <- backend.Chunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func toContents(messages []models.ConversationMessage) []*genai.Content {
	out := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := genai.RoleUser
		if m.Role == models.RoleAssistant {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(m.Content, role))
	}
	return out
}
