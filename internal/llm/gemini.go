package llm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"meshbridge/internal/conversation"
)

// Ensure GeminiClient implements the collaborator surface.
var _ Client = (*GeminiClient)(nil)

// defaultModel is used when the config names none.
const defaultModel = "gemini-2.0-flash"

// GeminiClient implements the AI collaborator over the Gemini API.
type GeminiClient struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

// NewGeminiClient creates a Gemini-backed client.
func NewGeminiClient(ctx context.Context, apiKey, model string, logger *zap.Logger) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = defaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiClient{
		client: client,
		model:  model,
		logger: logger,
	}, nil
}

// Complete requests a persona reply for the current turn.
func (c *GeminiClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, msg := range req.History {
		var role genai.Role = genai.RoleUser
		if msg.Role == conversation.RoleAssistant {
			role = genai.RoleModel
		}
		// System summaries travel as user-role context; Gemini only
		// accepts a single out-of-band system instruction.
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(UserTurn(req), genai.RoleUser))

	cfg := &genai.GenerateContentConfig{}
	if req.Persona != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.Persona, genai.RoleUser)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini completion failed: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

// Summarize condenses text into one short paragraph.
func (c *GeminiClient) Summarize(ctx context.Context, text string, maxLength int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("no text to summarize")
	}

	persona := fmt.Sprintf(
		"You are an expert at summarizing conversations or text very concisely into a "+
			"single paragraph, under %d characters, retaining key facts and context.", maxLength)

	resp, err := c.client.Models.GenerateContent(ctx, c.model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(persona, genai.RoleUser),
		})
	if err != nil {
		return "", fmt.Errorf("gemini summarization failed: %w", err)
	}

	summary := strings.TrimSpace(resp.Text())
	// Summary models run long; allow some leeway before cutting.
	if len(summary) > maxLength+30 {
		summary = summary[:maxLength] + "..."
	}
	return summary, nil
}

// Classify answers a strict YES/NO triage question.
func (c *GeminiClient) Classify(ctx context.Context, systemPrompt, query string) (string, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.model,
		[]*genai.Content{genai.NewContentFromText(query, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
			Temperature:       genai.Ptr(float32(0)),
			MaxOutputTokens:   8,
		})
	if err != nil {
		return "", fmt.Errorf("gemini classification failed: %w", err)
	}
	return strings.ToUpper(strings.TrimSpace(resp.Text())), nil
}
