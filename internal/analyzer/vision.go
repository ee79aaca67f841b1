package analyzer

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const maxOutputTokens = 1000

// VisionClient submits one image plus prompts to the analysis service and
// returns its free-form text reply.
type VisionClient interface {
	Analyze(ctx context.Context, imageJPEG []byte, systemPrompt, userPrompt string) (string, error)
}

// GeminiClient implements VisionClient against the Gemini API
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a Gemini-backed vision client
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("analysis API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis client: %w", err)
	}

	return &GeminiClient{client: client, model: model}, nil
}

// Analyze implements VisionClient
func (g *GeminiClient) Analyze(ctx context.Context, imageJPEG []byte, systemPrompt, userPrompt string) (string, error) {
	parts := []*genai.Part{
		genai.NewPartFromText(userPrompt),
		genai.NewPartFromBytes(imageJPEG, "image/jpeg"),
	}
	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		MaxOutputTokens:   maxOutputTokens,
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("analysis request failed: %w", err)
	}

	return resp.Text(), nil
}

// Model returns the configured model identifier
func (g *GeminiClient) Model() string {
	return g.model
}
