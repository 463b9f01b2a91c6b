package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type GeminiConfig struct {
	APIKey      string
	UseVertexAI bool
	Project     string
	Location    string
	Model       string
}

// GeminiConnector opens Live sessions against the Gemini API or Vertex AI.
type GeminiConnector struct {
	client *genai.Client
	model  string
}

func NewGeminiConnector(ctx context.Context, cfg GeminiConfig) (*GeminiConnector, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, errors.New("gemini live model is required")
	}

	cc := &genai.ClientConfig{Backend: genai.BackendGeminiAPI, APIKey: cfg.APIKey}
	if cfg.UseVertexAI {
		if strings.TrimSpace(cfg.Project) == "" {
			return nil, errors.New("GOOGLE_CLOUD_PROJECT is required for vertex ai")
		}
		cc = &genai.ClientConfig{
			Backend:  genai.BackendVertexAI,
			Project:  cfg.Project,
			Location: cfg.Location,
		}
	} else if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("GEMINI_API_KEY is required for the gemini api backend")
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genai client init failed: %w", err)
	}
	return &GeminiConnector{client: client, model: model}, nil
}

func (g *GeminiConnector) Name() string {
	if g.client.ClientConfig().Backend == genai.BackendVertexAI {
		return "vertexai"
	}
	return "gemini"
}

func (g *GeminiConnector) Model() string { return g.model }

func (g *GeminiConnector) Connect(ctx context.Context, cfg *genai.LiveConnectConfig) (Stream, error) {
	sess, err := g.client.Live.Connect(ctx, g.model, cfg)
	if err != nil {
		return nil, fmt.Errorf("live connect %s: %w", g.model, err)
	}
	return sess, nil
}
