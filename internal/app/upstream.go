package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/livebridge/internal/config"
	"github.com/ent0n29/livebridge/internal/upstream"
)

type upstreamSetup struct {
	connector upstream.Connector
	provider  string
	model     string
	detail    string
}

func resolveConnector(ctx context.Context, cfg config.Config) (upstreamSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.UpstreamProvider))
	if mode == "" {
		mode = "auto"
	}

	hasCredentials := strings.TrimSpace(cfg.GeminiAPIKey) != "" || cfg.GeminiUseVertexAI
	tryGemini := func() (upstreamSetup, error) {
		c, err := upstream.NewGeminiConnector(ctx, upstream.GeminiConfig{
			APIKey:      cfg.GeminiAPIKey,
			UseVertexAI: cfg.GeminiUseVertexAI,
			Project:     cfg.GoogleCloudProject,
			Location:    cfg.GoogleCloudLocation,
			Model:       cfg.LiveModel,
		})
		if err != nil {
			return upstreamSetup{}, fmt.Errorf("gemini connector init failed: %w", err)
		}
		return upstreamSetup{
			connector: c,
			provider:  c.Name(),
			model:     c.Model(),
			detail:    fmt.Sprintf("%s live (%s)", c.Name(), c.Model()),
		}, nil
	}
	mock := func(detail string) upstreamSetup {
		return upstreamSetup{
			connector: upstream.NewMockConnector(true),
			provider:  "mock",
			model:     "echo",
			detail:    detail,
		}
	}

	switch mode {
	case "gemini":
		return tryGemini()
	case "mock":
		return mock("mock echo"), nil
	case "auto":
		if hasCredentials {
			return tryGemini()
		}
		return mock("mock echo (no GEMINI_API_KEY and vertex ai disabled)"), nil
	default:
		return upstreamSetup{}, fmt.Errorf("invalid UPSTREAM_PROVIDER: %q (expected auto|gemini|mock)", cfg.UpstreamProvider)
	}
}
