package llm

import (
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// ModeOpenAI talks to an OpenAI-compatible endpoint.
	ModeOpenAI = "openai"
	// ModeMock indicates mock mode should be used.
	ModeMock = "mock"
)

// NewModelClient creates a model client for mode. Anything but mock selects
// the OpenAI-compatible client.
func NewModelClient(mode, baseURL, apiKey string, timeout time.Duration) ModelClient {
	if mode == ModeMock {
		log.Info().Msg("models.mode=mock, using mock model client")
		return NewMockClient()
	}
	log.Info().Str("base_url", baseURL).Msg("Using OpenAI-compatible model client")
	return NewOpenAIClient(baseURL, apiKey, timeout)
}
