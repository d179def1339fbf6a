package llm

import (
	"context"
	"time"
)

// Provider defines the interface for interacting with agent backends.
// Implementations handle transport details such as request formatting,
// authentication, and handing the response stream to the decoder.
type Provider interface {
	// Stream sends a chat request and decodes the streamed reply. onDelta,
	// if non-nil, receives each text delta as it arrives.
	Stream(ctx context.Context, req *ChatRequest, onDelta func(string)) (*Response, error)
}

// Config holds common configuration for agent providers.
type Config struct {
	BaseURL string
	APIKey  string
	Agent   string
	Timeout time.Duration
}
