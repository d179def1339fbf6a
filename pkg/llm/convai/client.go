package convai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/user/convaichat/pkg/datastream"
	"github.com/user/convaichat/pkg/llm"
)

// DefaultAgent is the agent addressed when the config names none.
const DefaultAgent = "copilotAgent"

// Client implements the llm.Provider interface for the Convai agent API.
type Client struct {
	config     *llm.Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a new Convai client with the given configuration. A zero
// Timeout leaves the stream bounded only by the request context.
func New(config *llm.Config) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: slog.Default(),
	}
}

// WithLogger returns the client with a different logger.
func (c *Client) WithLogger(l *slog.Logger) *Client {
	c.logger = l
	return c
}

func (c *Client) endpoint() string {
	agent := c.config.Agent
	if agent == "" {
		agent = DefaultAgent
	}
	return strings.TrimRight(c.config.BaseURL, "/") + "/api/agents/" + url.PathEscape(agent) + "/stream"
}

// Stream posts the request and decodes the streamed reply.
func (c *Client) Stream(ctx context.Context, req *llm.ChatRequest, onDelta func(string)) (*llm.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Convai-Api-Key", c.config.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, llm.NewHTTPError(resp.StatusCode, string(errBody))
	}

	var stream io.Reader = resp.Body
	if resp.Body == http.NoBody {
		stream = nil
	}

	decoder := datastream.NewDecoder(datastream.WithLogger(c.logger))
	turn, err := decoder.Decode(ctx, stream, onDelta)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("turn decoded",
		"thread_id", req.ThreadID,
		"message_id", turn.MessageID,
		"finish_reason", turn.FinishReason,
		"tool_calls", len(turn.ToolCalls),
	)

	return &llm.Response{
		Role:    "assistant",
		Content: turn.ResponseText,
		Turn:    turn,
	}, nil
}
