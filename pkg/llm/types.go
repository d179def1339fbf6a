package llm

import (
	"fmt"
	"net/http"

	"github.com/user/convaichat/pkg/datastream"
)

// Message represents a chat message in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body sent to an agent's stream endpoint.
type ChatRequest struct {
	Messages   []Message `json:"messages"`
	ThreadID   string    `json:"threadId"`
	ResourceID string    `json:"resourceId"`
}

// Response is the assistant reply for one turn.
type Response struct {
	Role    string           `json:"role"`
	Content string           `json:"content"`
	Turn    *datastream.Turn `json:"turn,omitempty"`
}

// HTTPError is returned when the agent endpoint answers with a non-2xx
// status. Message is the text shown to the user.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

// NewHTTPError maps a status code and response body to a user-facing error.
func NewHTTPError(status int, body string) *HTTPError {
	var msg string
	switch status {
	case http.StatusUnauthorized:
		msg = "Authentication failed. Please check your API key."
	case http.StatusTooManyRequests:
		msg = "Too many requests. Please try again later."
	case http.StatusInternalServerError:
		msg = "Server error. Please try again later."
	default:
		msg = body
		if msg == "" {
			msg = fmt.Sprintf("HTTP error! status: %d", status)
		}
	}
	return &HTTPError{StatusCode: status, Message: msg}
}
