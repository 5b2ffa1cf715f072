package models

import "encoding/json"

// ChatCompletionRequest is the caller-facing chat request. Messages are kept
// as raw JSON and forwarded to the upstream untouched; no field is validated.
type ChatCompletionRequest struct {
	Model       string          `json:"model"`
	Messages    json.RawMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Stream      *bool           `json:"stream,omitempty"`
}

// UpstreamChatRequest is the body sent upstream after model remapping and
// default injection.
type UpstreamChatRequest struct {
	Model       string          `json:"model"`
	Messages    json.RawMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
	Stream      bool            `json:"stream"`
}

// Message is a single chat message within a response choice.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Choice is one completion alternative in a chat response.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UpstreamChatResponse is the buffered upstream success body.
type UpstreamChatResponse struct {
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// ChatCompletionResponse is the caller-facing success body. Model carries the
// id the caller asked for, never the upstream one. Usage is all-zero when the
// upstream omitted it.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// ModelList is the payload of GET /v1/models.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelCard `json:"data"`
}

// ModelCard describes one exposed model.
type ModelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// Error type tags emitted by this service.
const (
	ErrorTypeConfiguration = "configuration_error"
	ErrorTypeUpstream      = "nvidia_api_error"
	ErrorTypeNotFound      = "not_found"
)

// ErrorEnvelope is the single wire shape used for every failure class.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the normalized failure description.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code,omitempty"`
}

// NewErrorEnvelope is the sole constructor for the error shape, so every
// failure site produces the same structure.
func NewErrorEnvelope(message, errType string, code int) ErrorEnvelope {
	return ErrorEnvelope{
		Error: ErrorDetail{
			Message: message,
			Type:    errType,
			Code:    code,
		},
	}
}
